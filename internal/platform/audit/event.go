// Package audit records every state transition and safety-gate decision.
//
// Domain services hand events to a Sink. In production the sink is a
// Dispatcher feeding a background Worker, which writes to the structured log
// and to Kafka, falling back to a local SQLite outbox while Kafka is
// unreachable.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/actor"
)

// Category drives routing and retention downstream.
type Category string

const (
	// CategoryCompliance covers regulated actions: transitions, issues,
	// discards, transfusion records.
	CategoryCompliance Category = "compliance"
	// CategorySecurity covers denials, overrides and identity failures.
	CategorySecurity Category = "security"
	// CategoryOperations covers sweeps and other housekeeping.
	CategoryOperations Category = "operations"
)

const (
	ActionUnitRegistered      = "unit.registered"
	ActionUnitTransitioned    = "unit.transitioned"
	ActionUnitDiscarded       = "unit.discarded"
	ActionColdChainBreach     = "unit.cold_chain_breach"
	ActionTTIRecorded         = "tti.recorded"
	ActionTTILookback         = "tti.lookback"
	ActionGroupingRecorded    = "grouping.recorded"
	ActionReserved            = "crossmatch.reserved"
	ActionCrossMatchResult    = "crossmatch.result"
	ActionReservationReleased = "crossmatch.released"
	ActionReservationExpired  = "crossmatch.expired"
	ActionReservationConsumed = "crossmatch.consumed"
	ActionGateEvaluated       = "issue.gate_evaluated"
	ActionGateOverridden      = "issue.gate_overridden"
	ActionIssued              = "issue.authorized"
	ActionIssueDenied         = "issue.denied"
	ActionBedsideVerified     = "bedside.verified"
	ActionBedsideFailed       = "bedside.failed"
	ActionVitalsRecorded      = "transfusion.vitals"
	ActionAdverseReaction     = "transfusion.adverse_reaction"
	ActionTransfusionAbandon  = "transfusion.abandoned"
	ActionMTPReleased         = "mtp.released"
	ActionAccessDenied        = "http.access_denied"
)

// Event is transport-agnostic; sinks decide how to encode it.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Category  Category          `json:"category"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	ActorID   string            `json:"actor_id"`
	BranchID  uuid.UUID         `json:"branch_id"`
	RequestID string            `json:"request_id,omitempty"`
	Subject   string            `json:"subject"`
	PatientID string            `json:"patient_id,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// New stamps an event with the acting principal.
func New(a actor.Actor, category Category, action, subject string) Event {
	return Event{
		ID:        uuid.New(),
		Category:  category,
		Action:    action,
		Timestamp: time.Now().UTC(),
		ActorID:   a.UserID,
		BranchID:  a.BranchID,
		RequestID: a.RequestID,
		Subject:   subject,
	}
}

// With returns a copy carrying an extra detail.
func (e Event) With(key, value string) Event {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}
