package issuance

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/platform/apperr"
)

type Mode string

const (
	ModeStandard Mode = "STANDARD"
	ModeMTP      Mode = "MTP"
)

// Issue gates, in evaluation order.
const (
	GateUnitExpiry           = "unit_expiry"
	GateReservation          = "reservation"
	GateMTPSelection         = "mtp_selection"
	GateTTIClearance         = "tti_clearance"
	GateColdChain            = "cold_chain"
	GateEquipmentCalibration = "equipment_calibration"
	GateVisualInspection     = "visual_inspection"
)

// Bedside gates.
const (
	GateTwoPerson       = "two_person_verification"
	GateStaffIdentity   = "staff_identity"
	GatePatientIdentity = "patient_identity"
	GateUnitIdentity    = "unit_identity"
	GateUnitState       = "unit_state"
)

// OverridableGates lists the only gates a policy may open to override.
var OverridableGates = map[string]bool{
	GateEquipmentCalibration: true,
	GateVisualInspection:     true,
}

// Override is a human decision to proceed past one failed gate.
type Override struct {
	Gate   string `json:"gate"`
	Reason string `json:"reason"`
	By     string `json:"by"`
}

type IssueRecord struct {
	ID                 uuid.UUID               `json:"id"`
	UnitID             uuid.UUID               `json:"unit_id"`
	CrossMatchID       *uuid.UUID              `json:"cross_match_id,omitempty"`
	MTPReleaseID       *uuid.UUID              `json:"mtp_release_id,omitempty"`
	PatientID          uuid.UUID               `json:"patient_id"`
	BranchID           uuid.UUID               `json:"branch_id"`
	Mode               Mode                    `json:"mode"`
	IssuedToPerson     string                  `json:"issued_to_person,omitempty"`
	IssuedToWard       string                  `json:"issued_to_ward,omitempty"`
	TransportBoxTemp   *float64                `json:"transport_box_temp,omitempty"`
	VisualInspectionOK *bool                   `json:"visual_inspection_ok,omitempty"`
	Override           *Override               `json:"gate_override,omitempty"`
	Gates              []apperr.GateEvaluation `json:"gates_evaluated"`
	IssuedAt           time.Time               `json:"issued_at"`
	IssuedBy           string                  `json:"issued_by"`
	BedsideVerifiedAt  *time.Time              `json:"bedside_verified_at,omitempty"`
	AbandonAlertedAt   *time.Time              `json:"abandon_alerted_at,omitempty"`
	CompletedAt        *time.Time              `json:"completed_at,omitempty"`
}

type BedsideOutcome string

const (
	BedsidePassed BedsideOutcome = "PASSED"
	BedsideFailed BedsideOutcome = "FAILED"
)

// BedsideVerification is one attempt at the two-person bedside check.
// Failed attempts are kept as escalation evidence.
type BedsideVerification struct {
	ID                 uuid.UUID      `json:"id"`
	IssueID            uuid.UUID      `json:"issue_id"`
	ScannedPatientID   uuid.UUID      `json:"scanned_patient_id"`
	ScannedUnitBarcode string         `json:"scanned_unit_barcode"`
	Verifier1          string         `json:"verifier1"`
	Verifier2          string         `json:"verifier2"`
	Outcome            BedsideOutcome `json:"outcome"`
	FailureGate        string         `json:"failure_gate,omitempty"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	VerifiedAt         time.Time      `json:"verified_at"`
}

// TransportInRange reports whether a transport box temperature suits the
// component. Plasma and cryo travel frozen or thawed.
func TransportInRange(c bloodunit.Component, celsius float64) bool {
	switch c {
	case bloodunit.ComponentWholeBlood, bloodunit.ComponentPRBC:
		return celsius >= 1 && celsius <= 10
	case bloodunit.ComponentFFP, bloodunit.ComponentCryo:
		return celsius <= -18 || (celsius >= 1 && celsius <= 6)
	case bloodunit.ComponentPlatelets:
		return celsius >= 20 && celsius <= 24
	}
	return false
}
