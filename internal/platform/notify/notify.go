// Package notify raises operational alerts that need a human: failed bedside
// checks, adverse reactions, abandoned transfusions, MTP shortfalls and
// lookback hits.
package notify

//go:generate mockgen -destination=mock/mock_notifier.go -package=mock github.com/ehr/bloodbank/internal/platform/notify Notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/platform/kafka"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindBedsideFailure       Kind = "bedside_verification_failed"
	KindAdverseReaction      Kind = "adverse_reaction"
	KindAbandonedTransfusion Kind = "abandoned_transfusion"
	KindMTPShortfall         Kind = "mtp_shortfall"
	KindTTILookback          Kind = "tti_lookback"
)

type Alert struct {
	ID        uuid.UUID         `json:"id"`
	Kind      Kind              `json:"kind"`
	Severity  Severity          `json:"severity"`
	BranchID  uuid.UUID         `json:"branch_id"`
	Subject   string            `json:"subject"`
	PatientID string            `json:"patient_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RaisedAt  time.Time         `json:"raised_at"`
}

// NewAlert fills in the identifier and timestamp.
func NewAlert(kind Kind, severity Severity, branchID uuid.UUID, subject, message string) Alert {
	return Alert{
		ID:       uuid.New(),
		Kind:     kind,
		Severity: severity,
		BranchID: branchID,
		Subject:  subject,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	evt := n.logger.Warn()
	if a.Severity == SeverityCritical {
		evt = n.logger.Error()
	}
	evt.Str("alert_id", a.ID.String()).
		Str("kind", string(a.Kind)).
		Str("branch_id", a.BranchID.String()).
		Str("subject", a.Subject).
		Str("patient_id", a.PatientID).
		Interface("details", a.Details).
		Msg(a.Message)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes alerts keyed by branch so a branch's alerts stay
// ordered on one partition.
type KafkaNotifier struct {
	pub   publisher
	topic string
}

func NewKafkaNotifier(pub publisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{pub: pub, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return n.pub.Publish(ctx, kafka.Message{
		Topic:   n.topic,
		Key:     []byte(a.BranchID.String()),
		Value:   payload,
		Headers: map[string]string{"kind": string(a.Kind), "severity": string(a.Severity)},
	})
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory records alerts for tests and the development profile.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Memory) ByKind(kind Kind) []Alert {
	var out []Alert
	for _, a := range m.Alerts() {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
