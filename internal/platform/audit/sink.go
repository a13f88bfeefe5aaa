package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

type Sink interface {
	Record(ctx context.Context, evt Event) error
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Flush(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, s := range m {
		if f, ok := s.(Flusher); ok {
			n, err := f.Flush(ctx)
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return total, errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("type", "bloodbank_audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, evt Event) error {
	l := s.logger.Info()
	if evt.Category == CategorySecurity {
		l = s.logger.Warn()
	}
	l.Str("event_id", evt.ID.String()).
		Str("category", string(evt.Category)).
		Str("action", evt.Action).
		Str("actor_id", evt.ActorID).
		Str("branch_id", evt.BranchID.String()).
		Str("request_id", evt.RequestID).
		Str("subject", evt.Subject).
		Str("patient_id", evt.PatientID).
		Str("decision", evt.Decision).
		Str("reason", evt.Reason).
		Interface("details", evt.Details).
		Time("at", evt.Timestamp).
		Msg("audit")
	return nil
}

// Memory keeps events in order. Used by tests and the development profile.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByAction returns events with the given action, oldest first.
func (m *Memory) ByAction(action string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
