package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher is the Sink domain services write to. It hands events to the
// Worker through a buffered channel and blocks when the buffer is full;
// audit events are never dropped.
type Dispatcher struct {
	inbox chan Event
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{inbox: make(chan Event, buffer)}
}

func (d *Dispatcher) Record(ctx context.Context, evt Event) error {
	select {
	case d.inbox <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flusher is implemented by sinks holding buffered events.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Worker drains the dispatcher into the downstream sink.
type Worker struct {
	sink          Sink
	inbox         <-chan Event
	logger        zerolog.Logger
	flushInterval time.Duration
}

func NewWorker(sink Sink, d *Dispatcher, logger zerolog.Logger) *Worker {
	return &Worker{sink: sink, inbox: d.inbox, logger: logger, flushInterval: 30 * time.Second}
}

// Run blocks until ctx is cancelled, then writes whatever is still queued.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining()
			return nil
		case evt := <-w.inbox:
			w.write(ctx, evt)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Worker) write(ctx context.Context, evt Event) {
	if err := w.sink.Record(ctx, evt); err != nil {
		w.logger.Error().Err(err).
			Str("event_id", evt.ID.String()).
			Str("action", evt.Action).
			Msg("failed to record audit event")
	}
}

func (w *Worker) flush(ctx context.Context) {
	f, ok := w.sink.(Flusher)
	if !ok {
		return
	}
	n, err := f.Flush(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Int("replayed", n).Msg("audit outbox replay stopped")
		return
	}
	if n > 0 {
		w.logger.Info().Int("replayed", n).Msg("audit outbox replayed")
	}
}

func (w *Worker) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-w.inbox:
			w.write(ctx, evt)
		default:
			return
		}
	}
}
