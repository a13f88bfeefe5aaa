package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Outbox is a local SQLite buffer for events the primary sink rejected.
// Events are replayed in insertion order by Drain.
type Outbox struct {
	db *sql.DB
}

// OpenOutbox opens (or creates) the outbox file. ":memory:" is accepted for
// tests.
func OpenOutbox(path string) (*Outbox, error) {
	if path == "" {
		path = "bloodbank-audit-outbox.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		payload BLOB NOT NULL,
		queued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO audit_outbox (event_id, payload, queued_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		evt.ID.String(), payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

type pending struct {
	seq int64
	evt Event
}

func (o *Outbox) next(ctx context.Context, limit int) ([]pending, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT seq, payload FROM audit_outbox ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pending
	for rows.Next() {
		var p pending
		var payload []byte
		if err := rows.Scan(&p.seq, &payload); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := json.Unmarshal(payload, &p.evt); err != nil {
			return nil, fmt.Errorf("decode outbox row %d: %w", p.seq, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Len reports the number of events waiting for replay.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_outbox`).Scan(&n)
	return n, err
}

// Drain replays buffered events to sink in order and stops at the first
// failure so ordering is preserved. It returns how many were delivered.
func (o *Outbox) Drain(ctx context.Context, sink Sink, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	delivered := 0
	for {
		rows, err := o.next(ctx, batch)
		if err != nil {
			return delivered, err
		}
		if len(rows) == 0 {
			return delivered, nil
		}
		for _, p := range rows {
			if err := sink.Record(ctx, p.evt); err != nil {
				_, _ = o.db.ExecContext(ctx, `UPDATE audit_outbox SET attempts = attempts + 1 WHERE seq = ?`, p.seq)
				return delivered, err
			}
			if _, err := o.db.ExecContext(ctx, `DELETE FROM audit_outbox WHERE seq = ?`, p.seq); err != nil {
				return delivered, fmt.Errorf("delete outbox row: %w", err)
			}
			delivered++
		}
	}
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// FallbackSink sends to primary and parks the event in the outbox when
// primary fails. The caller only sees an error if both fail.
type FallbackSink struct {
	primary Sink
	outbox  *Outbox
	logger  zerolog.Logger
}

func NewFallbackSink(primary Sink, outbox *Outbox, logger zerolog.Logger) *FallbackSink {
	return &FallbackSink{primary: primary, outbox: outbox, logger: logger}
}

func (f *FallbackSink) Record(ctx context.Context, evt Event) error {
	err := f.primary.Record(ctx, evt)
	if err == nil {
		return nil
	}
	f.logger.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("audit sink unavailable, buffering to outbox")
	if oerr := f.outbox.Append(ctx, evt); oerr != nil {
		return errors.Join(err, oerr)
	}
	return nil
}

// Flush replays the outbox to the primary sink.
func (f *FallbackSink) Flush(ctx context.Context) (int, error) {
	return f.outbox.Drain(ctx, f.primary, 100)
}
