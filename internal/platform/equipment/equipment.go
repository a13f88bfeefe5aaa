// Package equipment reports whether a branch's storage and issue equipment
// (refrigerators, platelet agitators, plasma thawers) is within its
// calibration window.
package equipment

//go:generate mockgen -destination=mock/mock_source.go -package=mock github.com/ehr/bloodbank/internal/platform/equipment StatusSource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Item struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	CalibratedAt time.Time `json:"calibrated_at"`
	DueAt        time.Time `json:"due_at"`
}

// Report is a point-in-time calibration snapshot for one branch.
type Report struct {
	BranchID uuid.UUID `json:"branch_id"`
	Current  bool      `json:"current"`
	Overdue  []string  `json:"overdue,omitempty"`
	Items    []Item    `json:"items"`
}

type StatusSource interface {
	Calibration(ctx context.Context, branchID uuid.UUID) (Report, error)
}

// Evaluate builds a report from items. A branch with no registered
// equipment is not current.
func Evaluate(branchID uuid.UUID, items []Item, now time.Time) Report {
	r := Report{BranchID: branchID, Items: items, Current: len(items) > 0}
	for _, it := range items {
		if !now.Before(it.DueAt) {
			r.Current = false
			r.Overdue = append(r.Overdue, it.ID)
		}
	}
	sort.Strings(r.Overdue)
	return r
}

// KeyFor is the Redis hash the calibration feed writes for a branch. Each
// field is an equipment ID and each value a JSON-encoded Item.
func KeyFor(branchID uuid.UUID) string {
	return "equipment:calibration:" + branchID.String()
}

// RedisSource reads the calibration feed from Redis.
type RedisSource struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb, now: time.Now}
}

func (s *RedisSource) Calibration(ctx context.Context, branchID uuid.UUID) (Report, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyFor(branchID)).Result()
	if err != nil {
		return Report{}, fmt.Errorf("read calibration feed: %w", err)
	}
	items := make([]Item, 0, len(fields))
	for id, raw := range fields {
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return Report{}, fmt.Errorf("decode calibration entry %s: %w", id, err)
		}
		it.ID = id
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return Evaluate(branchID, items, s.now()), nil
}

// Publish writes one calibration entry. Used by the calibration feed and by
// tests.
func Publish(ctx context.Context, rdb redis.Cmdable, branchID uuid.UUID, it Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return rdb.HSet(ctx, KeyFor(branchID), it.ID, raw).Err()
}

// StaticSource returns a fixed answer for every branch. It backs the
// development profile.
type StaticSource struct {
	Current bool
}

func (s StaticSource) Calibration(_ context.Context, branchID uuid.UUID) (Report, error) {
	r := Report{BranchID: branchID, Current: s.Current}
	if !s.Current {
		r.Overdue = []string{"static"}
	}
	return r, nil
}
