//go:build integration

package equipment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/testutil/containers"
)

func TestRedisSource_ReadsFeed(t *testing.T) {
	ctx := context.Background()
	rdb := containers.NewRedis(t)

	branch := uuid.New()
	src := NewRedisSource(rdb)

	r, err := src.Calibration(ctx, branch)
	require.NoError(t, err)
	require.False(t, r.Current, "missing feed fails closed")

	now := time.Now().UTC()
	require.NoError(t, Publish(ctx, rdb, branch, Item{ID: "fridge-1", Kind: "refrigerator", CalibratedAt: now.Add(-24 * time.Hour), DueAt: now.Add(24 * time.Hour)}))
	r, err = src.Calibration(ctx, branch)
	require.NoError(t, err)
	require.True(t, r.Current)

	require.NoError(t, Publish(ctx, rdb, branch, Item{ID: "agitator-1", Kind: "platelet_agitator", DueAt: now.Add(-time.Minute)}))
	r, err = src.Calibration(ctx, branch)
	require.NoError(t, err)
	require.False(t, r.Current)
	require.Equal(t, []string{"agitator-1"}, r.Overdue)
}
