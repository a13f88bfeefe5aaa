package equipment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	branch := uuid.New()

	tests := []struct {
		name    string
		items   []Item
		current bool
		overdue []string
	}{
		{"no equipment is not current", nil, false, nil},
		{"all within window", []Item{{ID: "fridge-1", DueAt: now.Add(24 * time.Hour)}}, true, nil},
		{"due exactly now is overdue", []Item{{ID: "fridge-1", DueAt: now}}, false, []string{"fridge-1"}},
		{
			"one overdue",
			[]Item{{ID: "thawer-2", DueAt: now.Add(-time.Hour)}, {ID: "fridge-1", DueAt: now.Add(time.Hour)}},
			false, []string{"thawer-2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(branch, tt.items, now)
			assert.Equal(t, tt.current, r.Current)
			assert.Equal(t, tt.overdue, r.Overdue)
		})
	}
}

func TestStaticSource(t *testing.T) {
	r, err := StaticSource{Current: false}.Calibration(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, r.Current)
	assert.NotEmpty(t, r.Overdue)
}
