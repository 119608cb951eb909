package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_Valid(t *testing.T) {
	t0 := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		tr    TimeRange
		valid bool
	}{
		{"valid_range", TimeRange{From: t0, To: t0.Add(time.Hour)}, true},
		{"same_time", TimeRange{From: t0, To: t0}, true},
		{"zero_times", TimeRange{}, true},
		{"reversed", TimeRange{From: t0, To: t0.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.tr.Valid())
		})
	}
}

func TestNopJournal(t *testing.T) {
	var j Journal = Nop{}
	ctx := context.Background()
	assert.NoError(t, j.RecordDecision(ctx, &Decision{Symbol: "BTCUSDT"}))
	assert.NoError(t, j.RecordExecution(ctx, &Execution{Symbol: "BTCUSDT"}))
	got, err := j.Executions(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, j.Ping(ctx))
	assert.NoError(t, j.Close())
}
