package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanSpec(t *testing.T) {
	tests := []struct {
		interval string
		want     string
	}{
		{"1m", "5 * * * * *"},
		{"15m", "5 */15 * * * *"},
		{"1h", "5 0 * * * *"},
		{"4h", "5 0 */4 * * *"},
		{"1d", "5 0 0 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			got, err := ScanSpec(tt.interval, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			_, err = parser.Parse(got)
			assert.NoError(t, err)
		})
	}
	_, err := ScanSpec("1w", 5)
	assert.Error(t, err)
	_, err = ScanSpec("15m", 60)
	assert.Error(t, err)
}

func TestRegisterAndRunNow(t *testing.T) {
	s, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.Register("scan", "5 */15 * * * *", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "jobs run under a timeout")
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("reconcile", "30 */5 * * * *", func(context.Context) error {
		return errors.New("journal down")
	}))
	assert.Error(t, s.Register("scan", "* * * * * *", func(context.Context) error { return nil }))
	assert.Error(t, s.Register("bad", "every tuesday", func(context.Context) error { return nil }))

	require.NoError(t, s.RunNow("scan"))
	assert.EqualError(t, s.RunNow("reconcile"), "journal down")
	assert.Error(t, s.RunNow("missing"))

	st := s.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "reconcile", st[0].Name)
	assert.Equal(t, 1, st[0].Failures)
	assert.Equal(t, "journal down", st[0].LastErr)
	assert.Equal(t, "scan", st[1].Name)
	assert.Equal(t, 1, st[1].Runs)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCronFiresJobs(t *testing.T) {
	s, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Register("tick", "* * * * * *", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.False(t, s.Status()[0].NextRun.IsZero())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Scan = "61 * * * * *"
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
	assert.NoError(t, Config{}.Validate(), "disabled schedule is not checked")
}
