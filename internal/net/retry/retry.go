package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"` // Default: 3, including the first call
	BaseDelay   time.Duration `yaml:"base_delay"`   // Default: 200ms
	MaxDelay    time.Duration `yaml:"max_delay"`    // Default: 2s
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based) with up to
// 10% jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay * time.Duration(1<<uint(attempt))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx ends. Only idempotent reads belong here.
func Do(ctx context.Context, p Policy, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := p.Delay(attempt - 1)
			log.Debug().Str("op", op).Int("attempt", attempt+1).Dur("backoff", wait).Err(err).Msg("retrying")
			select {
			case <-ctx.Done():
				return err
			case <-time.After(wait):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
