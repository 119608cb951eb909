package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket names a venue quota. Request weight and order count are limited
// independently by the venue.
type Bucket string

const (
	BucketWeight Bucket = "weight"
	BucketOrders Bucket = "orders"
)

// Quota is a token bucket definition: Limit tokens per Per, bursting to Burst.
type Quota struct {
	Limit int           `yaml:"limit"`
	Per   time.Duration `yaml:"per"`
	Burst int           `yaml:"burst"`
}

func (q Quota) rate() rate.Limit {
	if q.Per <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(q.Limit) / q.Per.Seconds())
}

// DefaultQuotas stays under USDT-M futures limits of 2400 weight per minute
// and 300 orders per 10 seconds.
func DefaultQuotas() map[Bucket]Quota {
	return map[Bucket]Quota{
		BucketWeight: {Limit: 2000, Per: time.Minute, Burst: 100},
		BucketOrders: {Limit: 250, Per: 10 * time.Second, Burst: 10},
	}
}

// Limiter provides per-bucket rate limiting using token bucket algorithm
type Limiter struct {
	mu       sync.RWMutex
	limiters map[Bucket]*rate.Limiter
	quotas   map[Bucket]Quota
}

// NewLimiter creates a limiter with the given quotas. Buckets without a
// quota are unlimited.
func NewLimiter(quotas map[Bucket]Quota) *Limiter {
	q := make(map[Bucket]Quota, len(quotas))
	for k, v := range quotas {
		q[k] = v
	}
	return &Limiter{
		limiters: make(map[Bucket]*rate.Limiter),
		quotas:   q,
	}
}

func (l *Limiter) getLimiter(b Bucket) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[b]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[b]; exists {
		return limiter
	}
	q, ok := l.quotas[b]
	if !ok {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		limiter = rate.NewLimiter(q.rate(), q.Burst)
	}
	l.limiters[b] = limiter
	return limiter
}

// Allow reports whether n tokens are available now and takes them if so.
func (l *Limiter) Allow(b Bucket, n int) bool {
	return l.getLimiter(b).AllowN(time.Now(), n)
}

// Wait blocks until n tokens are available or ctx is done. A request heavier
// than the bucket's burst can never be served and fails immediately.
func (l *Limiter) Wait(ctx context.Context, b Bucket, n int) error {
	limiter := l.getLimiter(b)
	if limiter.Limit() != rate.Inf && n > limiter.Burst() {
		return fmt.Errorf("request of %d exceeds %s burst %d", n, b, limiter.Burst())
	}
	return limiter.WaitN(ctx, n)
}

// Stats returns statistics for all buckets in use
func (l *Limiter) Stats() map[Bucket]LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[Bucket]LimiterStats, len(l.limiters))
	for b, limiter := range l.limiters {
		stats[b] = LimiterStats{
			Bucket:          b,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
		}
	}
	return stats
}

// LimiterStats represents statistics for a single bucket
type LimiterStats struct {
	Bucket          Bucket  `json:"bucket"`
	RPS             float64 `json:"rps"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
}

// IsThrottled returns true if the bucket has no whole token left
func (s *LimiterStats) IsThrottled() bool {
	return s.TokensAvailable < 1
}
