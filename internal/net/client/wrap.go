package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sawpanic/rangerun/internal/net/ratelimit"
)

type costKey struct{}

// Cost is the quota a request consumes.
type Cost struct {
	Bucket ratelimit.Bucket
	Units  int
}

// WithCost attaches quota costs to a request context. A request may consume
// from several buckets, e.g. an order costs weight and an order slot.
func WithCost(ctx context.Context, costs ...Cost) context.Context {
	return context.WithValue(ctx, costKey{}, costs)
}

func costsFrom(ctx context.Context) []Cost {
	if c, ok := ctx.Value(costKey{}).([]Cost); ok {
		return c
	}
	return []Cost{{Bucket: ratelimit.BucketWeight, Units: 1}}
}

// WrapperConfig configures the HTTP client wrapper
type WrapperConfig struct {
	Provider    string
	UserAgent   string
	APIKey      string
	RateLimiter *ratelimit.Limiter
}

// Venue backoff when a throttling response carries no Retry-After.
const (
	defaultTooManyBackoff = time.Second     // HTTP 429
	defaultBannedBackoff  = 2 * time.Minute // HTTP 418, IP ban
)

// Wrapper wraps an HTTP RoundTripper with venue headers and rate limiting.
// After a 429 or 418 it refuses requests locally until the venue's
// Retry-After has passed; continuing to send escalates the ban.
type Wrapper struct {
	config    WrapperConfig
	transport http.RoundTripper
	now       func() time.Time

	mu           sync.Mutex
	blockedUntil time.Time
	blockStatus  int
}

// NewWrapper creates a new HTTP client wrapper
func NewWrapper(config WrapperConfig, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.UserAgent == "" {
		config.UserAgent = "rangerun/1.0"
	}
	return &Wrapper{config: config, transport: transport, now: time.Now}
}

// BlockedUntil returns when the venue's last throttling response expires.
func (w *Wrapper) BlockedUntil() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blockedUntil
}

func (w *Wrapper) checkBlocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.now().Before(w.blockedUntil) {
		return fmt.Errorf("backing off after HTTP %d until %s", w.blockStatus, w.blockedUntil.UTC().Format(time.RFC3339))
	}
	return nil
}

func (w *Wrapper) observe(resp *http.Response) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusTeapot {
		return
	}
	wait := defaultTooManyBackoff
	if resp.StatusCode == http.StatusTeapot {
		wait = defaultBannedBackoff
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if until := w.now().Add(wait); until.After(w.blockedUntil) {
		w.blockedUntil = until
		w.blockStatus = resp.StatusCode
	}
}

// RoundTrip implements http.RoundTripper
func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", w.config.UserAgent)
	}
	if w.config.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", w.config.APIKey)
	}

	if err := w.checkBlocked(); err != nil {
		return nil, &ProviderError{
			Provider: w.config.Provider,
			Type:     "rate_limit",
			Err:      err,
		}
	}

	if w.config.RateLimiter != nil {
		for _, c := range costsFrom(req.Context()) {
			if err := w.config.RateLimiter.Wait(req.Context(), c.Bucket, c.Units); err != nil {
				return nil, &ProviderError{
					Provider: w.config.Provider,
					Type:     "rate_limit",
					Err:      fmt.Errorf("rate limit wait failed: %w", err),
				}
			}
		}
	}

	resp, err := w.transport.RoundTrip(req)
	if err != nil {
		return nil, &ProviderError{
			Provider: w.config.Provider,
			Type:     "transport",
			Err:      err,
		}
	}
	w.observe(resp)
	return resp, nil
}

// ProviderError represents an error from a provider with context
type ProviderError struct {
	Provider string `json:"provider"`
	Type     string `json:"type"` // "rate_limit", "transport"
	Err      error  `json:"-"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s error: %v", e.Provider, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited returns true if the error is due to rate limiting
func (e *ProviderError) IsRateLimited() bool {
	return e.Type == "rate_limit"
}
