package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// Config controls when a breaker trips.
type Config struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"` // Default: 3
	FailureRatio        float64       `yaml:"failure_ratio"`        // Default: 0.05 once MinRequests seen
	MinRequests         uint32        `yaml:"min_requests"`         // Default: 20
	Interval            time.Duration `yaml:"interval"`             // Default: 60s count window
	Timeout             time.Duration `yaml:"timeout"`              // Default: 60s open before half-open
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`   // Default: 1
}

func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 3,
		FailureRatio:        0.05,
		MinRequests:         20,
		Interval:            60 * time.Second,
		Timeout:             60 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Set holds one breaker per endpoint group.
type Set struct {
	mu            sync.Mutex
	config        Config
	breakers      map[string]*gobreaker.CircuitBreaker
	isSuccessful  func(error) bool
	onStateChange func(name string, from, to gobreaker.State)
}

// Option customizes a Set.
type Option func(*Set)

// WithSuccessClassifier treats errors for which fn returns true as
// successes, so venue rejections of a well-formed request never trip.
func WithSuccessClassifier(fn func(error) bool) Option {
	return func(s *Set) { s.isSuccessful = fn }
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(name string, from, to gobreaker.State)) Option {
	return func(s *Set) { s.onStateChange = fn }
}

func NewSet(cfg Config, opts ...Option) *Set {
	s := &Set{config: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cfg := s.config
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state change")
			if s.onStateChange != nil {
				s.onStateChange(name, from, to)
			}
		},
	}
	if s.isSuccessful != nil {
		st.IsSuccessful = func(err error) bool { return err == nil || s.isSuccessful(err) }
	}
	cb := gobreaker.NewCircuitBreaker(st)
	s.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker.
func (s *Set) Do(name string, fn func() error) error {
	_, err := s.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrOpen, err)
	}
	return err
}

// State returns the current state of the named breaker.
func (s *Set) State(name string) gobreaker.State {
	return s.get(name).State()
}
