package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
)

// BarSource fetches recent bars, oldest first. The venue connector and the
// cached source both satisfy it.
type BarSource interface {
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error)
}

// Registry owns one incremental indicator state per symbol for a session.
// States are warmed once from history and then advanced bar by bar; a gap in
// the bar sequence discards the state so the next refresh warms it again.
type Registry struct {
	source   BarSource
	cfg      indicators.Config
	interval string
	step     time.Duration
	warmup   int
	dropOpen bool
	now      func() time.Time

	mu     sync.RWMutex
	states map[string]*indicators.State
	warms  map[string]int
}

func NewRegistry(source BarSource, cfg indicators.Config, interval string, warmup int, dropOpen bool) (*Registry, error) {
	step, err := market.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("indicator config: %w", err)
	}
	if warmup < 2 {
		return nil, fmt.Errorf("warmup must be at least 2 bars, got %d", warmup)
	}
	return &Registry{
		source:   source,
		cfg:      cfg,
		interval: interval,
		step:     step,
		warmup:   warmup,
		dropOpen: dropOpen,
		now:      time.Now,
		states:   make(map[string]*indicators.State),
		warms:    make(map[string]int),
	}, nil
}

// Refresh advances symbol to the newest closed bar and returns its snapshot.
func (r *Registry) Refresh(ctx context.Context, symbol string) (indicators.Snapshot, error) {
	r.mu.RLock()
	st := r.states[symbol]
	r.mu.RUnlock()

	if st == nil {
		return r.warm(ctx, symbol)
	}

	last := st.LastTimestamp()
	behind := int(r.now().Sub(last)/r.step) + 2
	if behind > r.warmup {
		return r.warm(ctx, symbol)
	}
	bars, err := r.fetch(ctx, symbol, behind)
	if err != nil {
		return indicators.Snapshot{}, err
	}

	snap, gap, err := r.advance(symbol, bars)
	if gap {
		log.Warn().Str("symbol", symbol).Time("last", last).Msg("bar gap detected, re-warming indicator state")
		return r.warm(ctx, symbol)
	}
	return snap, err
}

// advance applies bars newer than the current state. gap is true when the
// sequence skips a bar. The state is dropped on a gap or a rejected bar so
// the next refresh warms it again.
func (r *Registry) advance(symbol string, bars []market.Bar) (indicators.Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.states[symbol]
	if cur == nil {
		return indicators.Snapshot{}, true, nil
	}
	next := cur.Clone()
	applied := 0
	for _, b := range bars {
		if !b.Timestamp.After(next.LastTimestamp()) {
			continue
		}
		if !b.Timestamp.Equal(next.LastTimestamp().Add(r.step)) {
			delete(r.states, symbol)
			return indicators.Snapshot{}, true, nil
		}
		if _, err := next.Update(b); err != nil {
			delete(r.states, symbol)
			return indicators.Snapshot{}, false, err
		}
		applied++
	}
	if applied > 0 {
		r.states[symbol] = next
		cur = next
	}
	return cur.Snapshot(), false, nil
}

// Push folds a closed bar delivered by the stream. Bars for cold symbols and
// already-seen bars are ignored; a gap or a rejected bar drops the state.
func (r *Registry) Push(symbol string, b market.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[symbol]
	if st == nil || !b.Timestamp.After(st.LastTimestamp()) {
		return nil
	}
	if !b.Timestamp.Equal(st.LastTimestamp().Add(r.step)) {
		delete(r.states, symbol)
		return fmt.Errorf("%s: stream gap after %s", symbol, st.LastTimestamp().Format(time.RFC3339))
	}
	next := st.Clone()
	if _, err := next.Update(b); err != nil {
		delete(r.states, symbol)
		return err
	}
	r.states[symbol] = next
	return nil
}

// Snapshot returns the current snapshot without touching the venue.
func (r *Registry) Snapshot(symbol string) (indicators.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[symbol]
	if !ok {
		return indicators.Snapshot{}, false
	}
	return st.Snapshot(), true
}

// Symbols lists the warm symbols, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.states))
	for s := range r.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Warmups reports how many times symbol was warmed from history.
func (r *Registry) Warmups(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.warms[symbol]
}

func (r *Registry) warm(ctx context.Context, symbol string) (indicators.Snapshot, error) {
	bars, err := r.fetch(ctx, symbol, r.warmup)
	if err != nil {
		return indicators.Snapshot{}, err
	}
	st, snap, err := indicators.Replay(symbol, r.cfg, bars)
	if err != nil {
		return indicators.Snapshot{}, err
	}
	r.mu.Lock()
	r.states[symbol] = st
	r.warms[symbol]++
	r.mu.Unlock()
	log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("indicator state warmed")
	return snap, nil
}

func (r *Registry) fetch(ctx context.Context, symbol string, limit int) ([]market.Bar, error) {
	bars, err := r.source.FetchBars(ctx, symbol, r.interval, limit)
	if err != nil {
		return nil, err
	}
	if r.dropOpen {
		bars = market.DropOpenBar(bars, r.step, r.now())
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: no closed bars: %w", symbol, indicators.ErrInsufficientHistory)
	}
	return bars, nil
}

// IsIndicatorError reports whether err means the symbol has no usable signal
// this tick rather than a data or venue failure.
func IsIndicatorError(err error) bool {
	return errors.Is(err, indicators.ErrInsufficientHistory) ||
		errors.Is(err, indicators.ErrOutOfOrder) ||
		errors.Is(err, indicators.ErrInvalidBar) ||
		errors.Is(err, indicators.ErrWindowMismatch)
}
