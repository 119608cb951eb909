package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/gates"
	"github.com/sawpanic/rangerun/internal/persistence"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/signals"
	"github.com/sawpanic/rangerun/internal/sizing"
)

type Config struct {
	Symbols          []string      `yaml:"symbols"`
	Interval         string        `yaml:"interval"`           // Default: 15m
	Warmup           int           `yaml:"warmup"`             // Default: 1000 bars
	MaxOpenPositions int           `yaml:"max_open_positions"` // Default: 3
	SymbolTimeout    time.Duration `yaml:"symbol_timeout"`     // Default: 30s per symbol evaluation
	DropOpenBar      bool          `yaml:"drop_open_bar"`      // Default: true
	DryRun           bool          `yaml:"dry_run"`
}

func DefaultConfig() Config {
	return Config{
		Symbols:          []string{"BTCUSDT", "ETHUSDT"},
		Interval:         "15m",
		Warmup:           1000,
		MaxOpenPositions: 3,
		SymbolTimeout:    30 * time.Second,
		DropOpenBar:      true,
	}
}

func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("symbols must not be empty")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" || s != strings.ToUpper(s) {
			return fmt.Errorf("symbol %q must be upper case, e.g. BTCUSDT", s)
		}
		if seen[s] {
			return fmt.Errorf("symbol %s listed twice", s)
		}
		seen[s] = true
	}
	if c.Warmup < 2 || c.Warmup > 1500 {
		return fmt.Errorf("warmup must be in [2,1500], got %d", c.Warmup)
	}
	if c.MaxOpenPositions < 1 {
		return fmt.Errorf("max_open_positions must be positive, got %d", c.MaxOpenPositions)
	}
	if c.SymbolTimeout <= 0 {
		return fmt.Errorf("symbol_timeout must be positive")
	}
	return nil
}

// Executor runs a bracket for an admitted plan.
type Executor interface {
	Execute(ctx context.Context, plan sizing.PositionPlan) execution.Result
}

// Recorder receives pipeline metrics. metrics.Collector implements it.
type Recorder interface {
	ObserveStep(step, result string, d time.Duration)
	RecordSignal(direction string)
	RecordDecision(outcome string)
	ObserveScore(total int)
	RecordExecution(state string)
	SetOpenPositions(n int)
	SetTrackedSymbols(n int)
	MarkScan(t time.Time)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStep(string, string, time.Duration) {}
func (nopRecorder) RecordSignal(string)                       {}
func (nopRecorder) RecordDecision(string)                     {}
func (nopRecorder) ObserveScore(int)                          {}
func (nopRecorder) RecordExecution(string)                    {}
func (nopRecorder) SetOpenPositions(int)                      {}
func (nopRecorder) SetTrackedSymbols(int)                     {}
func (nopRecorder) MarkScan(time.Time)                        {}

// PositionSource lists the account's open positions.
type PositionSource interface {
	FetchOpenPositions(ctx context.Context) ([]exchange.Position, error)
}

// Deps are the collaborators of a Scanner. Journal and Metrics are optional.
type Deps struct {
	Registry  *Registry
	Positions PositionSource
	Validator *gates.Validator
	Scorer    *composite.Scorer
	Sizer     *sizing.Sizer
	Executor  Executor
	Journal   persistence.Journal
	Metrics   Recorder
}

// Scanner evaluates the configured universe one closed bar at a time.
// Admission and execution are serialised: at most one pass runs at once, so
// at most one execution machine runs per account.
type Scanner struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex // admission lock, held for a whole pass
	evaluated map[string]time.Time
	last      Report
	lastMu    sync.RWMutex
}

func NewScanner(cfg Config, deps Deps, logger zerolog.Logger) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Positions == nil || deps.Validator == nil ||
		deps.Scorer == nil || deps.Sizer == nil || deps.Executor == nil {
		return nil, errors.New("scanner needs registry, positions, validator, scorer, sizer and executor")
	}
	if deps.Journal == nil {
		deps.Journal = persistence.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Scanner{
		cfg:       cfg,
		deps:      deps,
		log:       logger.With().Str("component", "scanner").Logger(),
		now:       time.Now,
		evaluated: make(map[string]time.Time),
	}, nil
}

// LastReport returns the most recent pass report.
func (s *Scanner) LastReport() Report {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Pass runs one scan over every symbol. It stops after the first execution
// that reached the venue, so a pass opens at most one new position.
func (s *Scanner) Pass(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Started: s.now()}
	defer func() {
		rep.Finished = s.now()
		s.deps.Metrics.MarkScan(rep.Finished)
		s.deps.Metrics.SetTrackedSymbols(len(s.deps.Registry.Symbols()))
		s.lastMu.Lock()
		s.last = rep
		s.lastMu.Unlock()
	}()

	positions, err := s.deps.Positions.FetchOpenPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("open positions: %w", err)
	}
	rep.OpenPositions = exchange.CountOpen(positions)
	s.deps.Metrics.SetOpenPositions(rep.OpenPositions)
	if rep.OpenPositions >= s.cfg.MaxOpenPositions {
		rep.Skipped = fmt.Sprintf("max open positions reached (%d/%d)", rep.OpenPositions, s.cfg.MaxOpenPositions)
		s.log.Info().Int("open", rep.OpenPositions).Msg(rep.Skipped)
		return rep, nil
	}
	open := exchange.OpenSymbols(positions)

	for _, sym := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out := s.evaluate(ctx, sym, open)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.executed() {
			rep.Executed = sym
			s.log.Info().Str("symbol", sym).Msg("execution attempted, ending pass")
			break
		}
	}
	return rep, nil
}

// Evaluate runs one symbol through the pipeline under the admission lock.
func (s *Scanner) Evaluate(ctx context.Context, symbol string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions, err := s.deps.Positions.FetchOpenPositions(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("open positions: %w", err)
	}
	return s.evaluate(ctx, symbol, exchange.OpenSymbols(positions)), nil
}

func (s *Scanner) evaluate(parent context.Context, symbol string, open map[string]bool) (out Outcome) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SymbolTimeout)
	defer cancel()

	start := s.now()
	out = Outcome{Symbol: symbol}
	log := s.log.With().Str("symbol", symbol).Logger()
	defer func() {
		out.Duration = s.now().Sub(start)
		s.deps.Metrics.RecordDecision(out.Kind.String())
		s.record(parent, out)
		ev := log.Debug()
		if out.Kind != OutcomeNoSignal || out.Err != nil {
			ev = log.Info()
		}
		ev.Str("outcome", out.Kind.String()).Str("reason", out.Reason).Err(out.Err).Msg("symbol evaluated")
	}()

	t := s.now()
	snap, err := s.deps.Registry.Refresh(ctx, symbol)
	s.deps.Metrics.ObserveStep("refresh", resultLabel(err), s.now().Sub(t))
	if err != nil {
		out.Err = err
		if IsIndicatorError(err) {
			out.Reason = "indicators not ready"
		} else {
			out.Reason = "market data unavailable"
		}
		return out
	}
	out.BarTime = snap.Timestamp

	if prev, ok := s.evaluated[symbol]; ok && !snap.Timestamp.After(prev) {
		out.Reason = "bar already evaluated"
		return out
	}
	s.evaluated[symbol] = snap.Timestamp

	sig, ok := signals.Detect(snap)
	if !ok {
		return out
	}
	out.Signal = &sig
	s.deps.Metrics.RecordSignal(sig.Direction.String())
	log = log.With().Str("direction", sig.Direction.String()).Logger()

	dec, err := s.deps.Validator.Validate(sig, snap)
	if err != nil {
		out.Err = err
		out.Reason = "validation error"
		return out
	}
	out.Decision = &dec
	if !dec.Accepted {
		out.Kind = OutcomeRejected
		out.Reason = dec.Reason
		return out
	}

	sc, err := s.deps.Scorer.Score(sig, snap)
	if err != nil {
		out.Err = err
		out.Reason = "scoring error"
		return out
	}
	out.Score = &sc
	s.deps.Metrics.ObserveScore(sc.Total)
	if !sc.Eligible {
		out.Kind = OutcomeRejected
		out.Reason = fmt.Sprintf("score %d/%d below threshold %d", sc.Total, composite.MaxTotal, sc.Threshold)
		return out
	}

	plan, err := s.deps.Sizer.Plan(symbol, sig.Direction.Side(), sig.ReferencePrice)
	if err != nil {
		out.Kind = OutcomeRejected
		out.Err = err
		out.Reason = "position sizing failed"
		return out
	}
	out.Plan = &plan

	if open[symbol] {
		out.Kind = OutcomeRejected
		out.Reason = "position already open"
		return out
	}
	if s.cfg.DryRun {
		out.Kind = OutcomeAccepted
		out.Reason = "dry run"
		return out
	}

	// Second admission check right before committing: a position may have been
	// opened outside this process since the pass began.
	positions, err := s.deps.Positions.FetchOpenPositions(ctx)
	if err != nil {
		out.Kind = OutcomeRejected
		out.Err = err
		out.Reason = "admission check failed"
		return out
	}
	if n := exchange.CountOpen(positions); n >= s.cfg.MaxOpenPositions {
		out.Kind = OutcomeRejected
		out.Reason = fmt.Sprintf("max open positions reached (%d/%d)", n, s.cfg.MaxOpenPositions)
		return out
	}
	if exchange.OpenSymbols(positions)[symbol] {
		out.Kind = OutcomeRejected
		out.Reason = "position already open"
		return out
	}

	t = s.now()
	res := s.deps.Executor.Execute(ctx, plan)
	s.deps.Metrics.ObserveStep("execute", res.State.String(), s.now().Sub(t))
	s.deps.Metrics.RecordExecution(res.State.String())
	out.Result = &res
	if res.Kind != execution.KindNone {
		out.Kind = OutcomeFailed
		out.ErrorKind = res.Kind
		out.Err = res.Err
		out.Reason = res.State.String()
		return out
	}
	out.Kind = OutcomeAccepted
	out.Reason = fmt.Sprintf("score %d/%d", sc.Total, composite.MaxTotal)
	return out
}

// record journals the decision and execution. Journal failures never affect
// the outcome.
func (s *Scanner) record(ctx context.Context, out Outcome) {
	if out.Signal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	d := &persistence.Decision{
		BarTime:   out.BarTime,
		Symbol:    out.Symbol,
		Direction: out.Signal.Direction.String(),
		Outcome:   out.Kind.String(),
		Reason:    out.Reason,
		Price:     out.Signal.ReferencePrice,
	}
	if out.Decision != nil {
		d.Regime = out.Decision.Regime.Regime.String()
	}
	if out.Score != nil {
		total := out.Score.Total
		d.Score = &total
		d.Eligible = out.Score.Eligible
	}
	if err := s.deps.Journal.RecordDecision(ctx, d); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			s.log.Debug().Str("symbol", out.Symbol).Time("bar", out.BarTime).Msg("decision already journaled")
		} else {
			s.log.Warn().Err(err).Str("symbol", out.Symbol).Msg("journal decision failed")
		}
	}

	if out.Result == nil || out.Plan == nil {
		return
	}
	if err := s.deps.Journal.RecordExecution(ctx, executionRecord(*out.Plan, *out.Result)); err != nil {
		s.log.Error().Err(err).Str("symbol", out.Symbol).Msg("journal execution failed")
	}
}

func executionRecord(plan sizing.PositionPlan, res execution.Result) *persistence.Execution {
	e := &persistence.Execution{
		Symbol:         plan.Symbol,
		Side:           string(plan.Side),
		State:          res.State.String(),
		Kind:           res.Kind.String(),
		Quantity:       plan.Quantity,
		FilledQuantity: res.FilledQuantity,
		EntryPrice:     plan.EntryPrice,
		StopPrice:      plan.StopPrice,
		TargetPrice:    plan.TakeProfitPrice,
		EntryOrderID:   res.OrderIDs[execution.LegEntry],
		StopOrderID:    res.OrderIDs[execution.LegStop],
		TargetOrderID:  res.OrderIDs[execution.LegTarget],
		FlattenOrderID: res.OrderIDs[execution.LegFlatten],
	}
	if res.AvgPrice > 0 {
		e.EntryPrice = res.AvgPrice
	}
	legs := make([]string, len(res.MissingLegs))
	for i, l := range res.MissingLegs {
		legs[i] = string(l)
	}
	e.MissingLegs = strings.Join(legs, ",")
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsIndicatorError(err):
		return "not_ready"
	default:
		var mde *exchange.MarketDataError
		if errors.As(err, &mde) {
			return "market_data"
		}
		return "error"
	}
}
