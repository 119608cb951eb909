package scan

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/gates"
	"github.com/sawpanic/rangerun/internal/persistence"
	"github.com/sawpanic/rangerun/internal/regime"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/sizing"
)

// positions returns a scripted sequence of position lists, repeating the last.
type positions struct {
	mu    sync.Mutex
	seq   [][]exchange.Position
	calls int
}

func (p *positions) FetchOpenPositions(context.Context) ([]exchange.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.seq) == 0 {
		return nil, nil
	}
	i := p.calls - 1
	if i >= len(p.seq) {
		i = len(p.seq) - 1
	}
	return p.seq[i], nil
}

type executor struct {
	plans  []sizing.PositionPlan
	result execution.Result
}

func (e *executor) Execute(_ context.Context, plan sizing.PositionPlan) execution.Result {
	e.plans = append(e.plans, plan)
	res := e.result
	res.Symbol = plan.Symbol
	return res
}

type journal struct {
	persistence.Nop
	decisions  []persistence.Decision
	executions []persistence.Execution
}

func (j *journal) RecordDecision(_ context.Context, d *persistence.Decision) error {
	j.decisions = append(j.decisions, *d)
	return nil
}

func (j *journal) RecordExecution(_ context.Context, e *persistence.Execution) error {
	j.executions = append(j.executions, *e)
	return nil
}

func held(symbols ...string) []exchange.Position {
	out := make([]exchange.Position, len(symbols))
	for i, s := range symbols {
		out[i] = exchange.Position{Symbol: s, Quantity: 1}
	}
	return out
}

type fixture struct {
	clk     *clock
	src     *series
	pos     *positions
	exec    *executor
	journal *journal
	scanner *Scanner
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clk:     &clock{},
		pos:     &positions{},
		exec:    &executor{result: execution.Result{State: execution.StateBracketComplete, FilledQuantity: 1}},
		journal: &journal{},
	}
	f.src = &series{clock: f.clk, bars: vSeries()}
	reg := newTestRegistry(t, f.src, f.clk)

	det, err := regime.NewDetector(regime.DetectorConfig{Window: 5, RibbonPeriods: []int{2, 3, 4, 5}})
	require.NoError(t, err)
	val, err := gates.NewValidator(det, gates.VolumeConfig{ShortWindow: 3, LongWindow: 5, MinCriteria: 1})
	require.NoError(t, err)
	scorer, err := composite.NewScorer(composite.Config{Threshold: 0, RibbonPeriods: []int{2, 3, 4, 5}}, testEngine())
	require.NoError(t, err)
	sizer, err := sizing.NewSizer(sizing.DefaultConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Symbols = []string{"SOLUSDT"}
	cfg.Interval = "1m"
	if mutate != nil {
		mutate(&cfg)
	}
	f.scanner, err = NewScanner(cfg, Deps{
		Registry:  reg,
		Positions: f.pos,
		Validator: val,
		Scorer:    scorer,
		Sizer:     sizer,
		Executor:  f.exec,
		Journal:   f.journal,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.scanner.now = f.clk.Now
	return f
}

// walk runs one pass per closed bar and returns every outcome.
func (f *fixture) walk(t *testing.T, from, to int) []Outcome {
	t.Helper()
	var all []Outcome
	for i := from; i <= to; i++ {
		f.clk.afterBar(i)
		rep, err := f.scanner.Pass(context.Background())
		require.NoError(t, err)
		all = append(all, rep.Outcomes...)
	}
	return all
}

func byKind(outs []Outcome, k OutcomeKind) []Outcome {
	var r []Outcome
	for _, o := range outs {
		if o.Kind == k {
			r = append(r, o)
		}
	}
	return r
}

func TestPassExecutesTheSingleBreakout(t *testing.T) {
	f := newFixture(t, nil)
	outs := f.walk(t, 15, 59)

	accepted := byKind(outs, OutcomeAccepted)
	require.Len(t, accepted, 1)
	got := accepted[0]
	require.NotNil(t, got.Plan)
	require.NotNil(t, got.Result)
	assert.Equal(t, "SOLUSDT", got.Plan.Symbol)
	assert.Equal(t, "LONG", string(got.Plan.Side))
	assert.Less(t, got.Plan.StopPrice, got.Plan.EntryPrice)
	assert.Equal(t, got.Signal.Timestamp, got.BarTime)
	assert.Len(t, f.exec.plans, 1)

	require.Len(t, f.journal.decisions, 1)
	assert.Equal(t, "accepted", f.journal.decisions[0].Outcome)
	assert.Equal(t, "trending", f.journal.decisions[0].Regime)
	require.Len(t, f.journal.executions, 1)
	assert.Equal(t, "bracket_complete", f.journal.executions[0].State)

	assert.Equal(t, "SOLUSDT", f.scanner.LastReport().Outcomes[0].Symbol)
}

func TestPassSkipsWhenPositionCapReached(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxOpenPositions = 2 })
	f.pos.seq = [][]exchange.Position{held("BTCUSDT", "ETHUSDT")}
	f.clk.afterBar(40)

	rep, err := f.scanner.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.OpenPositions)
	assert.Contains(t, rep.Skipped, "max open positions")
	assert.Empty(t, rep.Outcomes)
	assert.Empty(t, f.src.limits, "no market data is fetched")
}

func TestSecondAdmissionCheckBlocksExecution(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxOpenPositions = 1 })
	// free at the start of every pass, full by the time a signal is admitted
	var rejected []Outcome
	for i := 15; i <= 59; i++ {
		f.pos.mu.Lock()
		f.pos.calls = 0
		f.pos.seq = [][]exchange.Position{nil, held("BTCUSDT")}
		f.pos.mu.Unlock()
		f.clk.afterBar(i)
		rep, err := f.scanner.Pass(context.Background())
		require.NoError(t, err)
		rejected = append(rejected, byKind(rep.Outcomes, OutcomeRejected)...)
	}
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Reason, "max open positions reached (1/1)")
	assert.Empty(t, f.exec.plans)
	assert.Empty(t, f.journal.executions)
}

func TestOpenSymbolIsNotTradedAgain(t *testing.T) {
	f := newFixture(t, nil)
	f.pos.seq = [][]exchange.Position{held("SOLUSDT")}
	outs := f.walk(t, 15, 59)
	rejected := byKind(outs, OutcomeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "position already open", rejected[0].Reason)
	assert.Empty(t, f.exec.plans)
}

func TestDryRunPlansWithoutExecuting(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DryRun = true })
	outs := f.walk(t, 15, 59)
	accepted := byKind(outs, OutcomeAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "dry run", accepted[0].Reason)
	assert.Nil(t, accepted[0].Result)
	assert.Empty(t, f.exec.plans)
}

func TestUnprotectedExecutionIsAFailedOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.result = execution.Result{
		State:          execution.StateUnprotected,
		Kind:           execution.KindUnprotected,
		FilledQuantity: 0.09,
		MissingLegs:    []execution.Leg{execution.LegStop},
		OrderIDs:       map[execution.Leg]string{execution.LegEntry: "1", execution.LegTarget: "3"},
		Err:            &execution.Error{Kind: execution.KindUnprotected, Stage: execution.StateStopSubmitted, Err: errors.New("rejected")},
	}
	outs := f.walk(t, 15, 59)
	failed := byKind(outs, OutcomeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, execution.KindUnprotected, failed[0].ErrorKind)
	assert.True(t, failed[0].executed())

	require.Len(t, f.journal.executions, 1)
	rec := f.journal.executions[0]
	assert.Equal(t, "unprotected", rec.State)
	assert.Equal(t, "stop", rec.MissingLegs)
	assert.Equal(t, "1", rec.EntryOrderID)
	assert.Equal(t, "", rec.StopOrderID)
	assert.NotEmpty(t, rec.Error)
}

func TestPassStopsAfterFirstExecution(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Symbols = []string{"SOLUSDT", "AVAXUSDT"} })
	outs := f.walk(t, 15, 59)

	accepted := byKind(outs, OutcomeAccepted)
	require.Len(t, accepted, 1)
	sol := accepted[0]
	assert.Equal(t, "SOLUSDT", sol.Symbol)
	// The executing pass never reached AVAXUSDT on that bar.
	for _, o := range outs {
		if o.Symbol == "AVAXUSDT" {
			assert.NotEqual(t, sol.BarTime, o.BarTime)
		}
	}
	assert.Len(t, f.exec.plans, 1)
}

func TestBarIsEvaluatedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.clk.afterBar(20)
	first, err := f.scanner.Evaluate(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Empty(t, first.Reason)

	again, err := f.scanner.Evaluate(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSignal, again.Kind)
	assert.Equal(t, "bar already evaluated", again.Reason)
}

func TestMarketDataErrorIsNoSignal(t *testing.T) {
	f := newFixture(t, nil)
	f.src.err = errors.New("timeout")
	f.clk.afterBar(20)
	rep, err := f.scanner.Pass(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, OutcomeNoSignal, rep.Outcomes[0].Kind)
	assert.Equal(t, "market data unavailable", rep.Outcomes[0].Reason)
	assert.Error(t, rep.Outcomes[0].Err)
	assert.Empty(t, f.journal.decisions)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	for name, mutate := range map[string]func(*Config){
		"no symbols": func(c *Config) { c.Symbols = nil },
		"lower case": func(c *Config) { c.Symbols = []string{"btcusdt"} },
		"duplicate":  func(c *Config) { c.Symbols = []string{"BTCUSDT", "BTCUSDT"} },
		"warmup":     func(c *Config) { c.Warmup = 5000 },
		"max open":   func(c *Config) { c.MaxOpenPositions = 0 },
		"no timeout": func(c *Config) { c.SymbolTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
