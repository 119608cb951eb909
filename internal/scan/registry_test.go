package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// vSeries falls for 30 one-minute bars and then rises for 30; the breakout
// filter fires exactly one buy on the way up.
func vSeries() []market.Bar {
	var closes []float64
	for i := 0; i < 30; i++ {
		closes = append(closes, 130-float64(i))
	}
	for i := 0; i < 30; i++ {
		closes = append(closes, 101+float64(i))
	}
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 100,
		}
	}
	return out
}

func testEngine() indicators.Config {
	return indicators.Config{
		EMAPeriods:       []int{2, 3, 4, 5},
		RSIPeriod:        3,
		StochLength:      3,
		StochSmoothK:     1,
		StochSmoothD:     1,
		BandPeriod:       3,
		BandMultiplier:   2,
		ATRPeriod:        3,
		FilterPeriod:     3,
		FilterMultiplier: 1,
		RecentBars:       10,
	}
}

// clock is a settable time source shared by the fakes and the code under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// afterBar moves the clock to the close of bar i.
func (c *clock) afterBar(i int) { c.Set(t0.Add(time.Duration(i+1) * time.Minute)) }

// series serves the bars that have opened by the clock, including the one
// still forming, like the venue does.
type series struct {
	clock  *clock
	bars   []market.Bar
	err    error
	mu     sync.Mutex
	limits []int
}

func (s *series) FetchBars(_ context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	s.mu.Lock()
	s.limits = append(s.limits, limit)
	s.mu.Unlock()
	if s.err != nil {
		return nil, &exchange.MarketDataError{Op: "klines", Symbol: symbol, Err: s.err}
	}
	now := s.clock.Now()
	var out []market.Bar
	for _, b := range s.bars {
		if !b.Timestamp.After(now) {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *series) lastLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits[len(s.limits)-1]
}

func newTestRegistry(t *testing.T, src *series, clk *clock) *Registry {
	t.Helper()
	r, err := NewRegistry(src, testEngine(), "1m", 1000, true)
	require.NoError(t, err)
	r.now = clk.Now
	return r
}

func TestRegistryWarmsThenAdvancesIncrementally(t *testing.T) {
	clk := &clock{}
	src := &series{clock: clk, bars: vSeries()}
	reg := newTestRegistry(t, src, clk)
	ctx := context.Background()

	clk.afterBar(20)
	snap, err := reg.Refresh(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 21, snap.Bars, "the forming bar is dropped")
	assert.Equal(t, t0.Add(20*time.Minute), snap.Timestamp)
	assert.Equal(t, 1000, src.lastLimit())

	clk.afterBar(21)
	snap, err = reg.Refresh(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 22, snap.Bars)
	assert.Equal(t, 4, src.lastLimit(), "only the newest bars are fetched")
	assert.Equal(t, 1, reg.Warmups("BTCUSDT"))

	_, want, err := indicators.Replay("BTCUSDT", testEngine(), vSeries()[:22])
	require.NoError(t, err)
	assert.InDelta(t, want.RSI.Value, snap.RSI.Value, 1e-9)
	assert.InDelta(t, want.Breakout.Filter, snap.Breakout.Filter, 1e-9)

	// same clock, nothing new
	again, err := reg.Refresh(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, snap.Timestamp, again.Timestamp)
	assert.Equal(t, []string{"BTCUSDT"}, reg.Symbols())
}

func TestRegistryRewarmsOnGap(t *testing.T) {
	clk := &clock{}
	bars := vSeries()
	// bar 25 never arrives
	src := &series{clock: clk, bars: append(append([]market.Bar{}, bars[:25]...), bars[26:]...)}
	reg := newTestRegistry(t, src, clk)
	ctx := context.Background()

	clk.afterBar(24)
	_, err := reg.Refresh(ctx, "ETHUSDT")
	require.NoError(t, err)

	clk.afterBar(27)
	snap, err := reg.Refresh(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Warmups("ETHUSDT"))
	assert.Equal(t, t0.Add(27*time.Minute), snap.Timestamp)
	assert.Equal(t, 27, snap.Bars)
}

func TestRegistryPush(t *testing.T) {
	clk := &clock{}
	bars := vSeries()
	src := &series{clock: clk, bars: bars}
	reg := newTestRegistry(t, src, clk)

	assert.NoError(t, reg.Push("BTCUSDT", bars[0]), "cold symbols are ignored")
	_, ok := reg.Snapshot("BTCUSDT")
	assert.False(t, ok)

	clk.afterBar(10)
	_, err := reg.Refresh(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	require.NoError(t, reg.Push("BTCUSDT", bars[11]))
	require.NoError(t, reg.Push("BTCUSDT", bars[11]), "duplicates are ignored")
	snap, ok := reg.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, bars[11].Timestamp, snap.Timestamp)

	assert.Error(t, reg.Push("BTCUSDT", bars[13]))
	_, ok = reg.Snapshot("BTCUSDT")
	assert.False(t, ok, "a gap drops the state")
}

func TestRegistryRewarmsAfterRejectedBar(t *testing.T) {
	clk := &clock{}
	bars := vSeries()
	good := bars[22]
	bars[22].High, bars[22].Low = good.Low, good.High
	src := &series{clock: clk, bars: bars}
	reg := newTestRegistry(t, src, clk)
	ctx := context.Background()

	clk.afterBar(20)
	_, err := reg.Refresh(ctx, "BTCUSDT")
	require.NoError(t, err)

	clk.afterBar(22)
	_, err = reg.Refresh(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, indicators.ErrInvalidBar)
	assert.True(t, IsIndicatorError(err))
	_, ok := reg.Snapshot("BTCUSDT")
	assert.False(t, ok, "a rejected bar drops the state")

	src.bars[22] = good
	snap, err := reg.Refresh(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Warmups("BTCUSDT"))
	assert.Equal(t, good.Timestamp, snap.Timestamp)
	assert.Equal(t, 23, snap.Bars)

	bad := bars[23]
	bad.Close = -1
	assert.ErrorIs(t, reg.Push("BTCUSDT", bad), indicators.ErrInvalidBar)
	_, ok = reg.Snapshot("BTCUSDT")
	assert.False(t, ok, "a rejected stream bar drops the state")
}

func TestRegistryErrors(t *testing.T) {
	clk := &clock{}
	src := &series{clock: clk, bars: vSeries(), err: errors.New("502 bad gateway")}
	reg := newTestRegistry(t, src, clk)
	clk.afterBar(10)

	_, err := reg.Refresh(context.Background(), "BTCUSDT")
	var mde *exchange.MarketDataError
	assert.ErrorAs(t, err, &mde)
	assert.False(t, IsIndicatorError(err))
	assert.Equal(t, "market_data", resultLabel(err))

	src.err = nil
	clk.Set(t0.Add(-time.Hour))
	_, err = reg.Refresh(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, indicators.ErrInsufficientHistory)
	assert.True(t, IsIndicatorError(err))

	_, err = NewRegistry(src, testEngine(), "7m", 100, true)
	assert.Error(t, err)
	_, err = NewRegistry(src, testEngine(), "1m", 1, true)
	assert.Error(t, err)
}
