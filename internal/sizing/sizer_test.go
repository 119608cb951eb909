package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

func TestPlanLongExample(t *testing.T) {
	s, err := NewSizer(DefaultConfig())
	require.NoError(t, err)

	p, err := s.Plan("BTCUSDT", market.SideLong, 50000)
	require.NoError(t, err)
	assert.InDelta(t, 49500, p.StopPrice, 1e-9)
	assert.InDelta(t, 50750, p.TakeProfitPrice, 1e-9)
	assert.InDelta(t, 0.0002, p.Quantity, 1e-12)
	assert.InDelta(t, 10.0, p.LeveragedStopPct, 1e-12)
	assert.InDelta(t, 15.0, p.LeveragedTakeProfitPct, 1e-12)
	assert.InDelta(t, 0.1, p.Risk, 1e-9)
	assert.InDelta(t, 0.15, p.Reward, 1e-9)
}

func TestPlanShortMirrors(t *testing.T) {
	s, err := NewSizer(DefaultConfig())
	require.NoError(t, err)

	p, err := s.Plan("BTCUSDT", market.SideShort, 50000)
	require.NoError(t, err)
	assert.InDelta(t, 50500, p.StopPrice, 1e-9)
	assert.InDelta(t, 49250, p.TakeProfitPrice, 1e-9)
	assert.Less(t, p.TakeProfitPrice, p.EntryPrice)
	assert.Less(t, p.EntryPrice, p.StopPrice)
}

func TestPlanNotionalInvariant(t *testing.T) {
	cfg := Config{CapitalAllocation: 25, Leverage: 7, StopLossPct: 2, TakeProfitPct: 3}
	s, err := NewSizer(cfg)
	require.NoError(t, err)
	for _, entry := range []float64{0.00001234, 0.5, 17.3, 2500, 98765.4321} {
		for _, side := range []market.Side{market.SideLong, market.SideShort} {
			p, err := s.Plan("X", side, entry)
			require.NoError(t, err)
			assert.InEpsilon(t, 25*7.0, p.Quantity*p.EntryPrice, 1e-9)
			assert.NoError(t, p.Check())
		}
	}
}

func TestPlanRejectsBadInputs(t *testing.T) {
	s, err := NewSizer(DefaultConfig())
	require.NoError(t, err)

	_, err = s.Plan("X", market.SideLong, 0)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = s.Plan("X", market.SideLong, -5)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = s.Plan("X", market.Side("FLAT"), 10)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	for _, cfg := range []Config{
		{CapitalAllocation: 0, Leverage: 10, StopLossPct: 1, TakeProfitPct: 1},
		{CapitalAllocation: 1, Leverage: 0, StopLossPct: 1, TakeProfitPct: 1},
		{CapitalAllocation: 1, Leverage: 10, StopLossPct: 100, TakeProfitPct: 1},
		{CapitalAllocation: 1, Leverage: 10, StopLossPct: 1, TakeProfitPct: 0},
	} {
		_, err := NewSizer(cfg)
		assert.ErrorIs(t, err, ErrInvalidPlan, "%+v", cfg)
	}
}
