package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
)

func bars(closes []float64) []market.Bar {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 100,
		}
	}
	return out
}

func smallFilterConfig() indicators.Config {
	cfg := indicators.DefaultConfig()
	cfg.FilterPeriod = 3
	cfg.FilterMultiplier = 1.0
	return cfg
}

func TestDetectBuyAfterReversal(t *testing.T) {
	var closes []float64
	for i := 0; i < 30; i++ {
		closes = append(closes, 130-float64(i))
	}
	for i := 0; i < 30; i++ {
		closes = append(closes, 101+float64(i))
	}

	state, err := indicators.NewState("SOLUSDT", smallFilterConfig())
	require.NoError(t, err)

	var found []Signal
	for _, b := range bars(closes) {
		snap, err := state.Update(b)
		require.NoError(t, err)
		if sig, ok := Detect(snap); ok {
			found = append(found, sig)
		}
	}
	require.Len(t, found, 1)
	sig := found[0]
	assert.Equal(t, market.DirectionBuy, sig.Direction)
	assert.Equal(t, "SOLUSDT", sig.Symbol)
	assert.Equal(t, sig.Snapshot.Close, sig.ReferencePrice)
	assert.Greater(t, sig.ReferencePrice, sig.FilterLevel)
	assert.Less(t, sig.LowTarget, sig.HighTarget)
	assert.NoError(t, sig.CheckSnapshot(sig.Snapshot))
}

func TestDetectSellAfterReversal(t *testing.T) {
	var closes []float64
	for i := 0; i < 30; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 30; i++ {
		closes = append(closes, 129-float64(i))
	}
	_, snapBefore, err := indicators.Replay("X", smallFilterConfig(), bars(closes[:30]))
	require.NoError(t, err)
	_, ok := Detect(snapBefore)
	assert.False(t, ok)

	state, err := indicators.NewState("X", smallFilterConfig())
	require.NoError(t, err)
	sells := 0
	for _, b := range bars(closes) {
		snap, err := state.Update(b)
		require.NoError(t, err)
		if sig, ok := Detect(snap); ok {
			assert.Equal(t, market.DirectionSell, sig.Direction)
			sells++
		}
	}
	assert.Equal(t, 1, sells)
}

func TestCheckSnapshotMismatch(t *testing.T) {
	sig := Signal{Symbol: "X", Timestamp: time.Unix(100, 0)}
	err := sig.CheckSnapshot(indicators.Snapshot{Symbol: "X", Timestamp: time.Unix(200, 0)})
	assert.ErrorIs(t, err, indicators.ErrWindowMismatch)
}
