package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
)

// trendingSnapshot passes every check: range (101-99)/99 = 0.0202, band
// width 0.04, ribbon spread about 0.02, atr/close 0.01 and a positive drift.
func trendingSnapshot() indicators.Snapshot {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, 20)
	for i := range bars {
		c := 99.5 + 0.05*float64(i)
		bars[i] = market.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c, High: c + 0.1, Low: c - 0.1, Close: c, Volume: 10,
		}
	}
	bars[0].Low = 99
	bars[19].High = 101

	ema := map[int]float64{5: 100.4, 8: 100.0, 13: 99.6, 21: 99.2, 34: 98.4}
	ready := map[int]bool{5: true, 8: true, 13: true, 21: true, 34: true}
	return indicators.Snapshot{
		Symbol:    "BTCUSDT",
		Timestamp: bars[19].Timestamp,
		Close:     bars[19].Close,
		Bars:      200,
		EMA:       ema,
		EMAReady:  ready,
		Band:      indicators.BandValue{Upper: 102, Basis: 100, Lower: 98, IsValid: true},
		ATR:       indicators.ATRResult{Value: 1.0, Period: 14, IsValid: true},
		Recent:    bars,
	}
}

func TestDetectTrendingAtRangeBoundary(t *testing.T) {
	d, err := NewDetector(DefaultDetectorConfig())
	require.NoError(t, err)

	v, err := d.Detect(trendingSnapshot())
	require.NoError(t, err)
	assert.False(t, v.IsConsolidation, v.Reason)
	assert.Equal(t, Trending, v.Regime)
	assert.InDelta(t, 2.0/99.0, v.Metrics[MetricPriceRange], 1e-12)
	assert.Greater(t, v.Metrics[MetricDrift], 0.0002)
}

func TestDetectConsolidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *indicators.Snapshot)
		metric string
	}{
		{
			name: "tight price range",
			mutate: func(s *indicators.Snapshot) {
				s.Recent[0].Low = 99.39
				s.Recent[19].High = 100.55
			},
			metric: MetricPriceRange,
		},
		{
			name:   "narrow band",
			mutate: func(s *indicators.Snapshot) { s.Band.Upper, s.Band.Lower = 100.5, 99.5 },
			metric: MetricBandWidth,
		},
		{
			name: "flat ribbon",
			mutate: func(s *indicators.Snapshot) {
				for p := range s.EMA {
					s.EMA[p] = 100 + float64(p)/1000
				}
			},
			metric: MetricRibbonSpread,
		},
		{
			name:   "low volatility",
			mutate: func(s *indicators.Snapshot) { s.ATR.Value = 0.05 },
			metric: MetricVolatilityRatio,
		},
		{
			name: "no drift",
			mutate: func(s *indicators.Snapshot) {
				for i := range s.Recent {
					s.Recent[i].Close = 100
				}
			},
			metric: MetricDrift,
		},
	}

	d, err := NewDetector(DefaultDetectorConfig())
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := trendingSnapshot()
			tt.mutate(&snap)
			v, err := d.Detect(snap)
			require.NoError(t, err)
			assert.True(t, v.IsConsolidation)
			assert.Equal(t, Consolidating, v.Regime)
			assert.Contains(t, v.Metrics, tt.metric)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestDetectShortCircuits(t *testing.T) {
	d, err := NewDetector(DefaultDetectorConfig())
	require.NoError(t, err)
	snap := trendingSnapshot()
	snap.Recent[0].Low = 99.39
	snap.Recent[19].High = 100.55

	v, err := d.Detect(snap)
	require.NoError(t, err)
	assert.Len(t, v.Metrics, 1)
}

func TestDetectInsufficientHistory(t *testing.T) {
	d, err := NewDetector(DefaultDetectorConfig())
	require.NoError(t, err)

	snap := trendingSnapshot()
	snap.Recent = snap.Recent[5:]
	_, err = d.Detect(snap)
	assert.ErrorIs(t, err, indicators.ErrInsufficientHistory)

	snap = trendingSnapshot()
	snap.EMAReady[34] = false
	_, err = d.Detect(snap)
	assert.ErrorIs(t, err, indicators.ErrInsufficientHistory)

	snap = trendingSnapshot()
	snap.Band.IsValid = false
	_, err = d.Detect(snap)
	assert.ErrorIs(t, err, indicators.ErrInsufficientHistory)
}

func TestNewDetectorRejectsBadConfig(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Window = 1
	_, err := NewDetector(cfg)
	assert.Error(t, err)
}
