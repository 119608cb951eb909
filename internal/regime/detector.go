package regime

import (
	"fmt"
	"math"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
)

// Regime represents the current market regime classification
type Regime int

const (
	Trending Regime = iota
	Consolidating
)

func (r Regime) String() string {
	switch r {
	case Trending:
		return "trending"
	case Consolidating:
		return "consolidating"
	default:
		return "unknown"
	}
}

// Metric names reported in Verdict.Metrics, in evaluation order.
const (
	MetricPriceRange      = "price_range"
	MetricBandWidth       = "band_width"
	MetricRibbonSpread    = "ribbon_spread"
	MetricVolatilityRatio = "volatility_ratio"
	MetricDrift           = "drift"
)

// DetectorConfig holds configuration for the consolidation detector
type DetectorConfig struct {
	Window          int     `yaml:"window"`           // Default: 20 bars
	PriceRange      float64 `yaml:"price_range"`      // Default: 0.02 (2%)
	BandWidth       float64 `yaml:"band_width"`       // Default: 0.015
	RibbonSpread    float64 `yaml:"ribbon_spread"`    // Default: 0.01
	RibbonPeriods   []int   `yaml:"ribbon_periods"`   // Default: 5,8,13,21,34
	VolatilityRatio float64 `yaml:"volatility_ratio"` // Default: 0.001 (ATR/close)
	MinDrift        float64 `yaml:"min_drift"`        // Default: 0.0002 per bar, relative to close
}

// DefaultDetectorConfig returns the thresholds the detector was tuned with.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:          20,
		PriceRange:      0.02,
		BandWidth:       0.015,
		RibbonSpread:    0.01,
		RibbonPeriods:   []int{5, 8, 13, 21, 34},
		VolatilityRatio: 0.001,
		MinDrift:        0.0002,
	}
}

// Validate checks thresholds are usable.
func (c DetectorConfig) Validate() error {
	if c.Window < 2 {
		return fmt.Errorf("regime window must be at least 2, got %d", c.Window)
	}
	if len(c.RibbonPeriods) < 2 {
		return fmt.Errorf("regime ribbon needs at least two periods")
	}
	for name, v := range map[string]float64{
		"price_range":      c.PriceRange,
		"band_width":       c.BandWidth,
		"ribbon_spread":    c.RibbonSpread,
		"volatility_ratio": c.VolatilityRatio,
		"min_drift":        c.MinDrift,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("regime %s must be non-negative", name)
		}
	}
	return nil
}

// Verdict is the outcome of one classification.
type Verdict struct {
	Regime          Regime             `json:"regime"`
	IsConsolidation bool               `json:"is_consolidation"`
	Reason          string             `json:"reason"`
	Metrics         map[string]float64 `json:"metrics"`
}

// Detector classifies a symbol's recent window as trending or consolidating.
// It is stateless; every call derives a fresh verdict.
type Detector struct {
	config DetectorConfig
}

// NewDetector creates a detector. Invalid configuration is rejected.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{config: cfg}, nil
}

// Config returns the detector thresholds.
func (d *Detector) Config() DetectorConfig { return d.config }

// Detect evaluates the checks in order and stops at the first that reports
// consolidation. Inputs that are still warming up yield
// indicators.ErrInsufficientHistory.
func (d *Detector) Detect(snap indicators.Snapshot) (Verdict, error) {
	cfg := d.config
	if len(snap.Recent) < cfg.Window {
		return Verdict{}, fmt.Errorf("regime %s: %d bars, need %d: %w",
			snap.Symbol, len(snap.Recent), cfg.Window, indicators.ErrInsufficientHistory)
	}
	if !snap.Band.IsValid || !snap.ATR.IsValid {
		return Verdict{}, fmt.Errorf("regime %s: band or atr not ready: %w",
			snap.Symbol, indicators.ErrInsufficientHistory)
	}
	ribbon, err := snap.Ribbon(cfg.RibbonPeriods)
	if err != nil {
		return Verdict{}, fmt.Errorf("regime %s: %w", snap.Symbol, err)
	}

	win := snap.Recent[len(snap.Recent)-cfg.Window:]
	v := Verdict{Regime: Trending, Metrics: make(map[string]float64, 5)}

	hi, lo := math.Inf(-1), math.Inf(1)
	for _, b := range win {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	priceRange := (hi - lo) / lo
	v.Metrics[MetricPriceRange] = priceRange
	if priceRange < cfg.PriceRange {
		return v.consolidating(fmt.Sprintf("price range %.4f below %.4f", priceRange, cfg.PriceRange)), nil
	}

	width := snap.Band.RelativeWidth()
	v.Metrics[MetricBandWidth] = width
	if width < cfg.BandWidth {
		return v.consolidating(fmt.Sprintf("band width %.4f below %.4f", width, cfg.BandWidth)), nil
	}

	rMin, rMax := ribbon[0], ribbon[0]
	for _, e := range ribbon[1:] {
		rMin = math.Min(rMin, e)
		rMax = math.Max(rMax, e)
	}
	spread := (rMax - rMin) / rMin
	v.Metrics[MetricRibbonSpread] = spread
	if spread < cfg.RibbonSpread {
		return v.consolidating(fmt.Sprintf("ribbon spread %.4f below %.4f", spread, cfg.RibbonSpread)), nil
	}

	last := win[len(win)-1].Close
	volRatio := snap.ATR.Value / last
	v.Metrics[MetricVolatilityRatio] = volRatio
	if volRatio < cfg.VolatilityRatio {
		return v.consolidating(fmt.Sprintf("atr/close %.5f below %.5f", volRatio, cfg.VolatilityRatio)), nil
	}

	var sum float64
	for i := 1; i < len(win); i++ {
		sum += win[i].Close - win[i-1].Close
	}
	drift := sum / float64(len(win)-1) / last
	v.Metrics[MetricDrift] = drift
	if math.Abs(drift) < cfg.MinDrift {
		return v.consolidating(fmt.Sprintf("drift %.5f below %.5f (range region)", drift, cfg.MinDrift)), nil
	}

	v.Reason = fmt.Sprintf("trending, drift %.5f", drift)
	return v, nil
}

func (v Verdict) consolidating(reason string) Verdict {
	v.Regime = Consolidating
	v.IsConsolidation = true
	v.Reason = reason
	return v
}
