package composite

import (
	"fmt"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/signals"
)

// Subscore names and their maxima.
const (
	ComponentRSI    = "rsi"
	ComponentStoch  = "stoch_rsi"
	ComponentBand   = "band"
	ComponentRibbon = "ema_ribbon"

	MaxRSI    = 3
	MaxStoch  = 3
	MaxBand   = 3
	MaxRibbon = 9
	MaxTotal  = MaxRSI + MaxStoch + MaxBand + MaxRibbon
)

// Config holds the scoring thresholds.
type Config struct {
	Threshold     int   `yaml:"threshold"`      // Default: 9 of 18
	RibbonPeriods []int `yaml:"ribbon_periods"` // Default: 5,8,13,21,34,55,89
}

func DefaultConfig() Config {
	return Config{
		Threshold:     MaxTotal / 2,
		RibbonPeriods: append([]int(nil), indicators.RibbonPeriods...),
	}
}

func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > MaxTotal {
		return fmt.Errorf("score threshold %d outside 0..%d", c.Threshold, MaxTotal)
	}
	if len(c.RibbonPeriods) < 4 {
		return fmt.Errorf("ribbon needs at least 4 periods, got %d", len(c.RibbonPeriods))
	}
	return nil
}

// Score is the composite verdict for one signal.
type Score struct {
	Symbol    string         `json:"symbol"`
	Direction string         `json:"direction"`
	Subscores map[string]int `json:"subscores"`
	Total     int            `json:"total"`
	Threshold int            `json:"threshold"`
	Eligible  bool           `json:"eligible"`
}

// Scorer computes the 0..18 composite score from RSI, stochastic RSI, the
// volatility band and the EMA ribbon.
type Scorer struct {
	config    Config
	engineCfg indicators.Config
}

// NewScorer creates a new composite scorer. engineCfg is used by ScoreWindow
// to rebuild indicator state from bars.
func NewScorer(cfg Config, engineCfg indicators.Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{config: cfg, engineCfg: engineCfg}, nil
}

// Score evaluates sig on snap, which must be the snapshot of the signal's bar.
func (s *Scorer) Score(sig signals.Signal, snap indicators.Snapshot) (Score, error) {
	if err := sig.CheckSnapshot(snap); err != nil {
		return Score{}, err
	}
	if !snap.RSI.IsValid || !snap.Stoch.IsValid || !snap.Band.IsValid {
		return Score{}, fmt.Errorf("score %s: rsi/stoch/band not ready: %w", sig.Symbol, indicators.ErrInsufficientHistory)
	}
	ribbon, err := snap.Ribbon(s.config.RibbonPeriods)
	if err != nil {
		return Score{}, fmt.Errorf("score %s: %w", sig.Symbol, err)
	}

	buy := sig.Direction == market.DirectionBuy
	price := sig.ReferencePrice
	sub := map[string]int{
		ComponentRSI:    rsiPoints(buy, snap.RSI.Value),
		ComponentStoch:  stochPoints(buy, snap.Stoch.K, snap.Stoch.D),
		ComponentBand:   bandPoints(buy, price, snap.Band),
		ComponentRibbon: ribbonPoints(buy, ribbon),
	}
	total := 0
	for _, v := range sub {
		total += v
	}
	return Score{
		Symbol:    sig.Symbol,
		Direction: sig.Direction.String(),
		Subscores: sub,
		Total:     total,
		Threshold: s.config.Threshold,
		Eligible:  total >= s.config.Threshold,
	}, nil
}

// ScoreWindow rebuilds indicator state from bars and scores sig on the last
// bar. bars must end on the signal's bar.
func (s *Scorer) ScoreWindow(sig signals.Signal, bars []market.Bar) (Score, error) {
	_, snap, err := indicators.Replay(sig.Symbol, s.engineCfg, bars)
	if err != nil {
		return Score{}, err
	}
	return s.Score(sig, snap)
}

func rsiPoints(buy bool, rsi float64) int {
	if buy {
		switch {
		case rsi >= 30 && rsi <= 70:
			return 3
		case rsi < 30:
			return 2
		}
		return 0
	}
	switch {
	case rsi >= 70:
		return 3
	case rsi > 30:
		return 2
	}
	return 0
}

func stochPoints(buy bool, k, d float64) int {
	if buy {
		switch {
		case k < 20 && d < 20:
			return 3
		case k < 30 && d < 30:
			return 2
		}
		return 0
	}
	switch {
	case k > 80 && d > 80:
		return 3
	case k > 70 && d > 70:
		return 2
	}
	return 0
}

func bandPoints(buy bool, price float64, band indicators.BandValue) int {
	if buy {
		switch {
		case price <= band.Lower:
			return 3
		case price <= band.Lower*1.01:
			return 2
		}
		return 0
	}
	switch {
	case price >= band.Upper:
		return 3
	case price >= band.Upper*0.99:
		return 2
	}
	return 0
}

// ribbonPoints gives full marks to a strictly ordered ribbon and partial
// marks when only the three shortest pairs are ordered. A buy wants the
// shorter EMA above the longer one.
func ribbonPoints(buy bool, ribbon []float64) int {
	ordered := func(i int) bool {
		if buy {
			return ribbon[i] > ribbon[i+1]
		}
		return ribbon[i] < ribbon[i+1]
	}
	all := true
	for i := 0; i < len(ribbon)-1; i++ {
		if !ordered(i) {
			all = false
			break
		}
	}
	if all {
		return MaxRibbon
	}
	for i := 0; i < 3; i++ {
		if !ordered(i) {
			return 0
		}
	}
	return 6
}
