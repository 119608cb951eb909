package indicators

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

// RibbonPeriods are the EMA periods scored as a ribbon, shortest first.
var RibbonPeriods = []int{5, 8, 13, 21, 34, 55, 89}

// Config holds indicator periods and multipliers.
type Config struct {
	EMAPeriods       []int   `yaml:"ema_periods"`
	RSIPeriod        int     `yaml:"rsi_period"`
	StochLength      int     `yaml:"stoch_length"`
	StochSmoothK     int     `yaml:"stoch_smooth_k"`
	StochSmoothD     int     `yaml:"stoch_smooth_d"`
	BandPeriod       int     `yaml:"band_period"`
	BandMultiplier   float64 `yaml:"band_multiplier"`
	ATRPeriod        int     `yaml:"atr_period"`
	FilterPeriod     int     `yaml:"filter_period"`
	FilterMultiplier float64 `yaml:"filter_multiplier"`
	// RecentBars bounds the bar history kept for window metrics.
	RecentBars int `yaml:"recent_bars"`
}

// DefaultConfig matches the charting reference defaults.
func DefaultConfig() Config {
	return Config{
		EMAPeriods:       []int{5, 8, 13, 21, 34, 55, 89, 200},
		RSIPeriod:        14,
		StochLength:      14,
		StochSmoothK:     3,
		StochSmoothD:     3,
		BandPeriod:       20,
		BandMultiplier:   2.0,
		ATRPeriod:        14,
		FilterPeriod:     100,
		FilterMultiplier: 3.0,
		RecentBars:       50,
	}
}

// Validate checks periods are usable.
func (c Config) Validate() error {
	if len(c.EMAPeriods) == 0 {
		return fmt.Errorf("ema_periods must not be empty")
	}
	for _, p := range c.EMAPeriods {
		if p <= 0 {
			return fmt.Errorf("ema period %d must be positive", p)
		}
	}
	for name, v := range map[string]int{
		"rsi_period":     c.RSIPeriod,
		"stoch_length":   c.StochLength,
		"stoch_smooth_k": c.StochSmoothK,
		"stoch_smooth_d": c.StochSmoothD,
		"band_period":    c.BandPeriod,
		"atr_period":     c.ATRPeriod,
		"filter_period":  c.FilterPeriod,
		"recent_bars":    c.RecentBars,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.BandPeriod < 2 {
		return fmt.Errorf("band_period must be at least 2")
	}
	if c.BandMultiplier <= 0 || c.FilterMultiplier <= 0 {
		return fmt.Errorf("band and filter multipliers must be positive")
	}
	return nil
}

// Snapshot is an immutable view of every derived value after one bar.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Close     float64         `json:"close"`
	Bars      int             `json:"bars"`
	EMA       map[int]float64 `json:"ema"`
	EMAReady  map[int]bool    `json:"ema_ready"`
	RSI       RSIResult       `json:"rsi"`
	Stoch     StochValue      `json:"stoch"`
	Band      BandValue       `json:"band"`
	ATR       ATRResult       `json:"atr"`
	Breakout  BreakoutValue   `json:"breakout"`
	Recent    []market.Bar    `json:"-"`
}

// EMAValue returns the EMA for period and whether it is warmed up.
func (s Snapshot) EMAValue(period int) (float64, bool) {
	v, ok := s.EMA[period]
	if !ok {
		return math.NaN(), false
	}
	return v, s.EMAReady[period]
}

// Ribbon returns the EMA values for periods, or ErrInsufficientHistory if any
// is missing or still warming up.
func (s Snapshot) Ribbon(periods []int) ([]float64, error) {
	out := make([]float64, len(periods))
	for i, p := range periods {
		v, ok := s.EMAValue(p)
		if !ok {
			return nil, fmt.Errorf("ema(%d) not ready after %d bars: %w", p, s.Bars, ErrInsufficientHistory)
		}
		out[i] = v
	}
	return out, nil
}

// State is the incremental indicator state of one symbol. It is not safe for
// concurrent use; the scan registry owns one per symbol.
type State struct {
	Symbol   string
	cfg      Config
	emas     []EMA
	rsi      RSI
	stoch    StochRSI
	band     VolatilityBand
	atr      ATR
	filter   BreakoutFilter
	recent   []market.Bar
	count    int
	lastTime time.Time
}

// NewState returns an empty state for symbol.
func NewState(symbol string, cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("indicator config: %w", err)
	}
	s := &State{
		Symbol: symbol,
		cfg:    cfg,
		rsi:    NewRSI(cfg.RSIPeriod),
		stoch:  NewStochRSI(cfg.StochLength, cfg.StochSmoothK, cfg.StochSmoothD),
		band:   NewVolatilityBand(cfg.BandPeriod, cfg.BandMultiplier),
		atr:    NewATR(cfg.ATRPeriod),
		filter: NewBreakoutFilter(cfg.FilterPeriod, cfg.FilterMultiplier),
		recent: make([]market.Bar, 0, cfg.RecentBars),
	}
	for _, p := range cfg.EMAPeriods {
		s.emas = append(s.emas, NewEMA(p))
	}
	return s, nil
}

// Replay builds a fresh state from bars, oldest first.
func Replay(symbol string, cfg Config, bars []market.Bar) (*State, Snapshot, error) {
	s, err := NewState(symbol, cfg)
	if err != nil {
		return nil, Snapshot{}, err
	}
	if len(bars) == 0 {
		return nil, Snapshot{}, fmt.Errorf("replay %s: no bars: %w", symbol, ErrInsufficientHistory)
	}
	var snap Snapshot
	for _, b := range bars {
		if snap, err = s.Update(b); err != nil {
			return nil, Snapshot{}, err
		}
	}
	return s, snap, nil
}

// Update folds one closed bar into the state. Bars must arrive in strictly
// increasing timestamp order.
func (s *State) Update(b market.Bar) (Snapshot, error) {
	if err := b.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%s: %v: %w", s.Symbol, err, ErrInvalidBar)
	}
	if s.count > 0 && !b.Timestamp.After(s.lastTime) {
		return Snapshot{}, fmt.Errorf("%s: bar %s not after %s: %w",
			s.Symbol, b.Timestamp.Format(time.RFC3339), s.lastTime.Format(time.RFC3339), ErrOutOfOrder)
	}

	for i := range s.emas {
		s.emas[i].Update(b.Close)
	}
	rsi := s.rsi.Update(b.Close)
	if rsi.IsValid {
		s.stoch.Update(rsi.Value)
	}
	s.band.Update(b.Close)
	s.atr.Update(b.High, b.Low, b.Close)
	s.filter.Update(b.Close)

	if len(s.recent) == s.cfg.RecentBars {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, b)
	s.count++
	s.lastTime = b.Timestamp
	return s.Snapshot(), nil
}

// Bars returns how many bars have been folded in.
func (s *State) Bars() int { return s.count }

// LastTimestamp returns the open time of the newest bar.
func (s *State) LastTimestamp() time.Time { return s.lastTime }

// Snapshot copies the current derived values.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Symbol:    s.Symbol,
		Timestamp: s.lastTime,
		Bars:      s.count,
		EMA:       make(map[int]float64, len(s.emas)),
		EMAReady:  make(map[int]bool, len(s.emas)),
		RSI:       s.rsi.Result(),
		Stoch:     s.stoch.Value(),
		Band:      s.band.Value(),
		ATR:       s.atr.Result(),
		Breakout:  s.filter.Value(),
		Recent:    append([]market.Bar(nil), s.recent...),
	}
	if n := len(s.recent); n > 0 {
		snap.Close = s.recent[n-1].Close
	}
	for _, e := range s.emas {
		snap.EMA[e.Period] = e.Value()
		snap.EMAReady[e.Period] = e.Ready()
	}
	return snap
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.emas = append([]EMA(nil), s.emas...)
	c.stoch = s.stoch.clone()
	c.band = s.band.clone()
	c.recent = append(make([]market.Bar, 0, s.cfg.RecentBars), s.recent...)
	return &c
}
