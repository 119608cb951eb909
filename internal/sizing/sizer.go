package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

// ErrInvalidPlan is returned for inputs that cannot produce a protected position.
var ErrInvalidPlan = errors.New("invalid position plan")

// Config holds trade sizing parameters
type Config struct {
	CapitalAllocation float64 `yaml:"capital_allocation"` // Default: 1 quote unit of margin per trade
	Leverage          int     `yaml:"leverage"`           // Default: 10x
	StopLossPct       float64 `yaml:"stop_loss_pct"`      // Default: 1.0% price move
	TakeProfitPct     float64 `yaml:"take_profit_pct"`    // Default: 1.5% price move
}

func DefaultConfig() Config {
	return Config{
		CapitalAllocation: 1,
		Leverage:          10,
		StopLossPct:       1.0,
		TakeProfitPct:     1.5,
	}
}

func (c Config) Validate() error {
	if c.CapitalAllocation <= 0 || math.IsNaN(c.CapitalAllocation) {
		return fmt.Errorf("capital_allocation must be positive: %w", ErrInvalidPlan)
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("leverage %d outside 1..125: %w", c.Leverage, ErrInvalidPlan)
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 100 {
		return fmt.Errorf("stop_loss_pct %.4f outside (0,100): %w", c.StopLossPct, ErrInvalidPlan)
	}
	if c.TakeProfitPct <= 0 || c.TakeProfitPct >= 100 {
		return fmt.Errorf("take_profit_pct %.4f outside (0,100): %w", c.TakeProfitPct, ErrInvalidPlan)
	}
	return nil
}

// PositionPlan is a fully specified bracket for one entry.
type PositionPlan struct {
	Symbol                 string      `json:"symbol"`
	Side                   market.Side `json:"side"`
	Quantity               float64     `json:"quantity"`
	EntryPrice             float64     `json:"entry_price"`
	StopPrice              float64     `json:"stop_price"`
	TakeProfitPrice        float64     `json:"take_profit_price"`
	Leverage               int         `json:"leverage"`
	Notional               float64     `json:"notional"`
	StopPct                float64     `json:"stop_pct"`
	TakeProfitPct          float64     `json:"take_profit_pct"`
	LeveragedStopPct       float64     `json:"leveraged_stop_pct"`
	LeveragedTakeProfitPct float64     `json:"leveraged_take_profit_pct"`
	Risk                   float64     `json:"risk"`
	Reward                 float64     `json:"reward"`
}

// Check enforces the ordering invariants of a bracket.
func (p PositionPlan) Check() error {
	if !(p.Quantity > 0) {
		return fmt.Errorf("%s quantity %.8f: %w", p.Symbol, p.Quantity, ErrInvalidPlan)
	}
	switch p.Side {
	case market.SideLong:
		if !(p.StopPrice < p.EntryPrice && p.EntryPrice < p.TakeProfitPrice) {
			return fmt.Errorf("%s long needs stop < entry < target: %w", p.Symbol, ErrInvalidPlan)
		}
	case market.SideShort:
		if !(p.TakeProfitPrice < p.EntryPrice && p.EntryPrice < p.StopPrice) {
			return fmt.Errorf("%s short needs target < entry < stop: %w", p.Symbol, ErrInvalidPlan)
		}
	default:
		return fmt.Errorf("%s unknown side %q: %w", p.Symbol, p.Side, ErrInvalidPlan)
	}
	if p.TakeProfitPrice <= 0 || p.StopPrice <= 0 {
		return fmt.Errorf("%s non-positive protective price: %w", p.Symbol, ErrInvalidPlan)
	}
	return nil
}

// Sizer turns an entry price into a position plan.
type Sizer struct {
	config Config
}

func NewSizer(cfg Config) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{config: cfg}, nil
}

func (s *Sizer) Config() Config { return s.config }

// Plan sizes a position: notional is capital times leverage, protective
// prices are plain percentage moves from entry. Leveraged percentages are
// reported but do not change the prices.
func (s *Sizer) Plan(symbol string, side market.Side, entry float64) (PositionPlan, error) {
	if !(entry > 0) || math.IsInf(entry, 0) {
		return PositionPlan{}, fmt.Errorf("%s entry price %.8f: %w", symbol, entry, ErrInvalidPlan)
	}
	c := s.config
	notional := c.CapitalAllocation * float64(c.Leverage)
	p := PositionPlan{
		Symbol:                 symbol,
		Side:                   side,
		Quantity:               notional / entry,
		EntryPrice:             entry,
		Leverage:               c.Leverage,
		Notional:               notional,
		StopPct:                c.StopLossPct,
		TakeProfitPct:          c.TakeProfitPct,
		LeveragedStopPct:       c.StopLossPct * float64(c.Leverage),
		LeveragedTakeProfitPct: c.TakeProfitPct * float64(c.Leverage),
	}
	switch side {
	case market.SideLong:
		p.StopPrice = entry * (1 - c.StopLossPct/100)
		p.TakeProfitPrice = entry * (1 + c.TakeProfitPct/100)
	case market.SideShort:
		p.StopPrice = entry * (1 + c.StopLossPct/100)
		p.TakeProfitPrice = entry * (1 - c.TakeProfitPct/100)
	default:
		return PositionPlan{}, fmt.Errorf("%s unknown side %q: %w", symbol, side, ErrInvalidPlan)
	}
	p.Risk = math.Abs(entry-p.StopPrice) * p.Quantity
	p.Reward = math.Abs(p.TakeProfitPrice-entry) * p.Quantity
	if err := p.Check(); err != nil {
		return PositionPlan{}, err
	}
	return p, nil
}
