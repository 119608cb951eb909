package gates

import (
	"fmt"
	"math"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/regime"
	"github.com/sawpanic/rangerun/internal/signals"
)

// Gate names used in Decision.GateResults.
const (
	GateRegime        = "regime"
	GateNotionalFloor = "notional_floor"
	GateNotionalShort = "notional_short_ma"
	GateNotionalLong  = "notional_long_ma"
)

// VolumeConfig contains the notional volume confirmation thresholds
type VolumeConfig struct {
	MinNotional float64 `yaml:"min_notional"` // Default: 500k quote units on the signal bar
	ShortWindow int     `yaml:"short_window"` // Default: 10 bars
	LongWindow  int     `yaml:"long_window"`  // Default: 50 bars
	MinCriteria int     `yaml:"min_criteria"` // Default: 1 of 3
}

// DefaultVolumeConfig returns the volume gate defaults.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		MinNotional: 500_000,
		ShortWindow: 10,
		LongWindow:  50,
		MinCriteria: 1,
	}
}

func (c VolumeConfig) Validate() error {
	if c.MinNotional < 0 {
		return fmt.Errorf("min_notional must be non-negative")
	}
	if c.ShortWindow <= 0 || c.LongWindow <= 0 {
		return fmt.Errorf("volume windows must be positive")
	}
	if c.MinCriteria < 1 || c.MinCriteria > 3 {
		return fmt.Errorf("min_criteria must be between 1 and 3, got %d", c.MinCriteria)
	}
	return nil
}

// GateCheck represents the result of a single gate evaluation
type GateCheck struct {
	Name        string  `json:"name"`
	Passed      bool    `json:"passed"`
	Value       float64 `json:"value"`       // Actual measured value
	Threshold   float64 `json:"threshold"`   // Required threshold
	Description string  `json:"description"` // Human-readable description
}

// Decision is the validator's verdict on one signal. A rejection is a
// normal outcome and is never returned as an error.
type Decision struct {
	Symbol         string                `json:"symbol"`
	Accepted       bool                  `json:"accepted"`
	Reason         string                `json:"reason"`
	Regime         regime.Verdict        `json:"regime"`
	GateResults    map[string]*GateCheck `json:"gate_results"`
	PassedGates    []string              `json:"passed_gates"`
	FailureReasons []string              `json:"failure_reasons"`
}

// Validator accepts signals raised in a trending regime with volume
// confirmation.
type Validator struct {
	detector *regime.Detector
	config   VolumeConfig
}

// NewValidator creates a validator over the given regime detector.
func NewValidator(detector *regime.Detector, cfg VolumeConfig) (*Validator, error) {
	if detector == nil {
		return nil, fmt.Errorf("validator needs a regime detector")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{detector: detector, config: cfg}, nil
}

// Validate checks sig against the snapshot taken on its bar. Errors mean the
// inputs could not be evaluated; rejections come back in the Decision.
func (v *Validator) Validate(sig signals.Signal, snap indicators.Snapshot) (Decision, error) {
	if err := sig.CheckSnapshot(snap); err != nil {
		return Decision{}, err
	}

	d := Decision{
		Symbol:         sig.Symbol,
		GateResults:    make(map[string]*GateCheck, 4),
		PassedGates:    []string{},
		FailureReasons: []string{},
	}

	verdict, err := v.detector.Detect(snap)
	if err != nil {
		return Decision{}, err
	}
	d.Regime = verdict
	regimeCheck := &GateCheck{
		Name:        GateRegime,
		Passed:      !verdict.IsConsolidation,
		Description: verdict.Reason,
	}
	d.record(regimeCheck)
	if verdict.IsConsolidation {
		d.Reason = "consolidation: " + verdict.Reason
		return d, nil
	}

	need := v.config.LongWindow
	if v.config.ShortWindow > need {
		need = v.config.ShortWindow
	}
	if len(snap.Recent) < need {
		return Decision{}, fmt.Errorf("volume %s: %d bars, need %d: %w",
			sig.Symbol, len(snap.Recent), need, indicators.ErrInsufficientHistory)
	}

	current := snap.Recent[len(snap.Recent)-1].Volume * sig.ReferencePrice
	shortMA := notionalMean(snap.Recent, v.config.ShortWindow)
	longMA := notionalMean(snap.Recent, v.config.LongWindow)

	checks := []*GateCheck{
		{
			Name:        GateNotionalFloor,
			Value:       current,
			Threshold:   v.config.MinNotional,
			Passed:      current > v.config.MinNotional,
			Description: fmt.Sprintf("notional %.0f > floor %.0f", current, v.config.MinNotional),
		},
		{
			Name:        GateNotionalShort,
			Value:       current,
			Threshold:   shortMA,
			Passed:      current > shortMA,
			Description: fmt.Sprintf("notional %.0f > %d-bar mean %.0f", current, v.config.ShortWindow, shortMA),
		},
		{
			Name:        GateNotionalLong,
			Value:       current,
			Threshold:   longMA,
			Passed:      current > longMA,
			Description: fmt.Sprintf("notional %.0f > %d-bar mean %.0f", current, v.config.LongWindow, longMA),
		},
	}
	met := 0
	for _, c := range checks {
		d.record(c)
		if c.Passed {
			met++
		}
	}

	if met < v.config.MinCriteria {
		d.Reason = fmt.Sprintf("volume confirmation %d/%d below %d", met, len(checks), v.config.MinCriteria)
		return d, nil
	}
	d.Accepted = true
	d.Reason = fmt.Sprintf("trending with %d/%d volume criteria", met, len(checks))
	return d, nil
}

func (d *Decision) record(c *GateCheck) {
	d.GateResults[c.Name] = c
	if c.Passed {
		d.PassedGates = append(d.PassedGates, c.Name)
	} else {
		d.FailureReasons = append(d.FailureReasons, c.Description)
	}
}

// notionalMean averages volume*close over the last n bars.
func notionalMean(bars []market.Bar, n int) float64 {
	if n > len(bars) {
		return math.NaN()
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Notional()
	}
	return sum / float64(n)
}
