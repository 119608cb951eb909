package gates

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/regime"
	"github.com/sawpanic/rangerun/internal/signals"
)

// fixture builds a trending 50-bar snapshot. lastVolume sets the volume of
// the signal bar; every other bar trades 1000 units.
func fixture(lastVolume float64) (signals.Signal, indicators.Snapshot) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, 50)
	for i := range bars {
		c := 95 + 0.1*float64(i)
		bars[i] = market.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c, High: c + 0.3, Low: c - 0.3, Close: c, Volume: 1000,
		}
	}
	bars[49].Volume = lastVolume

	snap := indicators.Snapshot{
		Symbol:    "ETHUSDT",
		Timestamp: bars[49].Timestamp,
		Close:     bars[49].Close,
		Bars:      500,
		EMA:       map[int]float64{5: 99.8, 8: 99.5, 13: 99.1, 21: 98.5, 34: 97.6},
		EMAReady:  map[int]bool{5: true, 8: true, 13: true, 21: true, 34: true},
		Band:      indicators.BandValue{Upper: 102, Basis: 100, Lower: 98, IsValid: true},
		ATR:       indicators.ATRResult{Value: 0.6, Period: 14, IsValid: true},
		Recent:    bars,
	}
	sig := signals.Signal{
		Symbol:         "ETHUSDT",
		Timestamp:      snap.Timestamp,
		Direction:      market.DirectionBuy,
		ReferencePrice: snap.Close,
		Snapshot:       snap,
	}
	return sig, snap
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	det, err := regime.NewDetector(regime.DefaultDetectorConfig())
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	v, err := NewValidator(det, DefaultVolumeConfig())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func TestValidateAcceptsVolumeSpike(t *testing.T) {
	v := newValidator(t)
	sig, snap := fixture(10_000)

	d, err := v.Validate(sig, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("expected acceptance, got %q (%v)", d.Reason, d.FailureReasons)
	}
	for _, name := range []string{GateRegime, GateNotionalFloor, GateNotionalShort, GateNotionalLong} {
		if c, ok := d.GateResults[name]; !ok || !c.Passed {
			t.Errorf("gate %s should pass", name)
		}
	}
}

func TestValidateAcceptsSingleCriterion(t *testing.T) {
	v := newValidator(t)
	// 1000 * 99.9 is under the floor but above the rising 10-bar mean.
	sig, snap := fixture(1000)

	d, err := v.Validate(sig, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("expected acceptance on one criterion, got %q", d.Reason)
	}
	if d.GateResults[GateNotionalFloor].Passed {
		t.Errorf("floor should fail for notional %.0f", d.GateResults[GateNotionalFloor].Value)
	}
}

func TestValidateRejectsThinVolume(t *testing.T) {
	v := newValidator(t)
	sig, snap := fixture(900)

	d, err := v.Validate(sig, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Accepted {
		t.Fatal("expected rejection on thin volume")
	}
	if len(d.FailureReasons) != 3 {
		t.Errorf("expected 3 failed volume gates, got %v", d.FailureReasons)
	}
}

func TestValidateRejectsConsolidation(t *testing.T) {
	v := newValidator(t)
	sig, snap := fixture(10_000)
	snap.Band.Upper, snap.Band.Lower = 100.5, 99.5
	sig.Snapshot = snap

	d, err := v.Validate(sig, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Accepted {
		t.Fatal("consolidation must be rejected")
	}
	if !strings.HasPrefix(d.Reason, "consolidation") {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if _, ok := d.GateResults[GateNotionalFloor]; ok {
		t.Error("volume gates must not run after a regime rejection")
	}
}

func TestValidateErrors(t *testing.T) {
	v := newValidator(t)

	sig, snap := fixture(10_000)
	snap.Timestamp = snap.Timestamp.Add(-5 * time.Minute)
	if _, err := v.Validate(sig, snap); !errors.Is(err, indicators.ErrWindowMismatch) {
		t.Errorf("expected window mismatch, got %v", err)
	}

	sig, snap = fixture(10_000)
	snap.Recent = snap.Recent[20:]
	if _, err := v.Validate(sig, snap); !errors.Is(err, indicators.ErrInsufficientHistory) {
		t.Errorf("expected insufficient history, got %v", err)
	}
}

func TestVolumeConfigValidate(t *testing.T) {
	cfg := DefaultVolumeConfig()
	cfg.MinCriteria = 4
	if err := cfg.Validate(); err == nil {
		t.Error("min_criteria 4 should be rejected")
	}
}
