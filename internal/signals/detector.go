package signals

import (
	"fmt"
	"time"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/domain/market"
)

// Signal is a directional breakout on one closed bar. Signals are values and
// are never mutated after detection.
type Signal struct {
	Symbol         string              `json:"symbol"`
	Timestamp      time.Time           `json:"timestamp"`
	Direction      market.Direction    `json:"direction"`
	ReferencePrice float64             `json:"reference_price"`
	FilterLevel    float64             `json:"filter_level"`
	HighTarget     float64             `json:"high_target"`
	LowTarget      float64             `json:"low_target"`
	Snapshot       indicators.Snapshot `json:"-"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s @ %.8g (filter %.2f) %s",
		s.Symbol, s.Direction, s.ReferencePrice, s.FilterLevel, s.Timestamp.Format(time.RFC3339))
}

// Detect reports a signal when the breakout filter fired on the snapshot's bar.
func Detect(snap indicators.Snapshot) (Signal, bool) {
	bo := snap.Breakout
	if !bo.IsValid {
		return Signal{}, false
	}
	var dir market.Direction
	switch {
	case bo.Buy:
		dir = market.DirectionBuy
	case bo.Sell:
		dir = market.DirectionSell
	default:
		return Signal{}, false
	}
	return Signal{
		Symbol:         snap.Symbol,
		Timestamp:      snap.Timestamp,
		Direction:      dir,
		ReferencePrice: snap.Close,
		FilterLevel:    bo.Filter,
		HighTarget:     bo.HighTarget,
		LowTarget:      bo.LowTarget,
		Snapshot:       snap,
	}, true
}

// CheckSnapshot verifies snap was taken on the signal's bar.
func (s Signal) CheckSnapshot(snap indicators.Snapshot) error {
	if snap.Symbol != s.Symbol || !snap.Timestamp.Equal(s.Timestamp) {
		return fmt.Errorf("signal %s@%s vs snapshot %s@%s: %w",
			s.Symbol, s.Timestamp.Format(time.RFC3339), snap.Symbol, snap.Timestamp.Format(time.RFC3339),
			indicators.ErrWindowMismatch)
	}
	return nil
}
