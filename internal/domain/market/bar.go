package market

import (
	"fmt"
	"strings"
	"time"
)

// Bar represents one closed OHLCV candle. Timestamp is the bar open time.
type Bar struct {
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// Notional returns volume valued at the bar close.
func (b Bar) Notional() float64 {
	return b.Volume * b.Close
}

// Validate rejects bars that cannot feed the indicator engine.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.Close <= 0 || b.High <= 0 || b.Low <= 0 {
		return fmt.Errorf("bar at %s has non-positive price", b.Timestamp.Format(time.RFC3339))
	}
	if b.High < b.Low {
		return fmt.Errorf("bar at %s has high %.8f below low %.8f", b.Timestamp.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %s has negative volume", b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Direction is the direction of a breakout signal.
type Direction int

const (
	DirectionBuy Direction = iota + 1
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Side maps a signal direction onto a position side.
func (d Direction) Side() Side {
	if d == DirectionSell {
		return SideShort
	}
	return SideLong
}

// Side is the side of a futures position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide is the venue order side that opens a position on s.
func (s Side) EntryOrderSide() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// ExitOrderSide is the venue order side that reduces a position on s.
func (s Side) ExitOrderSide() string {
	if s == SideShort {
		return "BUY"
	}
	return "SELL"
}

// ParseSide accepts LONG/SHORT and BUY/SELL spellings.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side %q", v)
}

// Interval durations for the kline intervals the venue serves.
var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration converts a kline interval such as "5m" to a duration.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervals[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}

// DropOpenBar removes a trailing bar that has not closed yet at now.
func DropOpenBar(bars []Bar, interval time.Duration, now time.Time) []Bar {
	if len(bars) == 0 {
		return bars
	}
	last := bars[len(bars)-1]
	if last.Timestamp.Add(interval).After(now) {
		return bars[:len(bars)-1]
	}
	return bars
}
