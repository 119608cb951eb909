package indicators

import "math"

// Trend is the breakout debounce state. A buy needs the previous state to be
// TrendDown and a sell needs TrendUp, so two consecutive breakouts in the same
// direction never both fire.
type Trend int

const (
	TrendNone Trend = iota
	TrendUp
	TrendDown
)

func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "none"
	}
}

// next applies one bar's candidates. A long candidate wins when both are
// set, which cannot happen since they need opposite sides of the filter.
func (t Trend) next(long, short bool) Trend {
	switch {
	case long:
		return TrendUp
	case short:
		return TrendDown
	default:
		return t
	}
}

// BreakoutValue is the range filter output after a bar.
type BreakoutValue struct {
	Filter        float64 `json:"filter"`
	HighTarget    float64 `json:"high_target"`
	LowTarget     float64 `json:"low_target"`
	SmoothedRange float64 `json:"smoothed_range"`
	Upward        int     `json:"upward"`
	Downward      int     `json:"downward"`
	Trend         Trend   `json:"trend"`
	LongCandidate bool    `json:"long_candidate"`
	ShortCand     bool    `json:"short_candidate"`
	Buy           bool    `json:"buy"`
	Sell          bool    `json:"sell"`
	IsValid       bool    `json:"is_valid"`
}

// BreakoutFilter is a range filter: the filtered price only moves when the
// close escapes a band of multiplier times the doubly smoothed absolute
// close-to-close change.
type BreakoutFilter struct {
	Period     int     `json:"period"`
	Multiplier float64 `json:"multiplier"`
	avgRange   EMA
	smoothRng  EMA
	count      int
	prevClose  float64
	filt       float64
	upward     int
	downward   int
	trend      Trend
	last       BreakoutValue
}

func NewBreakoutFilter(period int, multiplier float64) BreakoutFilter {
	return BreakoutFilter{
		Period:     period,
		Multiplier: multiplier,
		avgRange:   NewEMA(period),
		smoothRng:  NewEMA(2*period - 1),
	}
}

func (f *BreakoutFilter) Update(close float64) BreakoutValue {
	if f.count == 0 {
		f.count++
		f.prevClose = close
		f.filt = close
		f.last = BreakoutValue{
			Filter:        round(close, 2),
			HighTarget:    math.NaN(),
			LowTarget:     math.NaN(),
			SmoothedRange: math.NaN(),
		}
		return f.last
	}

	r := f.smoothRng.Update(f.avgRange.Update(math.Abs(close-f.prevClose))) * f.Multiplier

	prevFilt := f.filt
	if close > prevFilt {
		f.filt = math.Max(prevFilt, close-r)
	} else {
		f.filt = math.Min(prevFilt, close+r)
	}

	switch {
	case f.filt > prevFilt:
		f.upward++
		f.downward = 0
	case f.filt < prevFilt:
		f.downward++
		f.upward = 0
	}

	moved := close != f.prevClose
	long := close > f.filt && moved && f.upward > 0
	short := close < f.filt && moved && f.downward > 0

	prevTrend := f.trend
	f.trend = prevTrend.next(long, short)
	f.prevClose = close
	f.count++

	f.last = BreakoutValue{
		Filter:        round(f.filt, 2),
		HighTarget:    round(f.filt+r, 2),
		LowTarget:     round(f.filt-r, 2),
		SmoothedRange: r,
		Upward:        f.upward,
		Downward:      f.downward,
		Trend:         f.trend,
		LongCandidate: long,
		ShortCand:     short,
		Buy:           long && prevTrend == TrendDown,
		Sell:          short && prevTrend == TrendUp,
		IsValid:       true,
	}
	return f.last
}

func (f BreakoutFilter) Value() BreakoutValue { return f.last }
