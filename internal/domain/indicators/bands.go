package indicators

import "math"

// BandPosition locates the close relative to the volatility band.
type BandPosition int

const (
	BandWithin BandPosition = iota
	BandAbove
	BandBelow
)

func (p BandPosition) String() string {
	switch p {
	case BandAbove:
		return "above"
	case BandBelow:
		return "below"
	default:
		return "within"
	}
}

// BandFlip marks a basis crossing on the current bar.
type BandFlip int

const (
	FlipNone BandFlip = iota
	FlipUp
	FlipDown
)

func (f BandFlip) String() string {
	switch f {
	case FlipUp:
		return "up"
	case FlipDown:
		return "down"
	default:
		return "none"
	}
}

// BandValue is the volatility band after a bar. Upper, Basis and Lower are
// rounded to 4 decimals.
type BandValue struct {
	Upper    float64      `json:"upper"`
	Basis    float64      `json:"basis"`
	Lower    float64      `json:"lower"`
	Width    float64      `json:"width"`
	Position BandPosition `json:"position"`
	Flip     BandFlip     `json:"flip"`
	Squeeze  bool         `json:"squeeze"`
	IsValid  bool         `json:"is_valid"`
}

// RelativeWidth is (upper-lower)/basis.
func (b BandValue) RelativeWidth() float64 {
	if !b.IsValid || b.Basis == 0 {
		return math.NaN()
	}
	return (b.Upper - b.Lower) / b.Basis
}

// VolatilityBand is a Bollinger-style band: SMA basis plus/minus a multiple of
// the sample standard deviation.
type VolatilityBand struct {
	Period     int     `json:"period"`
	Multiplier float64 `json:"multiplier"`
	closes     window
	prevClose  float64
	prevWidth  float64
	count      int
	last       BandValue
}

func NewVolatilityBand(period int, multiplier float64) VolatilityBand {
	return VolatilityBand{
		Period:     period,
		Multiplier: multiplier,
		closes:     newWindow(period),
		prevWidth:  math.NaN(),
	}
}

func (v *VolatilityBand) Update(close float64) BandValue {
	v.closes.push(close)
	prevClose := v.prevClose
	hasPrev := v.count > 0
	v.prevClose = close
	v.count++

	if !v.closes.full() {
		v.last = BandValue{Upper: math.NaN(), Basis: math.NaN(), Lower: math.NaN(), Width: math.NaN()}
		return v.last
	}

	basis := v.closes.mean()
	dev := v.Multiplier * v.closes.sampleStd()
	out := BandValue{
		Upper:   round(basis+dev, 4),
		Basis:   round(basis, 4),
		Lower:   round(basis-dev, 4),
		IsValid: true,
	}
	out.Width = out.Upper - out.Lower

	switch {
	case close >= out.Upper:
		out.Position = BandAbove
	case close <= out.Lower:
		out.Position = BandBelow
	}
	if hasPrev {
		switch {
		case close > out.Basis && prevClose <= out.Basis:
			out.Flip = FlipUp
		case close < out.Basis && prevClose >= out.Basis:
			out.Flip = FlipDown
		}
	}
	out.Squeeze = !math.IsNaN(v.prevWidth) && out.Width < v.prevWidth
	v.prevWidth = out.Width
	v.last = out
	return out
}

func (v VolatilityBand) Value() BandValue { return v.last }

func (v VolatilityBand) clone() VolatilityBand {
	v.closes = v.closes.clone()
	return v
}
