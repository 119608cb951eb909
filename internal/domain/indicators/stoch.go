package indicators

import "math"

// StochRSI normalizes RSI against its own rolling range and smooths it
// into %K and %D.
type StochRSI struct {
	Length  int `json:"length"`
	SmoothK int `json:"smooth_k"`
	SmoothD int `json:"smooth_d"`
	rsi     window
	raw     window
	k       window
}

// StochValue holds %K and %D on a 0..100 scale.
type StochValue struct {
	K       float64 `json:"k"`
	D       float64 `json:"d"`
	IsValid bool    `json:"is_valid"`
}

func NewStochRSI(length, smoothK, smoothD int) StochRSI {
	return StochRSI{
		Length:  length,
		SmoothK: smoothK,
		SmoothD: smoothD,
		rsi:     newWindow(length),
		raw:     newWindow(smoothK),
		k:       newWindow(smoothD),
	}
}

// Update folds a ready RSI value. A flat RSI window has no range and yields a
// missing sample, which keeps %K and %D invalid until it leaves the window.
func (s *StochRSI) Update(rsi float64) StochValue {
	s.rsi.push(rsi)
	if !s.rsi.full() {
		return s.Value()
	}
	lo, hi := s.rsi.minMax()
	raw := math.NaN()
	if hi > lo {
		raw = (rsi - lo) / (hi - lo) * 100
	}
	s.raw.push(raw)
	if s.raw.full() {
		s.k.push(s.raw.mean())
	}
	return s.Value()
}

func (s StochRSI) Value() StochValue {
	v := StochValue{K: math.NaN(), D: math.NaN()}
	if s.raw.full() {
		v.K = s.raw.mean()
	}
	if s.k.full() {
		v.D = s.k.mean()
	}
	v.IsValid = !math.IsNaN(v.K) && !math.IsNaN(v.D)
	return v
}

func (s StochRSI) clone() StochRSI {
	s.rsi = s.rsi.clone()
	s.raw = s.raw.clone()
	s.k = s.k.clone()
	return s
}
