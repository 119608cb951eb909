package indicators

import "math"

// window is a fixed-capacity ring of the most recent samples.
// A NaN sample marks a missing value and poisons mean/min/max while it
// remains inside the window.
type window struct {
	buf   []float64
	start int
	n     int
}

func newWindow(size int) window {
	return window{buf: make([]float64, size)}
}

func (w *window) push(v float64) {
	size := len(w.buf)
	if w.n < size {
		w.buf[(w.start+w.n)%size] = v
		w.n++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % size
}

func (w *window) full() bool { return w.n == len(w.buf) && w.n > 0 }

func (w *window) len() int { return w.n }

// at returns the i-th sample, oldest first.
func (w *window) at(i int) float64 {
	return w.buf[(w.start+i)%len(w.buf)]
}

// last returns the newest sample.
func (w *window) last() float64 {
	return w.at(w.n - 1)
}

func (w *window) mean() float64 {
	if w.n == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.at(i)
	}
	return sum / float64(w.n)
}

func (w *window) minMax() (float64, float64) {
	if w.n == 0 {
		return math.NaN(), math.NaN()
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < w.n; i++ {
		v := w.at(i)
		if math.IsNaN(v) {
			return math.NaN(), math.NaN()
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// sampleStd is the n-1 standard deviation.
func (w *window) sampleStd() float64 {
	if w.n < 2 {
		return math.NaN()
	}
	m := w.mean()
	var ss float64
	for i := 0; i < w.n; i++ {
		d := w.at(i) - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(w.n-1))
}

func (w window) clone() window {
	buf := make([]float64, len(w.buf))
	copy(buf, w.buf)
	return window{buf: buf, start: w.start, n: w.n}
}

// round rounds half to even at the given number of decimals, the way the
// charting reference rounds its plotted series.
func round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.RoundToEven(v*p) / p
}
