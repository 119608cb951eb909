package indicators

import "math"

// EMA is an exponential moving average seeded by the first sample.
type EMA struct {
	Period int `json:"period"`
	alpha  float64
	value  float64
	count  int
}

// NewEMA returns an EMA with smoothing 2/(period+1).
func NewEMA(period int) EMA {
	return EMA{Period: period, alpha: 2.0 / float64(period+1)}
}

// Update folds x into the average and returns the new value.
func (e *EMA) Update(x float64) float64 {
	if e.count == 0 {
		e.value = x
	} else {
		e.value += e.alpha * (x - e.value)
	}
	e.count++
	return e.value
}

// Value returns the current average, NaN before the first sample.
func (e EMA) Value() float64 {
	if e.count == 0 {
		return math.NaN()
	}
	return e.value
}

// Ready reports whether at least Period samples have been folded in.
func (e EMA) Ready() bool { return e.count >= e.Period }

// RSIResult represents the Relative Strength Index after a bar
type RSIResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// RSI is Wilder's relative strength index. The first bar contributes a zero
// change; the first Period changes seed the averages by simple mean.
type RSI struct {
	Period  int `json:"period"`
	count   int
	prev    float64
	sumGain float64
	sumLoss float64
	avgGain float64
	avgLoss float64
}

func NewRSI(period int) RSI {
	return RSI{Period: period}
}

// Update folds a close into the running averages.
func (r *RSI) Update(close float64) RSIResult {
	var gain, loss float64
	if r.count > 0 {
		if d := close - r.prev; d > 0 {
			gain = d
		} else {
			loss = -d
		}
	}
	r.prev = close
	r.count++

	p := float64(r.Period)
	switch {
	case r.count < r.Period:
		r.sumGain += gain
		r.sumLoss += loss
	case r.count == r.Period:
		r.avgGain = (r.sumGain + gain) / p
		r.avgLoss = (r.sumLoss + loss) / p
	default:
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
	return r.Result()
}

// Result reports the RSI for the last folded bar.
func (r RSI) Result() RSIResult {
	res := RSIResult{Period: r.Period, DataCount: r.count, Value: math.NaN()}
	if r.count < r.Period {
		return res
	}
	res.IsValid = true
	switch {
	case r.avgLoss == 0 && r.avgGain == 0:
		res.Value = 50
	case r.avgLoss == 0:
		res.Value = 100
	default:
		res.Value = 100 - 100/(1+r.avgGain/r.avgLoss)
	}
	return res
}

// ATRResult represents the result of ATR calculation
type ATRResult struct {
	Value     float64 `json:"value"`
	Period    int     `json:"period"`
	IsValid   bool    `json:"is_valid"`
	DataCount int     `json:"data_count"`
}

// ATR is the Wilder-smoothed average true range.
type ATR struct {
	Period    int `json:"period"`
	count     int
	prevClose float64
	sumTR     float64
	value     float64
}

func NewATR(period int) ATR {
	return ATR{Period: period}
}

// Update folds a bar's true range. The first bar has no previous close and
// only seeds it.
func (a *ATR) Update(high, low, close float64) ATRResult {
	if a.count == 0 {
		a.prevClose = close
		a.count++
		return a.Result()
	}
	hl := high - low
	hc := math.Abs(high - a.prevClose)
	lc := math.Abs(low - a.prevClose)
	tr := math.Max(hl, math.Max(hc, lc))
	a.prevClose = close
	a.count++

	samples := a.count - 1
	p := float64(a.Period)
	switch {
	case samples < a.Period:
		a.sumTR += tr
	case samples == a.Period:
		a.value = (a.sumTR + tr) / p
	default:
		a.value = (a.value*(p-1) + tr) / p
	}
	return a.Result()
}

func (a ATR) Result() ATRResult {
	res := ATRResult{Period: a.Period, DataCount: a.count, Value: math.NaN()}
	if a.count-1 >= a.Period {
		res.Value = a.value
		res.IsValid = true
	}
	return res
}
