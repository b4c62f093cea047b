package indicator

// EMA is an incrementally updated exponential moving average. Each
// update is O(1); the value is seeded with the first close.
type EMA struct {
	period int
	k      float64
	value  float64
	count  int
}

func NewEMA(period int) *EMA {
	return &EMA{period: period, k: 2.0 / (float64(period) + 1.0)}
}

// Update feeds the next sealed close price.
func (e *EMA) Update(close float64) {
	e.count++
	if e.count == 1 {
		e.value = close
		return
	}
	e.value += e.k * (close - e.value)
}

// Value returns the current average; 0 until the first update.
func (e *EMA) Value() float64 { return e.value }

// Ready reports whether a full period of closes has been absorbed.
func (e *EMA) Ready() bool { return e.count >= e.period }

// RSI is an incrementally updated Wilder relative strength index.
type RSI struct {
	period    int
	avgGain   float64
	avgLoss   float64
	prevClose float64
	count     int
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update feeds the next sealed close price.
func (r *RSI) Update(close float64) {
	r.count++
	if r.count == 1 {
		r.prevClose = close
		return
	}

	delta := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	n := float64(r.period)
	if r.count <= r.period+1 {
		// Seed phase: plain average over the first period deltas.
		r.avgGain += gain / n
		r.avgLoss += loss / n
		return
	}
	r.avgGain = (r.avgGain*(n-1) + gain) / n
	r.avgLoss = (r.avgLoss*(n-1) + loss) / n
}

// Value returns the RSI in [0, 100]; 50 while not yet ready.
func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 50
	}
	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// Ready reports whether the seed period has been absorbed.
func (r *RSI) Ready() bool { return r.count > r.period }
