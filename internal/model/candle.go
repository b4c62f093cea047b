package model

import "time"

// Candle is a fixed-interval OHLCV aggregate for one symbol. A candle is
// mutable only while its interval is open; once sealed it never changes.
type Candle struct {
	Symbol   string
	Interval time.Duration
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Apply folds a tick into an open candle.
func (c *Candle) Apply(t Tick) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Volume
}

// NewCandle opens a candle from the first tick of an interval.
func NewCandle(t Tick, interval time.Duration) Candle {
	return Candle{
		Symbol:   t.Symbol,
		Interval: interval,
		OpenTime: t.Timestamp.Truncate(interval),
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   t.Volume,
	}
}

// IndicatorSnapshot carries the derived indicator values for one symbol,
// recomputed each time a candle is sealed.
type IndicatorSnapshot struct {
	Symbol     string
	EMAFast    float64
	EMASlow    float64
	RSI        float64
	ComputedAt time.Time
}
