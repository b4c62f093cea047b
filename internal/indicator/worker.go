// Package indicator consumes the normalized tick stream, aggregates
// fixed-width candles per symbol and maintains the buy-candidate set
// from incrementally computed signals.
package indicator

import (
	"context"
	"sync"
	"time"

	"scalpflow/config"
	"scalpflow/internal/metrics"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// SignalFunc decides whether a symbol belongs in the buy-candidate set
// given its latest indicator snapshot. It must be a pure function.
type SignalFunc func(model.IndicatorSnapshot) bool

// DefaultSignal is the stock EMA crossover + RSI oversold predicate.
func DefaultSignal(oversold float64) SignalFunc {
	return func(s model.IndicatorSnapshot) bool {
		return s.EMAFast > s.EMASlow && s.RSI < oversold
	}
}

// series is the per-symbol aggregation state. Only the worker goroutine
// touches it.
type series struct {
	open        *model.Candle
	sealed      []model.Candle
	sealedTotal int
	lastTick    time.Time
	emaFast     *EMA
	emaSlow     *EMA
	rsi         *RSI
}

// Worker turns ticks into sealed candles and candidate-set updates.
type Worker struct {
	cfg    config.IndicatorConfig
	ticks  <-chan model.Tick
	signal SignalFunc
	log    *logger.Log

	symbols map[string]*series

	mu         sync.RWMutex
	candidates map[string]struct{}
	version    int64

	StaleDropped metrics.Counter
}

func NewWorker(cfg config.IndicatorConfig, ticks <-chan model.Tick, signal SignalFunc) *Worker {
	if signal == nil {
		signal = DefaultSignal(cfg.RSIOversold)
	}
	return &Worker{
		cfg:        cfg,
		ticks:      ticks,
		signal:     signal,
		log:        logger.GetLogger(),
		symbols:    make(map[string]*series),
		candidates: make(map[string]struct{}),
	}
}

// Run consumes the tick channel until the context is cancelled or the
// channel closes.
func (w *Worker) Run(ctx context.Context) {
	log := w.log.WithComponent("indicator")
	log.WithFields(logger.Fields{
		"interval": w.cfg.CandleInterval.String(),
		"ema_fast": w.cfg.EMAFast,
		"ema_slow": w.cfg.EMASlow,
	}).Info("indicator worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("indicator worker stopped")
			return
		case tick, ok := <-w.ticks:
			if !ok {
				log.Info("tick channel closed, indicator worker stopped")
				return
			}
			w.processTick(tick)
		}
	}
}

// Buyable returns the current buy-candidate set as a point-in-time
// consistent snapshot together with its version. The returned map is a
// copy and safe to retain.
func (w *Worker) Buyable() (map[string]struct{}, int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]struct{}, len(w.candidates))
	for sym := range w.candidates {
		out[sym] = struct{}{}
	}
	return out, w.version
}

func (w *Worker) processTick(tick model.Tick) {
	s, ok := w.symbols[tick.Symbol]
	if !ok {
		s = &series{
			emaFast: NewEMA(w.cfg.EMAFast),
			emaSlow: NewEMA(w.cfg.EMASlow),
			rsi:     NewRSI(w.cfg.RSIPeriod),
		}
		w.symbols[tick.Symbol] = s
	}

	// Per-symbol tick order is preserved end-to-end, so a timestamp at
	// or before the last one is a duplicate or out-of-order delivery.
	if !s.lastTick.IsZero() && !tick.Timestamp.After(s.lastTick) {
		w.StaleDropped.Inc()
		metrics.EmitDropMetric(w.log, metrics.DropMetricTickStale, tick.Symbol, "indicator")
		return
	}
	s.lastTick = tick.Timestamp

	bucket := tick.Timestamp.Truncate(w.cfg.CandleInterval)
	switch {
	case s.open == nil:
		c := model.NewCandle(tick, w.cfg.CandleInterval)
		s.open = &c
	case bucket.After(s.open.OpenTime):
		w.seal(tick.Symbol, s)
		c := model.NewCandle(tick, w.cfg.CandleInterval)
		s.open = &c
	default:
		s.open.Apply(tick)
	}
}

// seal closes the open candle, folds it into the indicators and
// re-evaluates the buy predicate for the symbol.
func (w *Worker) seal(symbol string, s *series) {
	candle := *s.open
	s.sealed = append(s.sealed, candle)
	if len(s.sealed) > w.cfg.MaxCandles {
		s.sealed = s.sealed[len(s.sealed)-w.cfg.MaxCandles:]
	}
	s.sealedTotal++

	s.emaFast.Update(candle.Close)
	s.emaSlow.Update(candle.Close)
	s.rsi.Update(candle.Close)

	// Symbols without enough sealed history are never candidates,
	// regardless of what the partial indicator values say.
	buyable := false
	if s.sealedTotal >= w.warmupCandles() {
		snapshot := model.IndicatorSnapshot{
			Symbol:     symbol,
			EMAFast:    s.emaFast.Value(),
			EMASlow:    s.emaSlow.Value(),
			RSI:        s.rsi.Value(),
			ComputedAt: candle.OpenTime.Add(candle.Interval),
		}
		buyable = w.signal(snapshot)
	}

	w.updateCandidate(symbol, buyable)
}

func (w *Worker) warmupCandles() int {
	warmup := w.cfg.EMASlow
	if w.cfg.RSIPeriod+1 > warmup {
		warmup = w.cfg.RSIPeriod + 1
	}
	return warmup
}

func (w *Worker) updateCandidate(symbol string, buyable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, present := w.candidates[symbol]
	if buyable == present {
		return
	}
	if buyable {
		w.candidates[symbol] = struct{}{}
	} else {
		delete(w.candidates, symbol)
	}
	w.version++

	w.log.WithComponent("indicator").WithFields(logger.Fields{
		"symbol":  symbol,
		"buyable": buyable,
		"version": w.version,
	}).Debug("buy candidate set updated")
}

// Candles returns a copy of the sealed candle history for a symbol.
// Not safe to call while Run is consuming ticks; intended for
// diagnostics and tests.
func (w *Worker) Candles(symbol string) []model.Candle {
	s, ok := w.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]model.Candle, len(s.sealed))
	copy(out, s.sealed)
	return out
}
