// Package strategy runs one position state machine per tradable symbol.
// The engine consumes ticks, buy signals, and symbol-set updates on a
// single event loop; it never suspends mid-order, so every position
// transition observed from outside is complete.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scalpflow/config"
	"scalpflow/internal/exchange"
	"scalpflow/internal/metrics"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// Residual quantity below this is treated as fully closed.
const minQuantity = 1e-9

// orderClient is the governed execution surface the engine needs.
type orderClient interface {
	MarketBuy(ctx context.Context, symbol string, quoteNotional float64) (exchange.OrderResult, error)
	MarketSell(ctx context.Context, symbol string, quantity float64) (exchange.OrderResult, error)
}

// signalSource exposes the indicator worker's buy-candidate snapshot.
type signalSource interface {
	Buyable() (map[string]struct{}, int64)
}

// position is the engine-private state of one symbol's trade. Strategy
// parameters are resolved once at open time and held immutable.
type position struct {
	model.Position
	params   config.SymbolStrategyConfig
	entryQty float64
}

// Engine owns all positions. Exactly one goroutine runs the event loop;
// the mutex only guards external snapshots.
type Engine struct {
	cfg     config.StrategyConfig
	orders  orderClient
	signals signalSource
	log     *logger.Log

	mu        sync.RWMutex
	positions map[string]*position
	topN      model.SymbolSet

	Stuck       metrics.Counter
	ForcedExits metrics.Counter
}

func NewEngine(cfg config.StrategyConfig, orders orderClient, signals signalSource) *Engine {
	return &Engine{
		cfg:       cfg,
		orders:    orders,
		signals:   signals,
		log:       logger.GetLogger(),
		positions: make(map[string]*position),
	}
}

// Positions returns a snapshot of all live positions, including STUCK
// ones awaiting intervention.
func (e *Engine) Positions() []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Position)
	}
	return out
}

// Run drives the event loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context, ticks <-chan model.Tick, updates <-chan model.SymbolsUpdate) {
	log := e.log.WithComponent("strategy")
	log.WithFields(logger.Fields{
		"max_positions":      e.cfg.MaxConcurrentPositions,
		"max_total_notional": e.cfg.MaxTotalNotional,
	}).Info("strategy engine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("strategy engine stopped")
			return
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			e.rebind(ctx, u)
		case t, ok := <-ticks:
			if !ok {
				log.Info("tick stream closed, strategy engine stopped")
				return
			}
			e.onTick(ctx, t)
		}
	}
}

func (e *Engine) onTick(ctx context.Context, t model.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pos, held := e.positions[t.Symbol]; held {
		e.manage(ctx, pos, t.Price)
		return
	}
	e.maybeEnter(ctx, t)
}

// maybeEnter opens a position when the symbol is tradable, a buy signal
// is present, and the capital and concurrency limits permit.
func (e *Engine) maybeEnter(ctx context.Context, t model.Tick) {
	if !e.topN.Contains(t.Symbol) {
		return
	}
	buyable, _ := e.signals.Buyable()
	if _, ok := buyable[t.Symbol]; !ok {
		return
	}
	if e.openCount() >= e.cfg.MaxConcurrentPositions {
		return
	}

	params := e.cfg.Resolve(t.Symbol)
	notional := params.MaxPositionNotional
	if e.cfg.MaxTotalNotional > 0 && e.totalNotional()+notional > e.cfg.MaxTotalNotional {
		return
	}

	log := e.log.WithComponent("strategy").WithFields(logger.Fields{"symbol": t.Symbol})

	pos := &position{
		Position: model.Position{Symbol: t.Symbol, State: model.PositionEntering},
		params:   params,
	}
	e.positions[t.Symbol] = pos

	var res exchange.OrderResult
	err := e.withRetry(ctx, func() error {
		var err error
		res, err = e.orders.MarketBuy(ctx, t.Symbol, notional)
		return err
	})
	if err != nil || res.ExecutedQty < minQuantity {
		// Nothing was filled: no capital is at risk, so the slot is simply
		// released instead of escalating.
		delete(e.positions, t.Symbol)
		log.WithError(err).Warn("entry order failed, releasing slot")
		return
	}

	entry := res.AvgPrice
	if entry <= 0 {
		entry = t.Price
	}
	pos.State = model.PositionOpen
	pos.EntryPrice = entry
	pos.Quantity = res.ExecutedQty
	pos.entryQty = res.ExecutedQty
	pos.StopPrice = entry * (1 - params.StopLossPct/100)
	pos.HighWatermark = entry
	pos.OpenedAt = time.Now()

	log.WithFields(logger.Fields{
		"entry_price": entry,
		"quantity":    pos.Quantity,
		"stop_price":  pos.StopPrice,
	}).Info("position opened")
}

// manage advances an open position on a new price: ratchet the trailing
// stop, fire due partial exits, and close on stop or take-profit.
func (e *Engine) manage(ctx context.Context, pos *position, price float64) {
	if pos.State != model.PositionOpen {
		return
	}

	if price > pos.HighWatermark {
		pos.HighWatermark = price
	}
	profitPct := (price/pos.EntryPrice - 1) * 100

	if pos.params.TrailPct > 0 && !pos.TrailingArmed && profitPct >= pos.params.TrailActivationPct {
		pos.TrailingArmed = true
	}
	if pos.TrailingArmed {
		if trailed := pos.HighWatermark * (1 - pos.params.TrailPct/100); trailed > pos.StopPrice {
			pos.StopPrice = trailed
		}
	}

	if price <= pos.StopPrice {
		e.close(ctx, pos, model.PositionClosing, "stop")
		return
	}

	for pos.PartialExitStage < len(pos.params.PartialExitLevels) &&
		profitPct >= pos.params.PartialExitLevels[pos.PartialExitStage] {
		if !e.partialExit(ctx, pos) {
			return
		}
	}

	if pos.params.TakeProfitPct > 0 && profitPct >= pos.params.TakeProfitPct {
		e.close(ctx, pos, model.PositionClosing, "take_profit")
	}
}

// partialExit sells the configured fraction of the entry quantity for
// the current stage. The stage index advances exactly once per
// threshold, so a price re-crossing a level cannot fire it again.
// Returns false when the position left the OPEN path (closed or stuck).
func (e *Engine) partialExit(ctx context.Context, pos *position) bool {
	stage := pos.PartialExitStage
	qty := pos.entryQty * pos.params.PartialExitRatios[stage]
	if qty > pos.Quantity {
		qty = pos.Quantity
	}

	log := e.log.WithComponent("strategy").WithFields(logger.Fields{
		"symbol": pos.Symbol,
		"stage":  stage,
	})

	pos.State = model.PositionPartialExit
	var res exchange.OrderResult
	err := e.withRetry(ctx, func() error {
		var err error
		res, err = e.orders.MarketSell(ctx, pos.Symbol, qty)
		return err
	})
	if err != nil {
		pos.State = model.PositionStuck
		e.Stuck.Inc()
		log.WithError(err).Error("partial exit failed, position stuck")
		return false
	}

	pos.Quantity -= res.ExecutedQty
	pos.PartialExitStage = stage + 1
	log.WithFields(logger.Fields{
		"sold":      res.ExecutedQty,
		"remaining": pos.Quantity,
	}).Info("partial exit filled")

	if pos.Quantity < minQuantity {
		pos.State = model.PositionClosing
		e.release(pos, "partial exits complete")
		return false
	}
	pos.State = model.PositionOpen
	return true
}

// close liquidates the full remaining quantity and destroys the
// position. Persistent order failure parks it in STUCK instead of
// retrying forever.
func (e *Engine) close(ctx context.Context, pos *position, via model.PositionState, reason string) {
	pos.State = via

	log := e.log.WithComponent("strategy").WithFields(logger.Fields{
		"symbol": pos.Symbol,
		"reason": reason,
	})

	if pos.Quantity >= minQuantity {
		err := e.withRetry(ctx, func() error {
			_, err := e.orders.MarketSell(ctx, pos.Symbol, pos.Quantity)
			return err
		})
		if err != nil {
			pos.State = model.PositionStuck
			e.Stuck.Inc()
			log.WithError(err).Error("close order failed, position stuck")
			return
		}
	}
	e.release(pos, reason)
}

// release destroys a fully closed position; the symbol is FLAT again.
func (e *Engine) release(pos *position, reason string) {
	delete(e.positions, pos.Symbol)
	e.log.WithComponent("strategy").WithFields(logger.Fields{
		"symbol": pos.Symbol,
		"reason": reason,
	}).Info("position closed")
}

// rebind applies a symbol-set update. Positions on removed symbols are
// liquidated through FORCED_CLOSING before the update is considered
// handled; redundant deliveries are no-ops.
func (e *Engine) rebind(ctx context.Context, u model.SymbolsUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.topN = u.Set

	for sym, pos := range e.positions {
		if u.Set.Contains(sym) {
			continue
		}
		if pos.State == model.PositionStuck {
			continue
		}
		e.ForcedExits.Inc()
		e.log.WithComponent("strategy").WithFields(logger.Fields{
			"symbol":  sym,
			"version": u.Set.Version,
		}).Warn("symbol left tradable set, forcing liquidation")
		e.close(ctx, pos, model.PositionForcedClosing, "symbol removed")
	}
}

// CloseAll performs the best-effort shutdown liquidation of every
// position that still holds inventory.
func (e *Engine) CloseAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pos := range e.positions {
		if pos.State == model.PositionStuck {
			continue
		}
		e.close(ctx, pos, model.PositionClosing, "shutdown")
	}
}

// withRetry runs an order call up to the configured retry budget. The
// rate governor inside the client paces each attempt.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	attempts := e.cfg.OrderRetryMax
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", model.ErrOrderRetryBudget, err)
}

func (e *Engine) openCount() int {
	n := 0
	for _, p := range e.positions {
		if p.State != model.PositionStuck {
			n++
		}
	}
	return n
}

func (e *Engine) totalNotional() float64 {
	total := 0.0
	for _, p := range e.positions {
		total += p.Notional(p.EntryPrice)
	}
	return total
}
