package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scalpflow/config"
	"scalpflow/internal/exchange"
	"scalpflow/internal/model"
)

type orderCall struct {
	side     string
	symbol   string
	notional float64
	quantity float64
}

type fakeOrders struct {
	mu      sync.Mutex
	calls   []orderCall
	buyErr  error
	sellErr error
}

func (f *fakeOrders) MarketBuy(_ context.Context, symbol string, notional float64) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderCall{side: "BUY", symbol: symbol, notional: notional})
	if f.buyErr != nil {
		return exchange.OrderResult{}, f.buyErr
	}
	// Fill at 100 for the full notional.
	return exchange.OrderResult{OrderID: int64(len(f.calls)), ExecutedQty: notional / 100, AvgPrice: 100}, nil
}

func (f *fakeOrders) MarketSell(_ context.Context, symbol string, quantity float64) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderCall{side: "SELL", symbol: symbol, quantity: quantity})
	if f.sellErr != nil {
		return exchange.OrderResult{}, f.sellErr
	}
	return exchange.OrderResult{OrderID: int64(len(f.calls)), ExecutedQty: quantity, AvgPrice: 100}, nil
}

func (f *fakeOrders) sells(symbol string) []orderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orderCall
	for _, c := range f.calls {
		if c.side == "SELL" && c.symbol == symbol {
			out = append(out, c)
		}
	}
	return out
}

type fakeSignals struct {
	set map[string]struct{}
}

func (f *fakeSignals) Buyable() (map[string]struct{}, int64) {
	out := make(map[string]struct{}, len(f.set))
	for s := range f.set {
		out[s] = struct{}{}
	}
	return out, 1
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MaxConcurrentPositions: 2,
		MaxTotalNotional:       1000,
		OrderRetryMax:          2,
		Default: config.SymbolStrategyConfig{
			MaxPositionNotional: 500,
			TakeProfitPct:       10,
			StopLossPct:         2,
			TrailPct:            1,
			TrailActivationPct:  1,
			PartialExitLevels:   []float64{2, 4},
			PartialExitRatios:   []float64{0.5, 0.5},
		},
	}
}

func newTestEngine(orders *fakeOrders, signals *fakeSignals, topN ...string) *Engine {
	if signals == nil {
		signals = &fakeSignals{}
	}
	e := NewEngine(testStrategyConfig(), orders, signals)
	e.topN = model.SymbolSet{Version: 1, Symbols: topN}
	return e
}

func tick(sym string, price float64) model.Tick {
	return model.Tick{Symbol: sym, Timestamp: time.Now(), Price: price}
}

func livePosition(e *Engine, sym string) (model.Position, bool) {
	for _, p := range e.Positions() {
		if p.Symbol == sym {
			return p, true
		}
	}
	return model.Position{}, false
}

func TestEntryRequiresSetMembershipAndSignal(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}, "DOGEUSDT": {}}}
	e := newTestEngine(orders, signals, "BTCUSDT", "ETHUSDT")
	ctx := context.Background()

	// Signal but not in the tradable set.
	e.onTick(ctx, tick("DOGEUSDT", 100))
	// In the set but no signal.
	e.onTick(ctx, tick("ETHUSDT", 100))
	if len(orders.calls) != 0 {
		t.Fatalf("expected no orders, got %+v", orders.calls)
	}

	// Both conditions hold.
	e.onTick(ctx, tick("BTCUSDT", 100))
	if len(orders.calls) != 1 || orders.calls[0].side != "BUY" {
		t.Fatalf("expected one buy, got %+v", orders.calls)
	}

	pos, ok := livePosition(e, "BTCUSDT")
	if !ok || pos.State != model.PositionOpen {
		t.Fatalf("expected OPEN position, got %+v", pos)
	}
	if pos.EntryPrice != 100 || pos.Quantity != 5 {
		t.Errorf("unexpected fill: %+v", pos)
	}
	if pos.StopPrice != 98 {
		t.Errorf("expected initial stop 98, got %v", pos.StopPrice)
	}
}

func TestConcurrencyAndNotionalLimits(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"AUSDT": {}, "BUSDT": {}, "CUSDT": {}}}
	e := newTestEngine(orders, signals, "AUSDT", "BUSDT", "CUSDT")
	ctx := context.Background()

	e.onTick(ctx, tick("AUSDT", 100))
	e.onTick(ctx, tick("BUSDT", 100))
	// Both the concurrency cap (2) and the notional cap (1000 = 2*500)
	// are exhausted now.
	e.onTick(ctx, tick("CUSDT", 100))

	if got := len(e.Positions()); got != 2 {
		t.Fatalf("expected 2 positions, got %d", got)
	}
	if _, ok := livePosition(e, "CUSDT"); ok {
		t.Error("third entry should have been rejected by the limits")
	}
}

// A monotonically increasing price path must never lower the stop, and
// the trailing stop must ratchet up once armed.
func TestTrailingStopRatchetsAndNeverLoosens(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	cfg := testStrategyConfig()
	cfg.Default.TakeProfitPct = 0 // isolate the trailing-stop path
	cfg.Default.PartialExitLevels = nil
	cfg.Default.PartialExitRatios = nil
	e := NewEngine(cfg, orders, signals)
	e.topN = model.SymbolSet{Version: 1, Symbols: []string{"BTCUSDT"}}
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100))

	prevStop := 0.0
	for _, price := range []float64{100.5, 101, 101.5, 102, 103, 104} {
		e.onTick(ctx, tick("BTCUSDT", price))
		pos, ok := livePosition(e, "BTCUSDT")
		if !ok {
			t.Fatalf("position closed unexpectedly at %v", price)
		}
		if pos.StopPrice < prevStop {
			t.Fatalf("stop loosened at price %v: %v -> %v", price, prevStop, pos.StopPrice)
		}
		prevStop = pos.StopPrice
	}

	// At the high of 104 the armed trail holds the stop at 104*(1-1%).
	if want := 104 * 0.99; prevStop != want {
		t.Errorf("expected trailed stop %v, got %v", want, prevStop)
	}

	// A price at or below the stop closes the full position.
	e.onTick(ctx, tick("BTCUSDT", prevStop))
	if _, ok := livePosition(e, "BTCUSDT"); ok {
		t.Fatal("position should be closed after stop touch")
	}
	sells := orders.sells("BTCUSDT")
	if len(sells) == 0 {
		t.Fatal("expected a closing sell")
	}
}

// Each partial-exit threshold fires exactly once even when price
// re-crosses it, and the final stage takes the position through a full
// close.
func TestPartialExitsFireExactlyOnce(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	cfg := testStrategyConfig()
	cfg.Default.TrailPct = 0 // isolate the partial-exit path
	cfg.Default.StopLossPct = 50
	e := NewEngine(cfg, orders, signals)
	e.topN = model.SymbolSet{Version: 1, Symbols: []string{"BTCUSDT"}}
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100)) // entry: qty 5 at 100

	// Cross the first level (+2%), dip back, cross it again.
	e.onTick(ctx, tick("BTCUSDT", 102.5))
	e.onTick(ctx, tick("BTCUSDT", 101))
	e.onTick(ctx, tick("BTCUSDT", 102.5))

	sells := orders.sells("BTCUSDT")
	if len(sells) != 1 {
		t.Fatalf("first threshold fired %d times, want 1", len(sells))
	}
	if sells[0].quantity != 2.5 {
		t.Errorf("expected half the entry quantity (2.5), sold %v", sells[0].quantity)
	}
	pos, _ := livePosition(e, "BTCUSDT")
	if pos.PartialExitStage != 1 || pos.State != model.PositionOpen {
		t.Fatalf("unexpected position after stage 1: %+v", pos)
	}

	// The second level exhausts the remaining quantity and the position
	// is destroyed.
	e.onTick(ctx, tick("BTCUSDT", 104.5))
	sells = orders.sells("BTCUSDT")
	if len(sells) != 2 {
		t.Fatalf("expected 2 sells total, got %d", len(sells))
	}
	if _, ok := livePosition(e, "BTCUSDT"); ok {
		t.Error("position should be flat after the final partial exit")
	}
}

// One tick far above several thresholds fires each pending stage once,
// in order.
func TestGapTickFiresAllDueStages(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	cfg := testStrategyConfig()
	cfg.Default.TrailPct = 0
	cfg.Default.TakeProfitPct = 0
	e := NewEngine(cfg, orders, signals)
	e.topN = model.SymbolSet{Version: 1, Symbols: []string{"BTCUSDT"}}
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100))
	e.onTick(ctx, tick("BTCUSDT", 105)) // above both +2% and +4%

	if sells := orders.sells("BTCUSDT"); len(sells) != 2 {
		t.Fatalf("expected both stages to fire on the gap, got %d sells", len(sells))
	}
	if _, ok := livePosition(e, "BTCUSDT"); ok {
		t.Error("position should be flat after all stages")
	}
}

// Removing a symbol from the tradable set while its position is open
// must force a full liquidation before the update is acknowledged.
func TestForcedCloseOnSymbolRemoval(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	e := newTestEngine(orders, signals, "BTCUSDT", "ETHUSDT")
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100))

	e.rebind(ctx, model.SymbolsUpdate{
		Set:     model.SymbolSet{Version: 2, Symbols: []string{"ETHUSDT", "SOLUSDT"}},
		Added:   []string{"SOLUSDT"},
		Removed: []string{"BTCUSDT"},
	})

	sells := orders.sells("BTCUSDT")
	if len(sells) != 1 || sells[0].quantity != 5 {
		t.Fatalf("expected one full-exit sell of 5, got %+v", sells)
	}
	if _, ok := livePosition(e, "BTCUSDT"); ok {
		t.Error("position should be destroyed after forced close")
	}
	if got := e.ForcedExits.Value(); got != 1 {
		t.Errorf("expected 1 forced exit, got %d", got)
	}

	// Redundant delivery of the same update is a no-op.
	e.rebind(ctx, model.SymbolsUpdate{
		Set:     model.SymbolSet{Version: 2, Symbols: []string{"ETHUSDT", "SOLUSDT"}},
		Removed: []string{"BTCUSDT"},
	})
	if got := len(orders.sells("BTCUSDT")); got != 1 {
		t.Errorf("redundant update triggered another sell: %d", got)
	}
}

func TestRetryBudgetExhaustionParksPositionStuck(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	e := newTestEngine(orders, signals, "BTCUSDT")
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100))
	callsAfterEntry := len(orders.calls)

	orders.sellErr = errors.New("exchange rejected")
	e.onTick(ctx, tick("BTCUSDT", 97)) // stop at 98 is breached

	pos, ok := livePosition(e, "BTCUSDT")
	if !ok || pos.State != model.PositionStuck {
		t.Fatalf("expected STUCK position, got %+v", pos)
	}
	if got := e.Stuck.Value(); got != 1 {
		t.Errorf("expected stuck counter 1, got %d", got)
	}
	// OrderRetryMax = 2: exactly two sell attempts, no more.
	if got := len(orders.calls) - callsAfterEntry; got != 2 {
		t.Errorf("expected 2 sell attempts, got %d", got)
	}

	// A stuck position is never retried automatically.
	e.onTick(ctx, tick("BTCUSDT", 90))
	if got := len(orders.calls) - callsAfterEntry; got != 2 {
		t.Errorf("stuck position was retried: %d attempts", got)
	}
}

func TestEntryFailureReleasesSlot(t *testing.T) {
	orders := &fakeOrders{buyErr: errors.New("insufficient balance")}
	signals := &fakeSignals{set: map[string]struct{}{"BTCUSDT": {}}}
	e := newTestEngine(orders, signals, "BTCUSDT")
	ctx := context.Background()

	e.onTick(ctx, tick("BTCUSDT", 100))
	if got := len(e.Positions()); got != 0 {
		t.Fatalf("failed entry left a position behind: %d", got)
	}

	// The slot is free: a later signal can try again.
	orders.buyErr = nil
	e.onTick(ctx, tick("BTCUSDT", 100))
	if pos, ok := livePosition(e, "BTCUSDT"); !ok || pos.State != model.PositionOpen {
		t.Fatalf("expected reopened position, got %+v", pos)
	}
}

func TestCloseAllLiquidatesOnShutdown(t *testing.T) {
	orders := &fakeOrders{}
	signals := &fakeSignals{set: map[string]struct{}{"AUSDT": {}, "BUSDT": {}}}
	e := newTestEngine(orders, signals, "AUSDT", "BUSDT")
	ctx := context.Background()

	e.onTick(ctx, tick("AUSDT", 100))
	e.onTick(ctx, tick("BUSDT", 100))

	e.CloseAll(ctx)
	if got := len(e.Positions()); got != 0 {
		t.Errorf("expected all positions closed, %d remain", got)
	}
	if got := len(orders.sells("AUSDT")) + len(orders.sells("BUSDT")); got != 2 {
		t.Errorf("expected 2 closing sells, got %d", got)
	}
}
