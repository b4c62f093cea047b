package bus

import (
	"context"
	"testing"
	"time"

	"scalpflow/internal/model"
)

func TestFanOutDeliversToAllConsumers(t *testing.T) {
	in := make(chan model.Tick, 4)
	f := NewTickFanOut(in, 4, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	in <- model.Tick{Symbol: "BTCUSDT", Price: 100}

	for i := 0; i < 2; i++ {
		select {
		case tick := <-f.Out(i):
			if tick.Symbol != "BTCUSDT" {
				t.Errorf("consumer %d: unexpected tick %+v", i, tick)
			}
		case <-time.After(time.Second):
			t.Fatalf("consumer %d did not receive the tick", i)
		}
	}
}

func TestFanOutSlowConsumerDropsOldest(t *testing.T) {
	f := NewTickFanOut(make(chan model.Tick), 2, 1)

	// Deliver directly: the consumer never drains, so the third tick
	// must evict the first.
	for i := 1; i <= 3; i++ {
		f.deliver(model.Tick{Symbol: "BTCUSDT", Price: float64(i)})
	}

	if got := f.Dropped.Value(); got != 1 {
		t.Errorf("expected 1 dropped tick, got %d", got)
	}
	first := <-f.Out(0)
	second := <-f.Out(0)
	if first.Price != 2 || second.Price != 3 {
		t.Errorf("expected oldest evicted, kept %v and %v", first.Price, second.Price)
	}
}

func TestFanOutClosesOutputsOnInputClose(t *testing.T) {
	in := make(chan model.Tick)
	f := NewTickFanOut(in, 2, 2)

	done := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(done)
	}()

	close(in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out did not stop on input close")
	}
	if _, ok := <-f.Out(0); ok {
		t.Error("output channel should be closed")
	}
	if _, ok := <-f.Out(1); ok {
		t.Error("output channel should be closed")
	}
}
