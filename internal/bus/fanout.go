package bus

import (
	"context"

	"scalpflow/internal/metrics"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// TickFanOut duplicates one tick stream to a fixed number of consumers.
// Each consumer has its own bounded buffer; a consumer that falls behind
// loses its oldest pending tick, so per-symbol ordering is preserved and
// a slow consumer never stalls the others.
type TickFanOut struct {
	in   <-chan model.Tick
	outs []chan model.Tick
	log  *logger.Log

	Dropped metrics.Counter
}

func NewTickFanOut(in <-chan model.Tick, buffer, consumers int) *TickFanOut {
	outs := make([]chan model.Tick, consumers)
	for i := range outs {
		outs[i] = make(chan model.Tick, buffer)
	}
	return &TickFanOut{in: in, outs: outs, log: logger.GetLogger()}
}

// Out returns consumer i's tick channel.
func (f *TickFanOut) Out(i int) <-chan model.Tick { return f.outs[i] }

// Run pumps the input stream until the context is cancelled or the
// input closes; output channels are closed on exit.
func (f *TickFanOut) Run(ctx context.Context) {
	defer func() {
		for _, out := range f.outs {
			close(out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-f.in:
			if !ok {
				return
			}
			f.deliver(t)
		}
	}
}

func (f *TickFanOut) deliver(t model.Tick) {
	for _, out := range f.outs {
		select {
		case out <- t:
			continue
		default:
		}
		select {
		case <-out:
			f.Dropped.Inc()
			metrics.EmitDropMetric(f.log, metrics.DropMetricTickOverflow, t.Symbol, "fanout")
		default:
		}
		select {
		case out <- t:
		default:
		}
	}
}
