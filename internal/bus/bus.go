// Package bus broadcasts symbol-set changes to the components that need
// to react to them: the stream reader (subscription reconciliation) and
// the strategy engine (rebind and forced liquidation).
package bus

import (
	"sync"

	"scalpflow/internal/model"
	"scalpflow/logger"
)

const subscriberBuffer = 16

// Bus is a typed broadcast channel for symbol-set updates. Delivery is
// at-least-once: every update carries the full versioned set, so a
// consumer that misses an intermediate event converges on the next one.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan model.SymbolsUpdate
	log  *logger.Log
}

func New() *Bus {
	return &Bus{
		subs: make(map[string]chan model.SymbolsUpdate),
		log:  logger.GetLogger(),
	}
}

// Subscribe registers a named consumer and returns its update channel.
// Subscribing twice under the same name replaces the previous channel.
func (b *Bus) Subscribe(name string) <-chan model.SymbolsUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan model.SymbolsUpdate, subscriberBuffer)
	b.subs[name] = ch
	return ch
}

// Publish fans the update out to every subscriber. A slow subscriber
// loses its oldest pending update rather than blocking the publisher;
// since each event carries the complete set this is safe.
func (b *Bus) Publish(update model.SymbolsUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.subs {
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
			b.log.WithComponent("bus").WithFields(logger.Fields{
				"subscriber": name,
				"version":    update.Set.Version,
			}).Warn("subscriber lagging, replaced oldest pending update")
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
