// Package governor mediates every outbound REST call through
// per-endpoint-class token buckets. Calls are never rejected for lack of
// tokens, only delayed; the wait is computed analytically by the bucket,
// so a starved class never burns CPU and never blocks other classes.
package governor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"scalpflow/config"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// Class identifies an endpoint class with its own rate budget.
type Class string

const (
	ClassOrder   Class = "order"
	ClassCancel  Class = "cancel"
	ClassAccount Class = "account"
	ClassMarket  Class = "market"
)

// Governor owns one token bucket per endpoint class. The buckets refill
// continuously at their configured rate up to capacity.
type Governor struct {
	buckets map[Class]*rate.Limiter
	log     *logger.Log
}

// New builds a governor from the per-class bucket configuration.
func New(cfg config.GovernorConfig) *Governor {
	log := logger.GetLogger()

	g := &Governor{
		buckets: map[Class]*rate.Limiter{
			ClassOrder:   rate.NewLimiter(rate.Limit(cfg.Order.RefillRate), cfg.Order.Capacity),
			ClassCancel:  rate.NewLimiter(rate.Limit(cfg.Cancel.RefillRate), cfg.Cancel.Capacity),
			ClassAccount: rate.NewLimiter(rate.Limit(cfg.Account.RefillRate), cfg.Account.Capacity),
			ClassMarket:  rate.NewLimiter(rate.Limit(cfg.Market.RefillRate), cfg.Market.Capacity),
		},
		log: log,
	}

	log.WithComponent("governor").WithFields(logger.Fields{
		"order_capacity":   cfg.Order.Capacity,
		"cancel_capacity":  cfg.Cancel.Capacity,
		"account_capacity": cfg.Account.Capacity,
		"market_capacity":  cfg.Market.Capacity,
	}).Info("rate governor initialized")

	return g
}

// Acquire blocks the caller until one token is available in the class's
// bucket, deducts it and returns. It fails only when the class is unknown
// (a programming error) or the context is cancelled while waiting.
func (g *Governor) Acquire(ctx context.Context, class Class) error {
	return g.AcquireN(ctx, class, 1)
}

// AcquireN acquires cost tokens from the class's bucket. Waits of
// cancelled contexts return the tokens to the bucket.
func (g *Governor) AcquireN(ctx context.Context, class Class, cost int) error {
	bucket, ok := g.buckets[class]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownEndpointClass, class)
	}
	return bucket.WaitN(ctx, cost)
}
