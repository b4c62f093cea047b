// Package symbols selects the size-bounded, churn-damped set of symbols
// the bot actively trades. Eligibility and ranking run on their own
// schedules, independent of the market tick stream.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scalpflow/config"
	"scalpflow/internal/bus"
	"scalpflow/internal/exchange"
	"scalpflow/internal/model"
	"scalpflow/logger"
)

// marketData is the REST surface the manager needs.
type marketData interface {
	ListMarkets(ctx context.Context) ([]exchange.MarketInfo, error)
	TickerStats(ctx context.Context) ([]exchange.TickerStats, error)
}

// candidateSource exposes the indicator worker's buy-candidate set.
type candidateSource interface {
	Buyable() (map[string]struct{}, int64)
}

// Manager maintains the top-N tradable set and broadcasts changes.
type Manager struct {
	cfg        config.SymbolsConfig
	quote      string
	client     marketData
	candidates candidateSource
	bus        *bus.Bus
	log        *logger.Log

	mu       sync.RWMutex
	current  model.SymbolSet
	eligible map[string]bool
	// missingSince tracks when a held symbol first went unranked or
	// ineligible; removal happens only after MinStableTime.
	missingSince map[string]time.Time
	// eligibleAt stamps the eligibility snapshot; ranking refuses to run
	// against one past its TTL.
	eligibleAt time.Time
}

func NewManager(cfg config.SymbolsConfig, quote string, client marketData, candidates candidateSource, b *bus.Bus) *Manager {
	return &Manager{
		cfg:          cfg,
		quote:        quote,
		client:       client,
		candidates:   candidates,
		bus:          b,
		log:          logger.GetLogger(),
		eligible:     make(map[string]bool),
		missingSince: make(map[string]time.Time),
	}
}

// Symbols returns the current top-N set as an immutable snapshot.
func (m *Manager) Symbols() model.SymbolSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Run drives the two cadences until the context is cancelled. The first
// pass runs immediately so the bot does not trade blind for an hour.
func (m *Manager) Run(ctx context.Context) {
	log := m.log.WithComponent("symbols")
	log.WithFields(logger.Fields{
		"top_n":            m.cfg.TopN,
		"ranking_interval": m.cfg.RankingInterval.String(),
		"min_stable_time":  m.cfg.MinStableTime.String(),
	}).Info("symbol manager started")

	if err := m.refreshEligibility(ctx); err != nil {
		log.WithError(err).Warn("initial eligibility pass failed")
	}
	if err := m.refreshRanking(ctx, time.Now()); err != nil {
		log.WithError(err).Warn("initial ranking pass failed")
	}

	eligibilityTicker := time.NewTicker(m.cfg.EligibilityInterval)
	rankingTicker := time.NewTicker(m.cfg.RankingInterval)
	defer eligibilityTicker.Stop()
	defer rankingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("symbol manager stopped")
			return
		case <-eligibilityTicker.C:
			if err := m.refreshEligibility(ctx); err != nil {
				log.WithError(err).Warn("eligibility pass failed, keeping cached snapshot")
			}
		case <-rankingTicker.C:
			if err := m.refreshRanking(ctx, time.Now()); err != nil {
				log.WithError(err).Warn("ranking pass failed, keeping previous set")
			}
		}
	}
}

// refreshEligibility runs the coarse safety pass over the full market
// universe. A fetch failure keeps the previous cached snapshot.
func (m *Manager) refreshEligibility(ctx context.Context) error {
	markets, err := m.client.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrEligibilityUnavailable, err)
	}

	eligible := make(map[string]bool, len(markets))
	for _, mk := range markets {
		if mk.Status != "TRADING" || !mk.SpotOK {
			continue
		}
		if m.quote != "" && mk.QuoteAsset != m.quote {
			continue
		}
		eligible[mk.Symbol] = true
	}

	m.mu.Lock()
	m.eligible = eligible
	m.eligibleAt = time.Now()
	m.mu.Unlock()

	m.log.WithComponent("symbols").WithFields(logger.Fields{
		"eligible": len(eligible),
		"universe": len(markets),
	}).Info("eligibility snapshot refreshed")
	return nil
}

// refreshRanking runs the fine liquidity ranking and reconciles the
// top-N set. A fetch failure leaves the set untouched.
func (m *Manager) refreshRanking(ctx context.Context, now time.Time) error {
	m.mu.RLock()
	eligibleAt := m.eligibleAt
	m.mu.RUnlock()

	// Ranking against a stale safety snapshot could admit a market that
	// has since been halted or delisted.
	if eligibleAt.IsZero() || now.Sub(eligibleAt) > 2*m.cfg.EligibilityInterval {
		return fmt.Errorf("%w: eligibility snapshot missing or stale", model.ErrEligibilityUnavailable)
	}

	stats, err := m.client.TickerStats(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrEligibilityUnavailable, err)
	}

	buyable, _ := m.candidates.Buyable()

	m.mu.Lock()
	defer m.mu.Unlock()

	ranked := m.rank(stats, buyable)
	next := m.reconcile(ranked, now)

	added, removed := next.Diff(m.current)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	next.Version = m.current.Version + 1
	m.current = next

	m.log.WithComponent("symbols").WithFields(logger.Fields{
		"version": next.Version,
		"symbols": next.Symbols,
		"added":   added,
		"removed": removed,
	}).Info("top-N symbol set updated")

	if m.bus != nil {
		m.bus.Publish(model.SymbolsUpdate{Set: next, Added: added, Removed: removed})
	}
	return nil
}

// rank filters the 24h stats down to eligible, sufficiently liquid
// symbols and orders them by traded value descending. The candidate-set
// intersection only applies once the indicator worker has produced
// candidates; on a cold start ranking is by traded value alone.
func (m *Manager) rank(stats []exchange.TickerStats, buyable map[string]struct{}) []string {
	filtered := make([]exchange.TickerStats, 0, len(stats))
	for _, s := range stats {
		if !m.eligible[s.Symbol] {
			continue
		}
		if s.QuoteVolume < m.cfg.MinQuoteVolume {
			continue
		}
		if len(buyable) > 0 {
			if _, ok := buyable[s.Symbol]; !ok {
				continue
			}
		}
		filtered = append(filtered, s)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QuoteVolume > filtered[j].QuoteVolume
	})

	ranked := make([]string, 0, len(filtered))
	for _, s := range filtered {
		ranked = append(ranked, s.Symbol)
	}
	return ranked
}

// reconcile merges the fresh ranking with the held set, applying the
// stability window so one bad cycle cannot churn subscriptions. The
// result never exceeds TopN symbols.
func (m *Manager) reconcile(ranked []string, now time.Time) model.SymbolSet {
	desired := ranked
	if len(desired) > m.cfg.TopN {
		desired = desired[:m.cfg.TopN]
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, sym := range desired {
		desiredSet[sym] = struct{}{}
		delete(m.missingSince, sym)
	}

	held := make(map[string]struct{}, len(m.current.Symbols))
	for _, sym := range m.current.Symbols {
		held[sym] = struct{}{}
	}

	// Held symbols that are still ranked keep their slots outright; the
	// stability window only ever decides the fate of unranked ones.
	next := make([]string, 0, m.cfg.TopN)
	for _, sym := range desired {
		if _, ok := held[sym]; ok {
			next = append(next, sym)
		}
	}

	// Held symbols that fell out of the desired set stay until they have
	// been continuously missing for MinStableTime.
	for _, sym := range m.current.Symbols {
		if _, ok := desiredSet[sym]; ok {
			continue
		}
		since, tracked := m.missingSince[sym]
		if !tracked {
			m.missingSince[sym] = now
			next = append(next, sym)
			continue
		}
		if now.Sub(since) < m.cfg.MinStableTime {
			next = append(next, sym)
			continue
		}
		delete(m.missingSince, sym)
	}

	// Newcomers only get whatever budget the held symbols left free.
	for _, sym := range desired {
		if len(next) >= m.cfg.TopN {
			break
		}
		if _, ok := held[sym]; ok {
			continue
		}
		next = append(next, sym)
	}

	return model.SymbolSet{Version: m.current.Version, Symbols: next}
}
