package model

import "time"

// Tick is a single normalized real-time trade update for one symbol,
// produced by the stream reader. Ticks are immutable once emitted.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Volume    float64
}

// SymbolSet is a versioned, immutable snapshot of an ordered symbol
// selection. Readers must never mutate Symbols.
type SymbolSet struct {
	Version int64
	Symbols []string
}

// Contains reports whether sym is part of the snapshot.
func (s SymbolSet) Contains(sym string) bool {
	for _, v := range s.Symbols {
		if v == sym {
			return true
		}
	}
	return false
}

// Diff compares the snapshot against a previous one and returns the
// symbols that were added and removed. The two result slices are
// always disjoint.
func (s SymbolSet) Diff(prev SymbolSet) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev.Symbols))
	for _, sym := range prev.Symbols {
		prevSet[sym] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(s.Symbols))
	for _, sym := range s.Symbols {
		curSet[sym] = struct{}{}
		if _, ok := prevSet[sym]; !ok {
			added = append(added, sym)
		}
	}
	for _, sym := range prev.Symbols {
		if _, ok := curSet[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	return added, removed
}

// SymbolsUpdate is the event broadcast when the tradable symbol set
// changes. Added and Removed are disjoint; delivery is at-least-once so
// consumers must apply updates idempotently.
type SymbolsUpdate struct {
	Set     SymbolSet
	Added   []string
	Removed []string
}
