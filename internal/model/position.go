package model

import "time"

// PositionState enumerates the lifecycle of a per-symbol position.
type PositionState string

const (
	PositionFlat          PositionState = "FLAT"
	PositionEntering      PositionState = "ENTERING"
	PositionOpen          PositionState = "OPEN"
	PositionPartialExit   PositionState = "PARTIAL_EXITING"
	PositionClosing       PositionState = "CLOSING"
	PositionForcedClosing PositionState = "FORCED_CLOSING"
	// PositionStuck marks a position whose orders failed past the retry
	// budget. It requires external intervention and is never retried
	// automatically.
	PositionStuck PositionState = "STUCK"
)

// Position is the exclusive state of one symbol's trade, owned by the
// strategy engine. At most one position exists per symbol.
type Position struct {
	Symbol           string
	State            PositionState
	EntryPrice       float64
	Quantity         float64
	StopPrice        float64
	HighWatermark    float64
	TrailingArmed    bool
	PartialExitStage int
	OpenedAt         time.Time
}

// Notional returns the current nominal value of the position at the
// given price.
func (p *Position) Notional(price float64) float64 {
	return p.Quantity * price
}
