package model

import "errors"

// Error taxonomy. Connectivity and rate-limit waits are absorbed inside
// their owning components; only these sentinels cross boundaries.
var (
	// ErrUnknownEndpointClass signals a programming error: a caller asked
	// the rate governor for a class that was never registered.
	ErrUnknownEndpointClass = errors.New("unknown endpoint class")

	// ErrReconnectBudget is raised when the stream reconnect budget is
	// exhausted. It is the only condition that terminates the process.
	ErrReconnectBudget = errors.New("reconnect budget exhausted")

	// ErrStreamStalled marks a heartbeat timeout on the market stream.
	ErrStreamStalled = errors.New("stream stalled: no message within heartbeat timeout")

	// ErrOrderRetryBudget is returned when order placement or
	// cancellation kept failing past the configured retry budget.
	ErrOrderRetryBudget = errors.New("order retry budget exhausted")

	// ErrEligibilityUnavailable marks a failed eligibility or ranking
	// fetch; callers fall back to the previous cached result.
	ErrEligibilityUnavailable = errors.New("eligibility data unavailable")
)
