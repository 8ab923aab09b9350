// Package dispatch executes trade signals one at a time per (user, symbol).
package dispatch

import (
	"errors"

	"signal-core/internal/market"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/signal"
)

// Execution error taxonomy. Each Outcome failure matches exactly one of these.
var (
	ErrValidation            = signal.ErrValidation
	ErrNoCredentials         = order.ErrNoCredentials
	ErrMarketDataUnavailable = market.ErrUnavailable
	ErrStoreUnavailable      = position.ErrUnavailable
	ErrExecutorFailure       = errors.New("executor failure")
	ErrBusy                  = errors.New("slot busy")
	ErrClosed                = errors.New("dispatcher closed")
)

// Code maps an error onto its stable taxonomy code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNoCredentials):
		return "NO_CREDENTIALS"
	case errors.Is(err, ErrMarketDataUnavailable):
		return "MARKET_DATA_UNAVAILABLE"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrClosed):
		return "SHUTTING_DOWN"
	default:
		return "EXECUTOR_FAILURE"
	}
}
