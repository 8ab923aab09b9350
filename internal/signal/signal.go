// Package signal validates inbound webhook payloads into canonical trade signals.
package signal

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the normalized signal verb.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// Source tells where a signal came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceMonitor Source = "monitor"
	SourceManual  Source = "manual"
)

// TradeSignal is an immutable, validated instruction for one user and symbol.
type TradeSignal struct {
	ID         string
	UserID     string
	Symbol     string
	Action     Action
	Price      decimal.Decimal // zero when absent
	Size       decimal.Decimal // zero means use the configured default
	Source     Source
	Reason     string
	PositionID string // when set, a CLOSE only applies to this position
	ReceivedAt time.Time
}

// Key is the serialization key for the signal's (user, symbol) pair.
func (s TradeSignal) Key() string {
	return SlotKey(s.UserID, s.Symbol)
}

// SlotKey builds the per-(user, symbol) key shared by the dispatcher and monitor.
func SlotKey(userID, symbol string) string {
	return userID + "|" + strings.ToUpper(symbol)
}

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid signal")
	// ErrUnknownToken is returned when a webhook token maps to no active user.
	ErrUnknownToken = errors.New("unknown webhook token")
)

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}
