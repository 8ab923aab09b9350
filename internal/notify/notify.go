// Package notify delivers execution events to logs, in-process subscribers and email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/events"
)

// Kind classifies a notification.
type Kind string

const (
	KindPositionOpened  Kind = "position_opened"
	KindPositionClosed  Kind = "position_closed"
	KindExecutionFailed Kind = "execution_failed"
	KindRiskAlert       Kind = "risk_alert"
	KindHealth          Kind = "health"
)

// Event is one notification.
type Event struct {
	Kind       Kind            `json:"kind"`
	UserID     string          `json:"user_id,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Action     string          `json:"action,omitempty"`
	Side       string          `json:"side,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	PnL        decimal.Decimal `json:"pnl"`
	PositionID string          `json:"position_id,omitempty"`
	Paper      bool            `json:"paper"`
	Message    string          `json:"message,omitempty"`
	// Email is the recipient address; empty when the user has notifications off.
	Email string    `json:"-"`
	At    time.Time `json:"at"`
}

// Subject is a one-line summary.
func (e Event) Subject() string {
	mode := "LIVE"
	if e.Paper {
		mode = "PAPER"
	}
	switch e.Kind {
	case KindPositionOpened:
		return fmt.Sprintf("[%s] Opened %s %s @ %s", mode, e.Side, e.Symbol, e.Price)
	case KindPositionClosed:
		return fmt.Sprintf("[%s] Closed %s %s @ %s, PnL %s", mode, e.Side, e.Symbol, e.Price, e.PnL)
	case KindExecutionFailed:
		return fmt.Sprintf("[%s] %s %s failed", mode, e.Action, e.Symbol)
	case KindRiskAlert:
		return fmt.Sprintf("Risk alert %s", e.Symbol)
	default:
		return string(e.Kind)
	}
}

// Body renders the event as plain text.
func (e Event) Body() string {
	var b strings.Builder
	b.WriteString(e.Subject())
	b.WriteString("\n\n")
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	line("Symbol", e.Symbol)
	line("Action", e.Action)
	line("Side", e.Side)
	if !e.Size.IsZero() {
		line("Size", e.Size.String())
	}
	if !e.Price.IsZero() {
		line("Price", e.Price.String())
	}
	if e.Kind == KindPositionClosed {
		line("Realized PnL", e.PnL.String())
	}
	line("Position", e.PositionID)
	line("Details", e.Message)
	if !e.At.IsZero() {
		line("Time", e.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Notifier delivers events. Delivery failures never affect execution outcomes.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Log writes every event to a zap logger.
type Log struct {
	L *zap.Logger
}

// Notify implements Notifier.
func (n Log) Notify(_ context.Context, e Event) error {
	if n.L == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("user_id", e.UserID),
		zap.String("symbol", e.Symbol),
		zap.Bool("paper", e.Paper),
	}
	if e.PositionID != "" {
		fields = append(fields, zap.String("position_id", e.PositionID))
	}
	switch e.Kind {
	case KindExecutionFailed, KindRiskAlert:
		n.L.Warn(e.Subject(), append(fields, zap.String("message", e.Message))...)
	default:
		n.L.Info(e.Subject(), fields...)
	}
	return nil
}

// Bus republishes events on the in-process event bus (consumed by the websocket stream).
type Bus struct {
	B *events.Bus
}

// Notify implements Notifier.
func (n Bus) Notify(_ context.Context, e Event) error {
	if n.B == nil {
		return nil
	}
	n.B.Publish(Topic(e.Kind), e.UserID, e)
	return nil
}

// Topic maps a notification kind to its event bus topic.
func Topic(k Kind) events.Event {
	switch k {
	case KindPositionOpened:
		return events.EventPositionOpened
	case KindPositionClosed:
		return events.EventPositionClosed
	case KindExecutionFailed:
		return events.EventExecutionError
	case KindHealth:
		return events.EventHealth
	default:
		return events.EventRiskAlert
	}
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
