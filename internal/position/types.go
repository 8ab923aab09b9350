// Package position persists positions and the append-only trade ledger.
package position

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signal-core/internal/risk"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Result is the outcome recorded on a trade.
type Result string

const (
	ResultSuccess   Result = "SUCCESS"
	ResultFailed    Result = "FAILED"
	ResultSimulated Result = "SIMULATED"
)

var (
	ErrNotFound    = errors.New("position not found")
	ErrAlreadyOpen = errors.New("an open position already exists for this symbol")
	ErrNotOpen     = errors.New("position is not open")
	ErrUnavailable = errors.New("position store unavailable")
)

// Position is one holding of a symbol by a user.
type Position struct {
	ID                    string              `json:"id"`
	UserID                string              `json:"user_id"`
	Symbol                string              `json:"symbol"`
	Side                  risk.Side           `json:"side"`
	Exchange              string              `json:"exchange"`
	EntryPrice            decimal.Decimal     `json:"entry_price"`
	Size                  decimal.Decimal     `json:"size"`
	HighestFavorablePrice decimal.Decimal     `json:"highest_favorable_price"`
	TrailingStopEnabled   bool                `json:"trailing_stop_enabled"`
	TrailingStopPercent   decimal.Decimal     `json:"trailing_stop_percent"`
	StopLossPercent       decimal.Decimal     `json:"stop_loss_percent"`
	TakeProfitPercent     decimal.Decimal     `json:"take_profit_percent"`
	Status                Status              `json:"status"`
	IsPaper               bool                `json:"is_paper"`
	ExitPrice             decimal.NullDecimal `json:"exit_price"`
	RealizedPnL           decimal.NullDecimal `json:"realized_pnl"`
	CloseReason           string              `json:"close_reason,omitempty"`
	OpenedAt              time.Time           `json:"opened_at"`
	ClosedAt              *time.Time          `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position is still OPEN.
func (p Position) IsOpen() bool { return p.Status == StatusOpen }

// Trade is an append-only record of one execution attempt.
type Trade struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	PositionID  string              `json:"position_id,omitempty"`
	Action      string              `json:"action"`
	Side        risk.Side           `json:"side,omitempty"`
	Symbol      string              `json:"symbol"`
	Price       decimal.Decimal     `json:"price"`
	Size        decimal.Decimal     `json:"size"`
	Fee         decimal.Decimal     `json:"fee"`
	Exchange    string              `json:"exchange"`
	Result      Result              `json:"result"`
	OrderID     string              `json:"order_id,omitempty"`
	Error       string              `json:"error,omitempty"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"`
	IsPaper     bool                `json:"is_paper"`
	CreatedAt   time.Time           `json:"created_at"`
}
