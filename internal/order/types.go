// Package order executes opens and closes either against an exchange or a paper ledger.
package order

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"signal-core/internal/risk"
	exchange "signal-core/pkg/exchanges/common"
)

var (
	// ErrNoCredentials means live trading was requested but no usable exchange credential exists.
	ErrNoCredentials = errors.New("no exchange credentials configured")
	// ErrNoFill means the venue accepted the request but executed nothing.
	ErrNoFill = errors.New("order not filled")
	// ErrPartialFill means part of a close executed before a later leg failed.
	// The returned Fill carries the executed part.
	ErrPartialFill = errors.New("order partially filled")
	// ErrInvalidRequest rejects requests with a missing symbol or non-positive size.
	ErrInvalidRequest = errors.New("invalid order request")
)

// Executor is the order-execution capability shared by live and paper trading.
type Executor interface {
	Open(ctx context.Context, req OpenRequest) (Fill, error)
	Close(ctx context.Context, req CloseRequest) (Fill, error)
	Paper() bool
}

// OpenRequest opens a new position of Side with Size units.
type OpenRequest struct {
	UserID          string
	Symbol          string
	Exchange        string
	Side            risk.Side
	Size            decimal.Decimal
	RefPrice        decimal.Decimal // market price at decision time
	SlippagePercent decimal.Decimal
	TradingMode     string
	ClientID        string
}

// CloseRequest exits Size units of a position on Side.
type CloseRequest struct {
	UserID          string
	Symbol          string
	Exchange        string
	Side            risk.Side // side of the position being closed
	Size            decimal.Decimal
	RefPrice        decimal.Decimal // zero when unknown
	SlippagePercent decimal.Decimal
	TradingMode     string
	ClientID        string
}

// Fill is the executed result of an open or close.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Fee       decimal.Decimal `json:"fee"`
	Simulated bool            `json:"simulated"`
}

// EntrySide is the order side that opens a position on side.
func EntrySide(side risk.Side) exchange.Side {
	if side == risk.SideShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// ExitSide is the order side that closes a position on side.
func ExitSide(side risk.Side) exchange.Side {
	if side == risk.SideShort {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func validate(symbol string, side risk.Side, size decimal.Decimal) error {
	switch {
	case symbol == "":
		return errors.Join(ErrInvalidRequest, errors.New("symbol is required"))
	case !side.Valid():
		return errors.Join(ErrInvalidRequest, errors.New("side must be LONG or SHORT"))
	case !size.IsPositive():
		return errors.Join(ErrInvalidRequest, errors.New("size must be positive"))
	}
	return nil
}
