package common

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the core submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
	ReduceOnly  bool
}

// OrderResult is the exchange acknowledgement including fill information.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
}

// Filled reports whether any quantity executed.
func (r OrderResult) Filled() bool {
	return r.ExecutedQty.IsPositive()
}

// Error classes adapters map venue errors onto.
var (
	ErrRateLimited   = errors.New("exchange rate limited")
	ErrAuth          = errors.New("exchange authentication failed")
	ErrRejected      = errors.New("exchange rejected order")
	ErrInsufficient  = errors.New("insufficient balance or margin")
	ErrTimeout       = errors.New("exchange request timed out")
	ErrConnection    = errors.New("exchange connection failed")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrExchange      = errors.New("exchange error")
)
