package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway abstracts a trading venue bound to one set of credentials.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// PriceSource returns the last traded price for a symbol.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
