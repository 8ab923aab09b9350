// Package market provides current prices to the dispatcher, paper executor and monitor.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	exchange "signal-core/pkg/exchanges/common"
)

// ErrUnavailable wraps every failure to obtain a usable price.
var ErrUnavailable = errors.New("market data unavailable")

// Accessor returns the current price of symbol on an exchange.
type Accessor interface {
	Price(ctx context.Context, exchangeName, symbol string) (decimal.Decimal, error)
}

// Tick is the payload published on events.EventPriceTick.
type Tick struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	At       time.Time       `json:"at"`
}

// Venues routes price lookups to a per-exchange price source.
type Venues map[string]exchange.PriceSource

// Price implements Accessor.
func (v Venues) Price(ctx context.Context, exchangeName, symbol string) (decimal.Decimal, error) {
	src, ok := v[strings.ToLower(exchangeName)]
	if !ok || src == nil {
		return decimal.Zero, fmt.Errorf("%w: no price source for exchange %q", ErrUnavailable, exchangeName)
	}
	p, err := src.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, exchangeName, symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", ErrUnavailable, p, symbol)
	}
	return p, nil
}
