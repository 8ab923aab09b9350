// Package binance adapts the Binance USDT-M futures API to the exchange gateway contract.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	bcommon "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	exchange "signal-core/pkg/exchanges/common"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Config holds connection settings for one credential pair.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the production/testnet endpoint (tests, proxies).
	BaseURL string
	// RequestsPerSecond throttles calls made through this client; 0 means 10.
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Client implements exchange.Gateway and exchange.PriceSource.
type Client struct {
	api     *futures.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

var (
	_ exchange.Gateway     = (*Client)(nil)
	_ exchange.PriceSource = (*Client)(nil)
)

// New creates a client. Empty keys are allowed for public price lookups.
func New(cfg Config) *Client {
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Testnet:
		api.BaseURL = baseURLTestnet
	default:
		api.BaseURL = baseURLProduction
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log.Named("binance").With(zap.String("base_url", api.BaseURL)),
	}
}

// SubmitOrder places a market or limit order and returns the fill summary.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	const op = "SubmitOrder"
	if err := c.limiter.Wait(ctx); err != nil {
		return exchange.OrderResult{}, c.handleError(err, op)
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Type {
	case exchange.OrderTypeLimit:
		tif := futures.TimeInForceTypeGTC
		if req.TimeInForce == exchange.TIFIOC {
			tif = futures.TimeInForceTypeIOC
		}
		svc = svc.Type(futures.OrderTypeLimit).Price(req.Price.String()).TimeInForce(tif)
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, c.handleError(err, op)
	}

	out := exchange.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", res.OrderID),
		ClientID:        res.ClientOrderID,
		Status:          mapStatus(string(res.Status)),
		ExecutedQty:     parseDecimal(res.ExecutedQuantity),
		AvgPrice:        parseDecimal(res.AvgPrice),
	}
	if out.AvgPrice.IsZero() && out.ExecutedQty.IsPositive() {
		// Some responses omit avgPrice; derive it from the cumulative quote.
		if quote := parseDecimal(res.CumQuote); quote.IsPositive() {
			out.AvgPrice = quote.Div(out.ExecutedQty)
		}
	}
	c.log.Info("order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("qty", req.Qty.String()),
		zap.String("order_id", out.ExchangeOrderID),
		zap.String("status", string(out.Status)),
		zap.String("executed_qty", out.ExecutedQty.String()),
		zap.String("avg_price", out.AvgPrice.String()),
	)
	return out, nil
}

// LastPrice returns the latest traded price for symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	const op = "LastPrice"
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, c.handleError(err, op)
	}
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, c.handleError(err, op)
	}
	for _, p := range prices {
		if p != nil && p.Symbol == symbol {
			price, err := decimal.NewFromString(p.Price)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("%s: parse price %q: %w", op, p.Price, exchange.ErrExchange)
			}
			return price, nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("%s %s: %w", op, symbol, exchange.ErrUnknownSymbol)
}

// handleError maps go-binance errors onto the exchange error classes.
func (c *Client) handleError(err error, op string) error {
	var apiErr *bcommon.APIError
	if errors.As(err, &apiErr) {
		var mapped error
		switch apiErr.Code {
		case -1003, -1015:
			mapped = exchange.ErrRateLimited
		case -1021, -1022, -2014, -2015:
			mapped = exchange.ErrAuth
		case -1121:
			mapped = exchange.ErrUnknownSymbol
		case -2019, -2018, -4164:
			mapped = exchange.ErrInsufficient
		default:
			mapped = exchange.ErrRejected
		}
		c.log.Warn(op+" failed with API error",
			zap.Int64("code", apiErr.Code),
			zap.String("message", apiErr.Message))
		return fmt.Errorf("%s: %w: %w", op, mapped, err)
	}

	var mapped error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped = exchange.ErrTimeout
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s canceled: %w", op, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"):
		mapped = exchange.ErrConnection
	default:
		mapped = exchange.ErrExchange
	}
	c.log.Warn(op+" failed", zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, mapped, err)
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
