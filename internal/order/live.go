package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/pkg/db"
	exchange "signal-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// LiveExecutor sends orders to an exchange gateway bound to one user's credentials.
type LiveExecutor struct {
	gw       exchange.Gateway
	exchange string
	log      *zap.Logger
}

// NewLiveExecutor wraps gw.
func NewLiveExecutor(gw exchange.Gateway, exchangeName string, log *zap.Logger) *LiveExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveExecutor{gw: gw, exchange: exchangeName, log: log.Named("live").With(zap.String("exchange", exchangeName))}
}

// Paper implements Executor.
func (e *LiveExecutor) Paper() bool { return false }

// Open implements Executor.
func (e *LiveExecutor) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	if err := validate(req.Symbol, req.Side, req.Size); err != nil {
		return Fill{}, err
	}
	o := exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     EntrySide(req.Side),
		Qty:      req.Size,
		ClientID: clientID(req.ClientID),
	}
	return e.execute(ctx, o, req.TradingMode, req.RefPrice, req.SlippagePercent)
}

// Close implements Executor. Close orders are reduce-only.
func (e *LiveExecutor) Close(ctx context.Context, req CloseRequest) (Fill, error) {
	if err := validate(req.Symbol, req.Side, req.Size); err != nil {
		return Fill{}, err
	}
	o := exchange.OrderRequest{
		Symbol:     req.Symbol,
		Side:       ExitSide(req.Side),
		Qty:        req.Size,
		ClientID:   clientID(req.ClientID),
		ReduceOnly: true,
	}
	fill, err := e.execute(ctx, o, req.TradingMode, req.RefPrice, req.SlippagePercent)
	if err != nil {
		return fill, err
	}
	// An IOC limit may leave a remainder; a close must exit the full size.
	if rest := req.Size.Sub(fill.Size); rest.IsPositive() {
		o.Qty = rest
		o.ClientID = clientID("")
		more, err := e.submit(ctx, o, exchange.OrderTypeMarket, decimal.Zero)
		if err != nil {
			return fill, fmt.Errorf("%w: %s of %s, remainder %s: %w", ErrPartialFill, fill.Size, req.Size, rest, err)
		}
		fill = mergeFills(fill, more)
	}
	return fill, nil
}

func (e *LiveExecutor) execute(ctx context.Context, o exchange.OrderRequest, mode string, ref, slippage decimal.Decimal) (Fill, error) {
	switch mode {
	case db.TradingModeLimit:
		if !ref.IsPositive() {
			e.log.Warn("limit mode without reference price, sending market order", zap.String("symbol", o.Symbol))
			return e.submit(ctx, o, exchange.OrderTypeMarket, ref)
		}
		return e.submit(ctx, o, exchange.OrderTypeLimit, ref.Mul(limitFactor(o.Side, slippage)))
	case db.TradingModeMarketLimitFallback:
		fill, err := e.submit(ctx, o, exchange.OrderTypeMarket, ref)
		if err == nil || !ref.IsPositive() || !retryableAsLimit(err) {
			return fill, err
		}
		e.log.Warn("market order failed, retrying as limit", zap.String("symbol", o.Symbol), zap.Error(err))
		o.ClientID = clientID("")
		return e.submit(ctx, o, exchange.OrderTypeLimit, ref.Mul(limitFactor(o.Side, slippage)))
	default:
		return e.submit(ctx, o, exchange.OrderTypeMarket, ref)
	}
}

func (e *LiveExecutor) submit(ctx context.Context, o exchange.OrderRequest, typ exchange.OrderType, price decimal.Decimal) (Fill, error) {
	o.Type = typ
	if typ == exchange.OrderTypeLimit {
		o.Price = price.Round(8)
		o.TimeInForce = exchange.TIFIOC
	} else {
		o.Price = decimal.Zero
		o.TimeInForce = ""
	}
	res, err := e.gw.SubmitOrder(ctx, o)
	if err != nil {
		return Fill{}, fmt.Errorf("submit %s %s %s: %w", o.Side, typ, o.Symbol, err)
	}
	if !res.Filled() {
		return Fill{}, fmt.Errorf("%w: %s %s status %s", ErrNoFill, o.Side, o.Symbol, res.Status)
	}
	fillPrice := res.AvgPrice
	if !fillPrice.IsPositive() {
		fillPrice = price
	}
	e.log.Info("order filled",
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("type", string(typ)),
		zap.String("qty", res.ExecutedQty.String()),
		zap.String("price", fillPrice.String()),
		zap.Bool("reduce_only", o.ReduceOnly))
	return Fill{
		OrderID: res.ExchangeOrderID,
		Price:   fillPrice,
		Size:    res.ExecutedQty,
		Fee:     res.Fee,
	}, nil
}

// limitFactor bounds a marketable limit by the slippage tolerance.
func limitFactor(side exchange.Side, slippage decimal.Decimal) decimal.Decimal {
	f := slippage.Div(hundred)
	if side == exchange.SideSell {
		return decimal.NewFromInt(1).Sub(f)
	}
	return decimal.NewFromInt(1).Add(f)
}

func retryableAsLimit(err error) bool {
	return !errors.Is(err, exchange.ErrAuth) &&
		!errors.Is(err, exchange.ErrInsufficient) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func mergeFills(a, b Fill) Fill {
	size := a.Size.Add(b.Size)
	price := a.Price
	if size.IsPositive() {
		price = a.Price.Mul(a.Size).Add(b.Price.Mul(b.Size)).Div(size)
	}
	return Fill{OrderID: a.OrderID, Price: price, Size: size, Fee: a.Fee.Add(b.Fee)}
}

func clientID(id string) string {
	if id != "" {
		return id
	}
	return "sc-" + uuid.NewString()[:18]
}
