package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/notify"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
)

var hundred = decimal.NewFromInt(100)

// execution is the state of one Dispatch call while the slot is held.
type execution struct {
	d        *Dispatcher
	sig      signal.TradeSignal
	settings db.Settings
	out      Outcome
	log      *zap.Logger
	events   []notify.Event
}

func (x *execution) execute(ctx context.Context) (Status, error) {
	pos, err := x.d.store.GetOpen(ctx, x.sig.UserID, x.sig.Symbol)
	switch {
	case errors.Is(err, position.ErrNotFound):
		pos = nil
	case err != nil:
		return StatusFailed, fmt.Errorf("load open position: %w", err)
	}

	if x.sig.Action == signal.ActionClose {
		if pos == nil {
			x.out.Message = "no open position"
			return StatusNoop, nil
		}
		if x.sig.PositionID != "" && pos.ID != x.sig.PositionID {
			// The targeted position was closed or flipped while the signal waited.
			x.out.PositionID = pos.ID
			x.out.Message = "targeted position no longer open"
			return StatusNoop, nil
		}
		if err := x.close(ctx, *pos, exitReason(x.sig)); err != nil {
			return StatusFailed, err
		}
		return StatusExecuted, nil
	}

	side := SideFor(x.sig.Action)
	if pos != nil {
		if pos.Side == side {
			x.out.PositionID = pos.ID
			x.out.Message = fmt.Sprintf("%s position already open", side)
			return StatusNoop, nil
		}
		if err := x.close(ctx, *pos, risk.ExitFlip); err != nil {
			return StatusFailed, fmt.Errorf("flip aborted: %w", err)
		}
		if x.d.cfg.FlipPolicy == config.FlipCloseOnly {
			x.out.Message = "opposite signal closed position"
			return StatusExecuted, nil
		}
	}
	if err := x.open(ctx, side); err != nil {
		return StatusFailed, err
	}
	return StatusExecuted, nil
}

func (x *execution) open(ctx context.Context, side risk.Side) error {
	s := x.settings
	price, err := x.price(ctx, s.Exchange)
	if err != nil {
		return err
	}

	size := x.sig.Size
	if !size.IsPositive() {
		// Size from the quote notional, leaving room for slippage.
		worst := price.Mul(decimal.NewFromInt(1).Add(s.SlippagePercent.Div(hundred)))
		size = s.DefaultPositionSize.DivRound(worst, 16).Truncate(8)
	}
	if !size.IsPositive() {
		return fmt.Errorf("%w: computed position size %s is not positive", ErrValidation, size)
	}

	exec, err := x.d.router.For(ctx, x.sig.UserID, s.Exchange, s.PaperTrading)
	if err != nil {
		return x.routeErr(err)
	}

	ectx, cancel := context.WithTimeout(ctx, x.d.cfg.ExecutionTimeout)
	fill, err := exec.Open(ectx, order.OpenRequest{
		UserID:          x.sig.UserID,
		Symbol:          x.sig.Symbol,
		Exchange:        s.Exchange,
		Side:            side,
		Size:            size,
		RefPrice:        price,
		SlippagePercent: s.SlippagePercent,
		TradingMode:     s.TradingMode,
	})
	cancel()

	// The fill must be recorded even if the caller has gone away.
	pctx := context.WithoutCancel(ctx)
	if err != nil {
		x.failedTrade(pctx, string(x.sig.Action), side, "", price, size, exec.Paper(), err)
		return fmt.Errorf("%w: open %s %s: %w", ErrExecutorFailure, side, x.sig.Symbol, err)
	}

	trade := x.trade(string(x.sig.Action), side, fill, exec.Paper())
	pos, err := x.d.store.Open(pctx, position.Position{
		UserID:              x.sig.UserID,
		Symbol:              x.sig.Symbol,
		Side:                side,
		Exchange:            s.Exchange,
		EntryPrice:          fill.Price,
		Size:                fill.Size,
		TrailingStopEnabled: s.TrailingStopEnabled,
		TrailingStopPercent: s.TrailingStopPercent,
		StopLossPercent:     s.StopLossPercent,
		TakeProfitPercent:   s.TakeProfitPercent,
		IsPaper:             exec.Paper(),
	}, trade)
	if err != nil {
		x.log.Error("filled open could not be persisted",
			zap.String("order_id", fill.OrderID), zap.String("size", fill.Size.String()), zap.Error(err))
		// Keep the exchange order ID on record for reconciliation.
		trade.Error = "position not persisted: " + err.Error()
		if t, terr := x.d.store.RecordTrade(pctx, trade); terr != nil {
			x.log.Error("orphaned fill could not be recorded", zap.String("order_id", fill.OrderID), zap.Error(terr))
		} else {
			x.out.Trades = append(x.out.Trades, t)
		}
		return fmt.Errorf("persist open: %w", err)
	}
	trade.PositionID = pos.ID
	x.out.PositionID = pos.ID
	x.out.Trades = append(x.out.Trades, trade)
	x.emit(notify.Event{
		Kind:       notify.KindPositionOpened,
		Action:     string(x.sig.Action),
		Side:       string(side),
		Price:      fill.Price,
		Size:       fill.Size,
		PositionID: pos.ID,
		Paper:      exec.Paper(),
	})
	return nil
}

func (x *execution) close(ctx context.Context, pos position.Position, reason risk.ExitReason) error {
	s := x.settings
	exec, err := x.d.router.For(ctx, pos.UserID, pos.Exchange, pos.IsPaper)
	if err != nil {
		return x.routeErr(err)
	}

	ref, err := x.price(ctx, pos.Exchange)
	if err != nil {
		if exec.Paper() {
			return err
		}
		// Live closes fall back to a market order without a reference price.
		x.log.Warn("closing without reference price", zap.Error(err))
		ref = decimal.Zero
	}

	ectx, cancel := context.WithTimeout(ctx, x.d.cfg.ExecutionTimeout)
	fill, err := exec.Close(ectx, order.CloseRequest{
		UserID:          pos.UserID,
		Symbol:          pos.Symbol,
		Exchange:        pos.Exchange,
		Side:            pos.Side,
		Size:            pos.Size,
		RefPrice:        ref,
		SlippagePercent: s.SlippagePercent,
		TradingMode:     s.TradingMode,
	})
	cancel()

	pctx := context.WithoutCancel(ctx)
	if err != nil {
		if fill.Size.IsPositive() && fill.Size.LessThan(pos.Size) {
			x.partialClose(pctx, pos, fill, exec.Paper(), err)
			return fmt.Errorf("%w: close %s %s exited %s of %s: %w", ErrExecutorFailure, pos.Side, pos.Symbol, fill.Size, pos.Size, err)
		}
		x.failedTrade(pctx, string(signal.ActionClose), pos.Side, pos.ID, ref, pos.Size, exec.Paper(), err)
		return fmt.Errorf("%w: close %s %s: %w", ErrExecutorFailure, pos.Side, pos.Symbol, err)
	}

	trade := x.trade(string(signal.ActionClose), pos.Side, fill, exec.Paper())
	trade.Exchange = pos.Exchange
	closed, err := x.d.store.Close(pctx, pos.ID, fill.Price, reason, trade)
	if err != nil {
		x.log.Error("filled close could not be persisted",
			zap.String("position_id", pos.ID), zap.String("order_id", fill.OrderID), zap.Error(err))
		return fmt.Errorf("persist close: %w", err)
	}
	trade.PositionID = closed.ID
	trade.RealizedPnL = decimal.NewNullDecimal(risk.RealizedPnL(pos.Side, pos.EntryPrice, fill.Price, fill.Size))
	x.out.PositionID = closed.ID
	x.out.Trades = append(x.out.Trades, trade)
	x.out.RealizedPnL = closed.RealizedPnL
	x.emit(notify.Event{
		Kind:       notify.KindPositionClosed,
		Action:     string(signal.ActionClose),
		Side:       string(pos.Side),
		Price:      fill.Price,
		Size:       fill.Size,
		PnL:        closed.RealizedPnL.Decimal,
		PositionID: closed.ID,
		Paper:      exec.Paper(),
		Message:    "reason: " + string(reason),
	})
	return nil
}

// partialClose books the executed part of a failed close and shrinks the
// position to what is still held on the exchange.
func (x *execution) partialClose(ctx context.Context, pos position.Position, fill order.Fill, paper bool, cause error) {
	trade := x.trade(string(signal.ActionClose), pos.Side, fill, paper)
	trade.Exchange = pos.Exchange
	trade.Error = "partial close: " + cause.Error()
	reduced, err := x.d.store.Reduce(ctx, pos.ID, fill.Price, fill.Size, trade)
	if err != nil {
		x.log.Error("partial close could not be persisted",
			zap.String("position_id", pos.ID), zap.String("order_id", fill.OrderID), zap.String("size", fill.Size.String()), zap.Error(err))
		trade.PositionID = pos.ID
		if t, terr := x.d.store.RecordTrade(ctx, trade); terr == nil {
			x.out.Trades = append(x.out.Trades, t)
		}
	} else {
		trade.PositionID = reduced.ID
		trade.RealizedPnL = decimal.NewNullDecimal(risk.RealizedPnL(pos.Side, pos.EntryPrice, fill.Price, fill.Size))
		x.out.Trades = append(x.out.Trades, trade)
		x.log.Warn("position partially closed",
			zap.String("position_id", pos.ID), zap.String("closed", fill.Size.String()), zap.String("remaining", reduced.Size.String()))
	}
	x.out.PositionID = pos.ID
	x.emit(notify.Event{
		Kind:       notify.KindExecutionFailed,
		Action:     string(signal.ActionClose),
		Side:       string(pos.Side),
		Price:      fill.Price,
		Size:       fill.Size,
		PositionID: pos.ID,
		Paper:      paper,
		Message:    fmt.Sprintf("closed %s of %s: %s", fill.Size, pos.Size, cause),
	})
}

// price reads the reference price within the market data timeout.
func (x *execution) price(ctx context.Context, exchangeName string) (decimal.Decimal, error) {
	mctx, cancel := context.WithTimeout(ctx, x.d.cfg.MarketDataTimeout)
	defer cancel()
	p, err := x.d.prices.Price(mctx, exchangeName, x.sig.Symbol)
	if err != nil {
		if !errors.Is(err, ErrMarketDataUnavailable) {
			err = fmt.Errorf("%w: %w", ErrMarketDataUnavailable, err)
		}
		return decimal.Zero, err
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrMarketDataUnavailable, p)
	}
	return p, nil
}

func (x *execution) routeErr(err error) error {
	if errors.Is(err, ErrNoCredentials) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExecutorFailure, err)
}

func (x *execution) trade(action string, side risk.Side, fill order.Fill, paper bool) position.Trade {
	result := position.ResultSuccess
	if paper || fill.Simulated {
		result = position.ResultSimulated
	}
	return position.Trade{
		ID:        uuid.NewString(),
		UserID:    x.sig.UserID,
		Action:    action,
		Side:      side,
		Symbol:    x.sig.Symbol,
		Price:     fill.Price,
		Size:      fill.Size,
		Fee:       fill.Fee,
		Exchange:  x.settings.Exchange,
		Result:    result,
		OrderID:   fill.OrderID,
		IsPaper:   paper,
		CreatedAt: time.Now().UTC(),
	}
}

func (x *execution) failedTrade(ctx context.Context, action string, side risk.Side, positionID string, price, size decimal.Decimal, paper bool, cause error) {
	t, err := x.d.store.RecordTrade(ctx, position.Trade{
		ID:         uuid.NewString(),
		UserID:     x.sig.UserID,
		PositionID: positionID,
		Action:     action,
		Side:       side,
		Symbol:     x.sig.Symbol,
		Price:      price,
		Size:       size,
		Fee:        decimal.Zero,
		Exchange:   x.settings.Exchange,
		Result:     position.ResultFailed,
		Error:      cause.Error(),
		IsPaper:    paper,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		x.log.Error("failed trade could not be recorded", zap.Error(err))
	} else {
		x.out.Trades = append(x.out.Trades, t)
	}
	x.emit(notify.Event{
		Kind:       notify.KindExecutionFailed,
		Action:     action,
		Side:       string(side),
		Price:      price,
		Size:       size,
		PositionID: positionID,
		Paper:      paper,
		Message:    cause.Error(),
	})
}

func (x *execution) emit(e notify.Event) {
	e.UserID = x.sig.UserID
	e.Symbol = x.sig.Symbol
	e.Email = x.settings.NotifyAddress()
	e.At = time.Now().UTC()
	x.events = append(x.events, e)
}

// exitReason derives why a CLOSE signal closes its position.
func exitReason(sig signal.TradeSignal) risk.ExitReason {
	switch r := risk.ExitReason(sig.Reason); r {
	case risk.ExitTrailingStop, risk.ExitStopLoss, risk.ExitTakeProfit, risk.ExitManual, risk.ExitFlip:
		return r
	}
	if sig.Source == signal.SourceManual {
		return risk.ExitManual
	}
	return risk.ExitSignal
}
