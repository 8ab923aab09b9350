package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/gateway"
	"signal-core/internal/market"
	"signal-core/internal/notify"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	exchange "signal-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type resolverFunc func(ctx context.Context, userID, exchangeName string) (exchange.Gateway, error)

func (f resolverFunc) Resolve(ctx context.Context, userID, exchangeName string) (exchange.Gateway, error) {
	return f(ctx, userID, exchangeName)
}

type gatewayFunc func(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)

func (f gatewayFunc) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return f(ctx, req)
}

type fixture struct {
	d     *Dispatcher
	store *position.Store
	feed  *market.MockFeed
	paper *order.PaperExecutor
	notes *recorder
}

func newFixture(t *testing.T, resolver order.CredentialResolver, cfg Config) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	store := position.NewStore(database, nil)
	feed := &market.MockFeed{}
	feed.Set("BTCUSDT", d("100"))
	paper := order.NewPaperExecutor(feed, nil, nil)
	notes := &recorder{}
	dispatcher := New(store, order.NewRouter(paper, resolver, nil), feed, notes, cfg, nil)
	t.Cleanup(dispatcher.Close)
	return &fixture{d: dispatcher, store: store, feed: feed, paper: paper, notes: notes}
}

func paperSettings(user string) db.Settings {
	s := db.DefaultSettings(user)
	s.AutoTradingEnabled = true
	s.PaperTrading = true
	s.SlippagePercent = decimal.Zero
	s.DefaultPositionSize = d("1000")
	s.TrailingStopEnabled = true
	s.TrailingStopPercent = d("1")
	return s
}

func sig(user string, a signal.Action) signal.TradeSignal {
	return signal.TradeSignal{ID: uuid.NewString(), UserID: user, Symbol: "BTCUSDT", Action: a,
		Source: signal.SourceWebhook, ReceivedAt: time.Now()}
}

func TestPaperBuyThenCloseRealizesPnL(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, position.ResultSimulated, out.Trades[0].Result)

	pos, err := f.store.GetOpen(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, risk.SideLong, pos.Side)
	assert.True(t, pos.Size.Equal(d("10")), "1000 quote at 100 is 10 units, got %s", pos.Size)
	assert.True(t, pos.IsPaper)
	assert.True(t, pos.TrailingStopEnabled)

	f.feed.Set("BTCUSDT", d("110"))
	out, err = f.d.Dispatch(ctx, sig("u1", signal.ActionClose), s)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.True(t, out.RealizedPnL.Decimal.Equal(d("100")))

	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, position.ResultSimulated, tr.Result)
		assert.True(t, tr.Fee.IsZero())
	}

	snap := f.paper.Ledger().Snapshot("u1")
	assert.True(t, snap.RealizedPnL.Equal(d("100")))
	assert.Empty(t, snap.Holdings)
	assert.Equal(t, []notify.Kind{notify.KindPositionOpened, notify.KindPositionClosed}, f.notes.kinds())
}

func TestReplayedCloseIsNoop(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")

	_, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	_, err = f.d.Dispatch(ctx, sig("u1", signal.ActionClose), s)
	require.NoError(t, err)

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionClose), s)
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, out.Status)
	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestSameSideSignalIsNoop(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")

	_, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, out.Status)
	assert.NotEmpty(t, out.PositionID)
}

func TestConcurrentIdenticalBuysOpenOnce(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	statuses := []Status{outs[0].Status, outs[1].Status}
	assert.ElementsMatch(t, []Status{StatusExecuted, StatusNoop}, statuses)

	open, err := f.store.ListByUser(ctx, "u1", position.StatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestFlipReverseAndCloseOnly(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil, Config{FlipPolicy: config.FlipReverse})
	s := paperSettings("u1")
	_, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	f.feed.Set("BTCUSDT", d("90"))
	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionSell), s)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	require.Len(t, out.Trades, 2)
	assert.True(t, out.RealizedPnL.Decimal.Equal(d("-100")))
	pos, err := f.store.GetOpen(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, risk.SideShort, pos.Side)
	assert.True(t, pos.EntryPrice.Equal(d("90")))

	closed, err := f.store.ListByUser(ctx, "u1", position.StatusClosed, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, string(risk.ExitFlip), closed[0].CloseReason)

	g := newFixture(t, nil, Config{FlipPolicy: config.FlipCloseOnly})
	_, err = g.d.Dispatch(ctx, sig("u2", signal.ActionBuy), paperSettings("u2"))
	require.NoError(t, err)
	out, err = g.d.Dispatch(ctx, sig("u2", signal.ActionSell), paperSettings("u2"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	_, err = g.store.GetOpen(ctx, "u2", "BTCUSDT")
	assert.ErrorIs(t, err, position.ErrNotFound)
}

func TestMarketDataUnavailableRecordsNoTrade(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	f.feed.Fail("BTCUSDT", errors.New("feed down"))

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), paperSettings("u1"))
	assert.ErrorIs(t, err, ErrMarketDataUnavailable)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "MARKET_DATA_UNAVAILABLE", out.Code)

	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestLiveWithoutCredentials(t *testing.T) {
	resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) {
		return nil, fmt.Errorf("%w: binance for user u1", gateway.ErrNotConfigured)
	})
	f := newFixture(t, resolver, Config{})
	ctx := context.Background()
	s := paperSettings("u1")
	s.PaperTrading = false

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, "NO_CREDENTIALS", out.Code)
	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestResolverFailuresAreNotMissingCredentials(t *testing.T) {
	for name, cause := range map[string]error{
		"credential store down": errors.New("load credential: database is locked"),
		"circuit open":          gateway.ErrGatewayUnhealthy,
	} {
		t.Run(name, func(t *testing.T) {
			resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) { return nil, cause })
			f := newFixture(t, resolver, Config{})
			s := paperSettings("u1")
			s.PaperTrading = false

			out, err := f.d.Dispatch(context.Background(), sig("u1", signal.ActionBuy), s)
			assert.ErrorIs(t, err, cause)
			assert.NotErrorIs(t, err, ErrNoCredentials)
			assert.Equal(t, "EXECUTOR_FAILURE", out.Code)
			assert.Equal(t, StatusFailed, out.Status)
		})
	}
}

func TestLiveExecutorFailureRecordsFailedTrade(t *testing.T) {
	gw := gatewayFunc(func(context.Context, exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, exchange.ErrInsufficient
	})
	resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) { return gw, nil })
	f := newFixture(t, resolver, Config{})
	ctx := context.Background()
	s := paperSettings("u1")
	s.PaperTrading = false

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	assert.ErrorIs(t, err, ErrExecutorFailure)
	assert.ErrorIs(t, err, exchange.ErrInsufficient)
	assert.Equal(t, StatusFailed, out.Status)

	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, position.ResultFailed, trades[0].Result)
	assert.NotEmpty(t, trades[0].Error)
	_, err = f.store.GetOpen(ctx, "u1", "BTCUSDT")
	assert.ErrorIs(t, err, position.ErrNotFound)
	assert.Equal(t, []notify.Kind{notify.KindExecutionFailed}, f.notes.kinds())
}

func TestLiveOpenRecordsSuccess(t *testing.T) {
	gw := gatewayFunc(func(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{ExchangeOrderID: "9", Status: exchange.StatusFilled,
			ExecutedQty: req.Qty, AvgPrice: d("100.5"), Fee: d("0.04")}, nil
	})
	resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) { return gw, nil })
	f := newFixture(t, resolver, Config{})
	s := paperSettings("u1")
	s.PaperTrading = false

	out, err := f.d.Dispatch(context.Background(), sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, position.ResultSuccess, out.Trades[0].Result)
	assert.True(t, out.Trades[0].Fee.Equal(d("0.04")))

	pos, err := f.store.GetOpen(context.Background(), "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, pos.IsPaper)
	assert.True(t, pos.EntryPrice.Equal(d("100.5")))
}

func TestTargetedCloseSkipsOtherPosition(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	openID := out.PositionID

	stale := sig("u1", signal.ActionClose)
	stale.Source = signal.SourceMonitor
	stale.Reason = string(risk.ExitTrailingStop)
	stale.PositionID = "closed-earlier"
	out, err = f.d.Dispatch(ctx, stale, s)
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, out.Status)
	assert.Equal(t, "targeted position no longer open", out.Message)

	pos, err := f.store.GetOpen(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, openID, pos.ID)

	stale.PositionID = openID
	out, err = f.d.Dispatch(ctx, stale, s)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
}

func TestLivePartialCloseShrinksPosition(t *testing.T) {
	calls := 0
	gw := gatewayFunc(func(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
		calls++
		switch calls {
		case 1:
			return exchange.OrderResult{ExchangeOrderID: "o1", Status: exchange.StatusFilled, ExecutedQty: req.Qty, AvgPrice: d("100")}, nil
		case 2:
			return exchange.OrderResult{ExchangeOrderID: "c1", Status: exchange.StatusPartial, ExecutedQty: d("4"), AvgPrice: d("110")}, nil
		case 3:
			return exchange.OrderResult{}, exchange.ErrConnection
		default:
			return exchange.OrderResult{ExchangeOrderID: "c2", Status: exchange.StatusFilled, ExecutedQty: req.Qty, AvgPrice: d("110")}, nil
		}
	})
	resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) { return gw, nil })
	f := newFixture(t, resolver, Config{})
	ctx := context.Background()
	s := paperSettings("u1")
	s.PaperTrading = false
	s.TradingMode = db.TradingModeLimit

	_, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionClose), s)
	assert.ErrorIs(t, err, ErrExecutorFailure)
	assert.ErrorIs(t, err, order.ErrPartialFill)
	assert.Equal(t, StatusFailed, out.Status)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, position.ResultSuccess, out.Trades[0].Result)
	assert.True(t, out.Trades[0].Size.Equal(d("4")))
	assert.Contains(t, out.Trades[0].Error, "partial close")

	pos, err := f.store.GetOpen(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(d("6")), "remaining %s", pos.Size)
	assert.True(t, pos.RealizedPnL.Decimal.Equal(d("40")))

	out, err = f.d.Dispatch(ctx, sig("u1", signal.ActionClose), s)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.True(t, out.RealizedPnL.Decimal.Equal(d("100")), "pnl %s", out.RealizedPnL.Decimal)
	require.Len(t, out.Trades, 1)
	assert.True(t, out.Trades[0].RealizedPnL.Decimal.Equal(d("60")))
}

type failingOpenStore struct{ *position.Store }

func (failingOpenStore) Open(context.Context, position.Position, position.Trade) (position.Position, error) {
	return position.Position{}, errors.New("disk full")
}

func TestUnpersistedFillStillRecordsTrade(t *testing.T) {
	gw := gatewayFunc(func(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{ExchangeOrderID: "9", Status: exchange.StatusFilled, ExecutedQty: req.Qty, AvgPrice: d("100")}, nil
	})
	resolver := resolverFunc(func(context.Context, string, string) (exchange.Gateway, error) { return gw, nil })
	f := newFixture(t, resolver, Config{})
	dsp := New(failingOpenStore{f.store}, order.NewRouter(f.paper, resolver, nil), f.feed, nil, Config{}, nil)
	t.Cleanup(dsp.Close)
	ctx := context.Background()
	s := paperSettings("u1")
	s.PaperTrading = false

	out, err := dsp.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)

	trades, err := f.store.TradesByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "9", trades[0].OrderID)
	assert.Equal(t, position.ResultSuccess, trades[0].Result)
	assert.Contains(t, trades[0].Error, "position not persisted: disk full")
	assert.Empty(t, trades[0].PositionID)
}

type blockingRouter struct {
	started chan struct{}
	unblock chan struct{}
	paper   order.Executor
}

type blockingExecutor struct {
	order.Executor
	r *blockingRouter
}

func (b blockingExecutor) Open(ctx context.Context, req order.OpenRequest) (order.Fill, error) {
	b.r.started <- struct{}{}
	<-b.r.unblock
	return b.Executor.Open(ctx, req)
}

func (r *blockingRouter) For(context.Context, string, string, bool) (order.Executor, error) {
	return blockingExecutor{Executor: r.paper, r: r}, nil
}

func TestBusyWhenSlotHeldTooLong(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	store := position.NewStore(database, nil)
	feed := &market.MockFeed{}
	router := &blockingRouter{started: make(chan struct{}, 1), unblock: make(chan struct{}), paper: order.NewPaperExecutor(feed, nil, nil)}
	dsp := New(store, router, feed, nil, Config{SlotWait: 20 * time.Millisecond}, nil)
	s := paperSettings("u1")

	first, err := dsp.Submit(context.Background(), sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	<-router.started

	out, err := dsp.Dispatch(context.Background(), sig("u1", signal.ActionBuy), s)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StatusBusy, out.Status)

	close(router.unblock)
	res := <-first
	require.NoError(t, res.Err)
	assert.Equal(t, StatusExecuted, res.Outcome.Status)
	_, ok := <-first
	assert.False(t, ok, "result channel closes after its single result")

	dsp.Close()
	_, err = dsp.Submit(context.Background(), sig("u1", signal.ActionClose), s)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, uint64(1), dsp.Stats().Busy)
}

func TestIgnoredAndRejected(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	s := paperSettings("u1")
	s.AutoTradingEnabled = false

	out, err := f.d.Dispatch(ctx, sig("u1", signal.ActionBuy), s)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, out.Status)
	assert.True(t, out.Success())

	// Monitor-originated closes run regardless of the auto-trading switch.
	m := sig("u1", signal.ActionClose)
	m.Source = signal.SourceMonitor
	out, err = f.d.Dispatch(ctx, m, s)
	require.NoError(t, err)
	assert.Equal(t, StatusNoop, out.Status)

	bad := sig("u1", "HOLD")
	out, err = f.d.Dispatch(ctx, bad, paperSettings("u1"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusRejected, out.Status)
}

func TestExitReasonFromSignal(t *testing.T) {
	s := sig("u1", signal.ActionClose)
	assert.Equal(t, risk.ExitSignal, exitReason(s))
	s.Reason = string(risk.ExitTrailingStop)
	assert.Equal(t, risk.ExitTrailingStop, exitReason(s))
	s.Reason = "whatever"
	s.Source = signal.SourceManual
	assert.Equal(t, risk.ExitManual, exitReason(s))
}
