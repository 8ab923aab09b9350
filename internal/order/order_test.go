package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/gateway"
	"signal-core/internal/market"
	"signal-core/internal/risk"
	"signal-core/pkg/db"
	exchange "signal-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedGateway answers each SubmitOrder with the next scripted reply.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []reply
	got     []exchange.OrderRequest
}

type reply struct {
	res exchange.OrderResult
	err error
}

func (g *scriptedGateway) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.got = append(g.got, req)
	if len(g.replies) == 0 {
		return exchange.OrderResult{}, errors.New("unexpected order")
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r.res, r.err
}

func filled(qty, price string) reply {
	return reply{res: exchange.OrderResult{ExchangeOrderID: "1", Status: exchange.StatusFilled, ExecutedQty: d(qty), AvgPrice: d(price)}}
}

func TestLiveOpenMarket(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{filled("0.5", "101")}}
	ex := NewLiveExecutor(gw, "binance", nil)

	fill, err := ex.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("0.5"), RefPrice: d("100"), TradingMode: db.TradingModeMarket})
	require.NoError(t, err)
	assert.False(t, ex.Paper())
	assert.True(t, fill.Price.Equal(d("101")))
	assert.True(t, fill.Size.Equal(d("0.5")))
	require.Len(t, gw.got, 1)
	assert.Equal(t, exchange.SideBuy, gw.got[0].Side)
	assert.Equal(t, exchange.OrderTypeMarket, gw.got[0].Type)
	assert.False(t, gw.got[0].ReduceOnly)
	assert.NotEmpty(t, gw.got[0].ClientID)
}

func TestLiveOpenLimitUsesSlippageBound(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{filled("1", "99.9")}}
	ex := NewLiveExecutor(gw, "binance", nil)

	_, err := ex.Open(context.Background(), OpenRequest{Symbol: "ETHUSDT", Side: risk.SideShort, Size: d("1"),
		RefPrice: d("100"), SlippagePercent: d("0.5"), TradingMode: db.TradingModeLimit})
	require.NoError(t, err)
	require.Len(t, gw.got, 1)
	assert.Equal(t, exchange.SideSell, gw.got[0].Side)
	assert.Equal(t, exchange.OrderTypeLimit, gw.got[0].Type)
	assert.Equal(t, exchange.TIFIOC, gw.got[0].TimeInForce)
	assert.True(t, gw.got[0].Price.Equal(d("99.5")), "price %s", gw.got[0].Price)
}

func TestLiveMarketLimitFallback(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{err: exchange.ErrRejected},
		filled("1", "100.2"),
	}}
	ex := NewLiveExecutor(gw, "binance", nil)

	fill, err := ex.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1"),
		RefPrice: d("100"), SlippagePercent: d("1"), TradingMode: db.TradingModeMarketLimitFallback})
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(d("100.2")))
	require.Len(t, gw.got, 2)
	assert.Equal(t, exchange.OrderTypeMarket, gw.got[0].Type)
	assert.Equal(t, exchange.OrderTypeLimit, gw.got[1].Type)
	assert.True(t, gw.got[1].Price.Equal(d("101")))
	assert.NotEqual(t, gw.got[0].ClientID, gw.got[1].ClientID)

	// Auth failures are not retried.
	gw = &scriptedGateway{replies: []reply{{err: exchange.ErrAuth}}}
	_, err = NewLiveExecutor(gw, "binance", nil).Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1"),
		RefPrice: d("100"), TradingMode: db.TradingModeMarketLimitFallback})
	assert.ErrorIs(t, err, exchange.ErrAuth)
	assert.Len(t, gw.got, 1)
}

func TestLiveZeroFillIsFailure(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{res: exchange.OrderResult{Status: exchange.StatusExpired}}}}
	_, err := NewLiveExecutor(gw, "binance", nil).Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1")})
	assert.ErrorIs(t, err, ErrNoFill)
}

func TestLiveCloseIsReduceOnlyAndCompletesRemainder(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{filled("0.6", "110"), filled("0.4", "109")}}
	ex := NewLiveExecutor(gw, "binance", nil)

	fill, err := ex.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1"),
		RefPrice: d("110"), TradingMode: db.TradingModeLimit})
	require.NoError(t, err)
	require.Len(t, gw.got, 2)
	for _, o := range gw.got {
		assert.True(t, o.ReduceOnly)
		assert.Equal(t, exchange.SideSell, o.Side)
	}
	assert.Equal(t, exchange.OrderTypeMarket, gw.got[1].Type)
	assert.True(t, gw.got[1].Qty.Equal(d("0.4")))
	assert.True(t, fill.Size.Equal(d("1")))
	assert.True(t, fill.Price.Equal(d("109.6")), "vwap %s", fill.Price)
}

func TestLiveCloseRemainderFailureReturnsPartialFill(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{filled("0.6", "110"), {err: exchange.ErrConnection}}}
	ex := NewLiveExecutor(gw, "binance", nil)

	fill, err := ex.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1"),
		RefPrice: d("110"), TradingMode: db.TradingModeLimit})
	assert.ErrorIs(t, err, ErrPartialFill)
	assert.ErrorIs(t, err, exchange.ErrConnection)
	assert.True(t, fill.Size.Equal(d("0.6")))
	assert.True(t, fill.Price.Equal(d("110")))
}

func TestValidateRequest(t *testing.T) {
	ex := NewLiveExecutor(&scriptedGateway{}, "binance", nil)
	_, err := ex.Open(context.Background(), OpenRequest{Symbol: "", Side: risk.SideLong, Size: d("1")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ex.Close(context.Background(), CloseRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPaperRoundTripZeroFees(t *testing.T) {
	feed := &market.MockFeed{}
	feed.Set("BTCUSDT", d("100"))
	ex := NewPaperExecutor(feed, nil, nil)
	ctx := context.Background()

	open, err := ex.Open(ctx, OpenRequest{UserID: "u1", Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("2")})
	require.NoError(t, err)
	assert.True(t, ex.Paper())
	assert.True(t, open.Simulated)
	assert.True(t, open.Price.Equal(d("100")))
	assert.True(t, open.Fee.IsZero())

	feed.Set("BTCUSDT", d("112"))
	closed, err := ex.Close(ctx, CloseRequest{UserID: "u1", Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("2")})
	require.NoError(t, err)
	assert.True(t, closed.Price.Equal(d("112")))
	assert.True(t, closed.Fee.IsZero())

	snap := ex.Ledger().Snapshot("u1")
	assert.True(t, snap.RealizedPnL.Equal(d("24")))
	assert.Empty(t, snap.Holdings)
	require.Len(t, snap.Fills, 2)
	assert.Equal(t, "OPEN", snap.Fills[0].Action)
	assert.True(t, snap.Fills[1].PnL.Equal(d("24")))

	assert.True(t, ex.Ledger().Snapshot("nobody").RealizedPnL.IsZero())
}

func TestPaperUsesRefPriceAndPropagatesPriceFailure(t *testing.T) {
	feed := &market.MockFeed{}
	feed.Fail("ETHUSDT", errors.New("no data"))
	ex := NewPaperExecutor(feed, nil, nil)

	fill, err := ex.Open(context.Background(), OpenRequest{UserID: "u1", Symbol: "ETHUSDT", Side: risk.SideShort, Size: d("1"), RefPrice: d("3000")})
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(d("3000")))

	_, err = ex.Close(context.Background(), CloseRequest{UserID: "u1", Symbol: "ETHUSDT", Side: risk.SideShort, Size: d("1")})
	assert.ErrorIs(t, err, market.ErrUnavailable)
	assert.Len(t, ex.Ledger().Snapshot("u1").Holdings, 1)
}

type stubResolver struct {
	gw  exchange.Gateway
	err error
}

func (s stubResolver) Resolve(context.Context, string, string) (exchange.Gateway, error) {
	return s.gw, s.err
}

func TestRouter(t *testing.T) {
	paper := NewPaperExecutor(&market.MockFeed{}, nil, nil)
	ctx := context.Background()

	r := NewRouter(paper, stubResolver{err: fmt.Errorf("%w: binance for user u1", gateway.ErrNotConfigured)}, nil)
	ex, err := r.For(ctx, "u1", "binance", true)
	require.NoError(t, err)
	assert.True(t, ex.Paper())

	_, err = r.For(ctx, "u1", "binance", false)
	assert.ErrorIs(t, err, ErrNoCredentials)

	r = NewRouter(paper, stubResolver{gw: &scriptedGateway{}}, nil)
	ex, err = r.For(ctx, "u1", "binance", false)
	require.NoError(t, err)
	assert.False(t, ex.Paper())

	_, err = NewRouter(paper, nil, nil).For(ctx, "u1", "binance", false)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestRouterPassesResolverFailuresThrough(t *testing.T) {
	paper := NewPaperExecutor(&market.MockFeed{}, nil, nil)
	ctx := context.Background()

	down := errors.New("load credential: disk I/O error")
	_, err := NewRouter(paper, stubResolver{err: down}, nil).For(ctx, "u1", "binance", false)
	assert.ErrorIs(t, err, down)
	assert.NotErrorIs(t, err, ErrNoCredentials)

	_, err = NewRouter(paper, stubResolver{err: gateway.ErrGatewayUnhealthy}, nil).For(ctx, "u1", "binance", false)
	assert.ErrorIs(t, err, gateway.ErrGatewayUnhealthy)
	assert.NotErrorIs(t, err, ErrNoCredentials)
}

// healthResolver counts outcomes the router reports back.
type healthResolver struct {
	stubResolver
	mu        sync.Mutex
	successes int
	failures  int
}

func (h *healthResolver) RecordSuccess(string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *healthResolver) RecordFailure(string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func TestRouterReportsSubmitOutcomes(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		filled("1", "100"),
		{err: exchange.ErrConnection},
		{err: exchange.ErrInsufficient},
		{err: exchange.ErrRateLimited},
	}}
	h := &healthResolver{stubResolver: stubResolver{gw: gw}}
	ex, err := NewRouter(nil, h, nil).For(context.Background(), "u1", "binance", false)
	require.NoError(t, err)

	req := OpenRequest{Symbol: "BTCUSDT", Side: risk.SideLong, Size: d("1"), RefPrice: d("100"), TradingMode: db.TradingModeMarket}
	_, err = ex.Open(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = ex.Open(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, 1, h.successes)
	assert.Equal(t, 2, h.failures, "a refused order is not a gateway failure")
}
