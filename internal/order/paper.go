package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/market"
	"signal-core/internal/risk"
)

// PaperExecutor fills at the current market price with zero fees and zero slippage.
type PaperExecutor struct {
	prices market.Accessor
	ledger *Ledger
	log    *zap.Logger
	now    func() time.Time
}

// NewPaperExecutor builds a simulator over prices. A nil ledger gets a fresh one.
func NewPaperExecutor(prices market.Accessor, ledger *Ledger, log *zap.Logger) *PaperExecutor {
	if ledger == nil {
		ledger = NewLedger()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaperExecutor{prices: prices, ledger: ledger, log: log.Named("paper"), now: time.Now}
}

// Paper implements Executor.
func (p *PaperExecutor) Paper() bool { return true }

// Ledger exposes the simulated fills.
func (p *PaperExecutor) Ledger() *Ledger { return p.ledger }

// Open implements Executor.
func (p *PaperExecutor) Open(ctx context.Context, req OpenRequest) (Fill, error) {
	if err := validate(req.Symbol, req.Side, req.Size); err != nil {
		return Fill{}, err
	}
	price, err := p.price(ctx, req.Exchange, req.Symbol, req.RefPrice)
	if err != nil {
		return Fill{}, err
	}
	fill := Fill{OrderID: "paper-" + uuid.NewString(), Price: price, Size: req.Size, Fee: decimal.Zero, Simulated: true}
	p.ledger.open(req.UserID, req.Symbol, req.Side, fill, p.now())
	p.log.Info("simulated open",
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("size", req.Size.String()),
		zap.String("price", price.String()))
	return fill, nil
}

// Close implements Executor.
func (p *PaperExecutor) Close(ctx context.Context, req CloseRequest) (Fill, error) {
	if err := validate(req.Symbol, req.Side, req.Size); err != nil {
		return Fill{}, err
	}
	price, err := p.price(ctx, req.Exchange, req.Symbol, req.RefPrice)
	if err != nil {
		return Fill{}, err
	}
	fill := Fill{OrderID: "paper-" + uuid.NewString(), Price: price, Size: req.Size, Fee: decimal.Zero, Simulated: true}
	pnl := p.ledger.close(req.UserID, req.Symbol, req.Side, fill, p.now())
	p.log.Info("simulated close",
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("size", req.Size.String()),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.String()))
	return fill, nil
}

func (p *PaperExecutor) price(ctx context.Context, exchangeName, symbol string, ref decimal.Decimal) (decimal.Decimal, error) {
	if ref.IsPositive() {
		return ref, nil
	}
	if p.prices == nil {
		return decimal.Zero, fmt.Errorf("%w: paper executor has no price source", market.ErrUnavailable)
	}
	return p.prices.Price(ctx, exchangeName, symbol)
}

// PaperFill is one simulated execution.
type PaperFill struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    risk.Side       `json:"side"`
	Action  string          `json:"action"` // OPEN or CLOSE
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	PnL     decimal.Decimal `json:"pnl"`
	At      time.Time       `json:"at"`
}

// PaperHolding is the ledger's view of an open simulated position.
type PaperHolding struct {
	Symbol     string          `json:"symbol"`
	Side       risk.Side       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// LedgerSnapshot is a copy of one user's paper account.
type LedgerSnapshot struct {
	UserID      string          `json:"user_id"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Holdings    []PaperHolding  `json:"holdings"`
	Fills       []PaperFill     `json:"fills"`
}

type paperAccount struct {
	realized decimal.Decimal
	holdings map[string]*PaperHolding
	fills    []PaperFill
}

// Ledger records simulated fills per user.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*paperAccount
	maxFills int
}

// NewLedger creates an empty ledger keeping the most recent 500 fills per user.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*paperAccount), maxFills: 500}
}

func (l *Ledger) account(userID string) *paperAccount {
	acct, ok := l.accounts[userID]
	if !ok {
		acct = &paperAccount{holdings: make(map[string]*PaperHolding)}
		l.accounts[userID] = acct
	}
	return acct
}

func (l *Ledger) open(userID, symbol string, side risk.Side, f Fill, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(userID)

	h, ok := acct.holdings[symbol]
	if !ok || h.Side != side {
		acct.holdings[symbol] = &PaperHolding{Symbol: symbol, Side: side, Size: f.Size, EntryPrice: f.Price}
	} else {
		total := h.Size.Mul(h.EntryPrice).Add(f.Size.Mul(f.Price))
		h.Size = h.Size.Add(f.Size)
		h.EntryPrice = total.Div(h.Size)
	}
	l.appendFill(acct, PaperFill{OrderID: f.OrderID, Symbol: symbol, Side: side, Action: "OPEN",
		Price: f.Price, Size: f.Size, PnL: decimal.Zero, At: at.UTC()})
}

func (l *Ledger) close(userID, symbol string, side risk.Side, f Fill, at time.Time) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(userID)

	pnl := decimal.Zero
	if h, ok := acct.holdings[symbol]; ok && h.Side == side {
		qty := decimal.Min(h.Size, f.Size)
		pnl = risk.RealizedPnL(side, h.EntryPrice, f.Price, qty)
		h.Size = h.Size.Sub(qty)
		if !h.Size.IsPositive() {
			delete(acct.holdings, symbol)
		}
	}
	acct.realized = acct.realized.Add(pnl)
	l.appendFill(acct, PaperFill{OrderID: f.OrderID, Symbol: symbol, Side: side, Action: "CLOSE",
		Price: f.Price, Size: f.Size, PnL: pnl, At: at.UTC()})
	return pnl
}

func (l *Ledger) appendFill(acct *paperAccount, f PaperFill) {
	acct.fills = append(acct.fills, f)
	if l.maxFills > 0 && len(acct.fills) > l.maxFills {
		acct.fills = append([]PaperFill(nil), acct.fills[len(acct.fills)-l.maxFills:]...)
	}
}

// Snapshot copies a user's paper account.
func (l *Ledger) Snapshot(userID string) LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := LedgerSnapshot{UserID: userID, RealizedPnL: decimal.Zero}
	acct, ok := l.accounts[userID]
	if !ok {
		return snap
	}
	snap.RealizedPnL = acct.realized
	for _, h := range acct.holdings {
		snap.Holdings = append(snap.Holdings, *h)
	}
	snap.Fills = append([]PaperFill(nil), acct.fills...)
	return snap
}
