package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/market"
	"signal-core/internal/notify"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
)

// Status is the terminal state of one dispatched signal.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusNoop     Status = "NOOP"
	StatusIgnored  Status = "IGNORED"
	StatusFailed   Status = "FAILED"
	StatusBusy     Status = "BUSY"
	StatusRejected Status = "REJECTED"
)

// Outcome describes what a signal did.
type Outcome struct {
	SignalID    string              `json:"signal_id"`
	Status      Status              `json:"status"`
	Action      signal.Action       `json:"action"`
	Symbol      string              `json:"symbol"`
	Message     string              `json:"message,omitempty"`
	Code        string              `json:"error_code,omitempty"`
	PositionID  string              `json:"position_id,omitempty"`
	Trades      []position.Trade    `json:"trades,omitempty"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"`
}

// Success reports whether the signal completed without error.
func (o Outcome) Success() bool {
	switch o.Status {
	case StatusExecuted, StatusNoop, StatusIgnored:
		return true
	}
	return false
}

// Store is the position persistence the dispatcher needs.
type Store interface {
	Ready(ctx context.Context) error
	GetOpen(ctx context.Context, userID, symbol string) (*position.Position, error)
	Open(ctx context.Context, pos position.Position, trade position.Trade) (position.Position, error)
	Close(ctx context.Context, id string, exitPrice decimal.Decimal, reason risk.ExitReason, trade position.Trade) (position.Position, error)
	Reduce(ctx context.Context, id string, exitPrice, size decimal.Decimal, trade position.Trade) (position.Position, error)
	RecordTrade(ctx context.Context, t position.Trade) (position.Trade, error)
}

// ExecutorRouter picks the executor for a user.
type ExecutorRouter interface {
	For(ctx context.Context, userID, exchangeName string, paper bool) (order.Executor, error)
}

// Config bounds the dispatcher's waits.
type Config struct {
	SlotWait          time.Duration
	ExecutionTimeout  time.Duration
	MarketDataTimeout time.Duration
	Workers           int
	FlipPolicy        string
}

// DefaultConfig matches the environment defaults.
func DefaultConfig() Config {
	return Config{
		SlotWait:          15 * time.Second,
		ExecutionTimeout:  10 * time.Second,
		MarketDataTimeout: 5 * time.Second,
		Workers:           8,
		FlipPolicy:        config.FlipReverse,
	}
}

// Stats counts dispatched signals by outcome.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Executed   uint64 `json:"executed"`
	Noop       uint64 `json:"noop"`
	Ignored    uint64 `json:"ignored"`
	Failed     uint64 `json:"failed"`
	Busy       uint64 `json:"busy"`
	Rejected   uint64 `json:"rejected"`
	Pending    int    `json:"pending"`
	Slots      int    `json:"slots"`
}

// Dispatcher owns the per-(user, symbol) slots and runs the open/close/flip flows.
type Dispatcher struct {
	store    Store
	router   ExecutorRouter
	prices   market.Accessor
	notifier notify.Notifier
	slots    *SlotLocks
	cfg      Config
	log      *zap.Logger

	workerPool chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool

	dispatched, executed, noop, ignored, failed, busy, rejected atomic.Uint64
}

// New builds a Dispatcher. A nil notifier disables notifications.
func New(store Store, router ExecutorRouter, prices market.Accessor, notifier notify.Notifier, cfg Config, log *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = def.SlotWait
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.MarketDataTimeout <= 0 {
		cfg.MarketDataTimeout = def.MarketDataTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FlipPolicy == "" {
		cfg.FlipPolicy = def.FlipPolicy
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:      store,
		router:     router,
		prices:     prices,
		notifier:   notifier,
		slots:      NewSlotLocks(),
		cfg:        cfg,
		log:        log.Named("dispatch"),
		workerPool: make(chan struct{}, cfg.Workers),
	}
}

// Guard takes the (user, symbol) slot used by Dispatch.
func (d *Dispatcher) Guard(ctx context.Context, userID, symbol string, wait time.Duration) (func(), error) {
	return d.slots.Acquire(ctx, signal.SlotKey(userID, symbol), wait)
}

// Dispatch executes sig synchronously. The returned error, when set, matches
// the taxonomy and is mirrored in Outcome.Code.
func (d *Dispatcher) Dispatch(ctx context.Context, sig signal.TradeSignal, settings db.Settings) (Outcome, error) {
	d.dispatched.Add(1)
	out := Outcome{SignalID: sig.ID, Action: sig.Action, Symbol: sig.Symbol}
	log := d.log.With(
		zap.String("signal_id", sig.ID),
		zap.String("user_id", sig.UserID),
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.String("source", string(sig.Source)))

	switch {
	case sig.UserID == "" || sig.Symbol == "":
		return d.finish(log, out, StatusRejected, fmt.Errorf("%w: user and symbol are required", ErrValidation))
	case sig.Action != signal.ActionBuy && sig.Action != signal.ActionSell && sig.Action != signal.ActionClose:
		return d.finish(log, out, StatusRejected, fmt.Errorf("%w: unknown action %q", ErrValidation, sig.Action))
	case sig.Source == signal.SourceWebhook && !settings.AutoTradingEnabled:
		out.Message = "auto trading disabled"
		return d.finish(log, out, StatusIgnored, nil)
	}

	if err := d.store.Ready(ctx); err != nil {
		return d.finish(log, out, StatusFailed, err)
	}

	release, err := d.Guard(ctx, sig.UserID, sig.Symbol, d.cfg.SlotWait)
	if err != nil {
		if !errors.Is(err, ErrBusy) {
			err = fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return d.finish(log, out, StatusBusy, err)
	}

	run := &execution{d: d, sig: sig, settings: settings, out: out, log: log}
	status, err := run.execute(ctx)
	release()

	for _, e := range run.events {
		d.notify(ctx, e)
	}
	return d.finish(log, run.out, status, err)
}

func (d *Dispatcher) finish(log *zap.Logger, out Outcome, status Status, err error) (Outcome, error) {
	out.Status = status
	if err != nil {
		out.Code = Code(err)
		out.Message = err.Error()
	}
	switch status {
	case StatusExecuted:
		d.executed.Add(1)
	case StatusNoop:
		d.noop.Add(1)
	case StatusIgnored:
		d.ignored.Add(1)
	case StatusBusy:
		d.busy.Add(1)
	case StatusRejected:
		d.rejected.Add(1)
	default:
		d.failed.Add(1)
	}
	if err != nil {
		log.Warn("signal not executed", zap.String("status", string(status)), zap.String("code", out.Code), zap.Error(err))
	} else {
		log.Info("signal handled", zap.String("status", string(status)), zap.String("position_id", out.PositionID))
	}
	return out, err
}

func (d *Dispatcher) notify(ctx context.Context, e notify.Event) {
	if d.notifier == nil {
		return
	}
	// Notification is best-effort and never changes the outcome.
	if err := d.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		d.log.Warn("notification failed", zap.String("kind", string(e.Kind)), zap.String("user_id", e.UserID), zap.Error(err))
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Executed:   d.executed.Load(),
		Noop:       d.noop.Load(),
		Ignored:    d.ignored.Load(),
		Failed:     d.failed.Load(),
		Busy:       d.busy.Load(),
		Rejected:   d.rejected.Load(),
		Pending:    d.Pending(),
		Slots:      d.slots.Len(),
	}
}

// SideFor maps an entry action to the position side it opens.
func SideFor(a signal.Action) risk.Side {
	if a == signal.ActionSell {
		return risk.SideShort
	}
	return risk.SideLong
}
