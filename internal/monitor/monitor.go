// Package monitor sweeps open positions and closes those whose trailing stop
// (or, optionally, fixed stop-loss / take-profit) has been crossed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-core/internal/dispatch"
	"signal-core/internal/market"
	"signal-core/internal/notify"
	"signal-core/internal/position"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Store is the position access the monitor needs.
type Store interface {
	Ready(ctx context.Context) error
	ListOpen(ctx context.Context) ([]position.Position, error)
	ListOpenTrailing(ctx context.Context) ([]position.Position, error)
	Get(ctx context.Context, id string) (*position.Position, error)
	UpdateHighWaterMark(ctx context.Context, id string, price decimal.Decimal) (position.Position, bool, error)
}

// Closer serializes with and submits closes to the dispatcher.
type Closer interface {
	Guard(ctx context.Context, userID, symbol string, wait time.Duration) (func(), error)
	Dispatch(ctx context.Context, sig signal.TradeSignal, settings db.Settings) (dispatch.Outcome, error)
}

// SettingsSource loads a user's trading settings.
type SettingsSource interface {
	SettingsForUser(ctx context.Context, userID string) (db.Settings, error)
}

// Config tunes a sweep.
type Config struct {
	Parallelism       int
	FailureThreshold  int
	FixedExits        bool
	MarketDataTimeout time.Duration
	LockWait          time.Duration // short wait for the position slot
}

// Monitor is the trailing-stop sweeper. Each Sweep is single-flight.
type Monitor struct {
	store    Store
	prices   market.Accessor
	closer   Closer
	settings SettingsSource
	notifier notify.Notifier
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	running  atomic.Bool
	failures *failureTracker
	metrics  *Metrics
}

// New creates a Monitor. A nil notifier disables degraded alerts.
func New(store Store, prices market.Accessor, closer Closer, settings SettingsSource, notifier notify.Notifier, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 4
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.MarketDataTimeout <= 0 {
		cfg.MarketDataTimeout = 5 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store:    store,
		prices:   prices,
		closer:   closer,
		settings: settings,
		notifier: notifier,
		cfg:      cfg,
		log:      log.Named("monitor"),
		now:      time.Now,
		failures: newFailureTracker(cfg.FailureThreshold),
		metrics:  newMetrics(),
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Positions     int           `json:"positions"`
	Evaluated     int           `json:"evaluated"`
	PriceFailures int           `json:"price_failures"`
	BusySkips     int           `json:"busy_skips"`
	Triggered     int           `json:"triggered"`
	Closed        int           `json:"closed"`
	Errors        int           `json:"errors"`
}

type verdict int

const (
	verdictHeld verdict = iota
	verdictPriceFailed
	verdictBusy
	verdictGone
	verdictClosed
	verdictCloseFailed
	verdictError
)

// Sweep evaluates every monitored position once. It returns
// ErrSweepInProgress when another sweep is running and
// dispatch.ErrStoreUnavailable while the store is down.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		m.metrics.overlaps.Add(1)
		m.log.Warn("previous sweep still running, skipping")
		return SweepReport{}, ErrSweepInProgress
	}
	defer m.running.Store(false)

	timer := NewTimer(m.metrics.Sweep)
	report := SweepReport{StartedAt: m.now().UTC()}
	defer func() {
		report.Duration = timer.Stop()
		m.metrics.lastDuration.Store(int64(report.Duration))
	}()

	if err := m.store.Ready(ctx); err != nil {
		m.metrics.halted.Add(1)
		return report, fmt.Errorf("%w: %w", dispatch.ErrStoreUnavailable, err)
	}
	m.metrics.sweeps.Add(1)

	list := m.store.ListOpenTrailing
	if m.cfg.FixedExits {
		list = m.store.ListOpen
	}
	positions, err := list(ctx)
	if err != nil {
		return report, fmt.Errorf("list positions: %w", err)
	}
	report.Positions = len(positions)

	ids := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		ids[p.ID] = struct{}{}
	}
	m.failures.retain(ids)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Parallelism)
	for _, p := range positions {
		g.Go(func() error {
			v := m.evaluate(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch v {
			case verdictHeld, verdictGone:
				report.Evaluated++
			case verdictPriceFailed:
				report.PriceFailures++
			case verdictBusy:
				report.BusySkips++
			case verdictClosed:
				report.Evaluated++
				report.Triggered++
				report.Closed++
			case verdictCloseFailed:
				report.Evaluated++
				report.Triggered++
				report.Errors++
			default:
				report.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Triggered > 0 || report.Errors > 0 || report.PriceFailures > 0 {
		m.log.Info("sweep finished",
			zap.Int("positions", report.Positions),
			zap.Int("triggered", report.Triggered),
			zap.Int("closed", report.Closed),
			zap.Int("price_failures", report.PriceFailures),
			zap.Int("busy", report.BusySkips),
			zap.Int("errors", report.Errors))
	}
	return report, ctx.Err()
}

// evaluate handles one position. Errors never escape into the sweep.
func (m *Monitor) evaluate(ctx context.Context, p position.Position) verdict {
	log := m.log.With(zap.String("position_id", p.ID), zap.String("user_id", p.UserID), zap.String("symbol", p.Symbol))

	price, err := m.price(ctx, p)
	if err != nil {
		m.metrics.priceFailures.Add(1)
		if dp, became := m.failures.fail(p.ID, p.UserID, p.Symbol, err, m.now().UTC()); became {
			log.Error("position degraded: price unavailable", zap.Int("failures", dp.Failures), zap.Error(err))
			m.alert(ctx, p, fmt.Sprintf("price unavailable for %d consecutive sweeps: %s", dp.Failures, dp.LastError))
		} else {
			log.Warn("price unavailable, skipping position", zap.Error(err))
		}
		return verdictPriceFailed
	}
	if m.failures.reset(p.ID) {
		log.Info("position recovered from degraded state")
	}

	release, err := m.closer.Guard(ctx, p.UserID, p.Symbol, m.cfg.LockWait)
	if err != nil {
		m.metrics.busySkips.Add(1)
		log.Debug("position busy, skipping", zap.Error(err))
		return verdictBusy
	}
	reason, trigger, err := m.check(ctx, p.ID, price)
	release()
	m.metrics.evaluated.Add(1)

	switch {
	case errors.Is(err, position.ErrNotOpen), errors.Is(err, position.ErrNotFound):
		return verdictGone
	case err != nil:
		log.Warn("evaluate position", zap.Error(err))
		return verdictError
	case !trigger:
		return verdictHeld
	}

	m.metrics.triggers.Add(1)
	log.Info("exit triggered", zap.String("reason", string(reason)), zap.String("price", price.String()))
	closed, err := m.close(ctx, p, price, reason)
	switch {
	case err != nil:
		m.metrics.closeFailures.Add(1)
		log.Error("triggered close failed", zap.String("reason", string(reason)), zap.Error(err))
		return verdictCloseFailed
	case !closed:
		return verdictGone
	}
	return verdictClosed
}

func (m *Monitor) price(ctx context.Context, p position.Position) (decimal.Decimal, error) {
	mctx, cancel := context.WithTimeout(ctx, m.cfg.MarketDataTimeout)
	defer cancel()
	timer := NewTimer(m.metrics.PriceFetch)
	price, err := m.prices.Price(mctx, p.Exchange, p.Symbol)
	timer.Stop()
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", market.ErrUnavailable, price)
	}
	return price, nil
}

// check re-reads the position under its slot, advances the high-water mark
// and tests the exit levels.
func (m *Monitor) check(ctx context.Context, id string, price decimal.Decimal) (risk.ExitReason, bool, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !cur.IsOpen() {
		return "", false, position.ErrNotOpen
	}

	if cur.TrailingStopEnabled && cur.TrailingStopPercent.IsPositive() {
		updated, moved, err := m.store.UpdateHighWaterMark(ctx, id, price)
		if err != nil {
			return "", false, err
		}
		if moved {
			m.log.Debug("high-water mark advanced", zap.String("position_id", id), zap.String("hwm", updated.HighestFavorablePrice.String()))
		}
		level := risk.TrailingStopLevel(updated.Side, updated.HighestFavorablePrice, updated.TrailingStopPercent)
		if risk.TrailingStopHit(updated.Side, price, level) {
			return risk.ExitTrailingStop, true, nil
		}
	}
	if m.cfg.FixedExits {
		if reason, hit := risk.FixedExitHit(cur.Side, cur.EntryPrice, price, cur.StopLossPercent, cur.TakeProfitPercent); hit {
			return reason, true, nil
		}
	}
	return "", false, nil
}

// close dispatches a CLOSE targeted at p. The slot is free between the
// check and the dispatch, so p may already be closed or flipped; the
// dispatcher then answers NOOP and close reports false.
func (m *Monitor) close(ctx context.Context, p position.Position, price decimal.Decimal, reason risk.ExitReason) (bool, error) {
	settings := db.DefaultSettings(p.UserID)
	if m.settings != nil {
		s, err := m.settings.SettingsForUser(ctx, p.UserID)
		if err != nil {
			m.log.Warn("settings unavailable, closing with defaults", zap.String("user_id", p.UserID), zap.Error(err))
		} else {
			settings = s
		}
	}
	settings.Exchange = p.Exchange

	out, err := m.closer.Dispatch(ctx, signal.TradeSignal{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Action:     signal.ActionClose,
		Price:      price,
		Source:     signal.SourceMonitor,
		Reason:     string(reason),
		PositionID: p.ID,
		ReceivedAt: m.now().UTC(),
	}, settings)
	if err != nil {
		return false, err
	}
	if out.Status == dispatch.StatusNoop {
		m.log.Info("position already closed elsewhere", zap.String("position_id", p.ID), zap.String("detail", out.Message))
		return false, nil
	}
	return true, nil
}

func (m *Monitor) alert(ctx context.Context, p position.Position, msg string) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(ctx, notify.Event{
		Kind:       notify.KindRiskAlert,
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		PositionID: p.ID,
		Paper:      p.IsPaper,
		Message:    msg,
		At:         m.now().UTC(),
	})
	if err != nil {
		m.log.Warn("degraded alert failed", zap.String("position_id", p.ID), zap.Error(err))
	}
}

// Health lists degraded positions.
func (m *Monitor) Health() []DegradedPosition {
	return m.failures.degraded()
}

// DegradedCount is len(Health()).
func (m *Monitor) DegradedCount() int {
	return len(m.failures.degraded())
}

// Metrics returns a snapshot of the monitor counters.
func (m *Monitor) Metrics() MetricsSnapshot {
	return m.metrics.snapshot(m.DegradedCount())
}

// Run adapts Sweep to a scheduler task. Overlaps are not failures.
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		return nil
	}
	return err
}
