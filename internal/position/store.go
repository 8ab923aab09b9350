package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"signal-core/internal/risk"
	"signal-core/pkg/db"
)

const defaultPingInterval = 5 * time.Second

const positionColumns = `id, user_id, symbol, side, exchange, entry_price, size, highest_favorable_price,
	trailing_stop_enabled, trailing_stop_percent, stop_loss_percent, take_profit_percent,
	status, is_paper, exit_price, realized_pnl, close_reason, opened_at, closed_at`

const tradeColumns = `id, user_id, COALESCE(position_id, ''), action, side, symbol, price, size, fee,
	exchange, result, COALESCE(order_id, ''), COALESCE(error, ''), realized_pnl, is_paper, created_at`

// Store is the SQLite-backed position and trade repository.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	ping          func(ctx context.Context) error
	now           func() time.Time
	pingInterval time.Duration

	mu        sync.Mutex
	down      bool
	lastErr   error
	lastPing time.Time
}

// NewStore binds a store to an opened database.
func NewStore(d *db.Database, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:            d.DB,
		log:           log.Named("positions"),
		ping:          d.Ping,
		now:           time.Now,
		pingInterval: defaultPingInterval,
	}
}

// Ready returns ErrUnavailable while the store is marked down. A down store is
// re-pinged at most once per ping interval and recovers when a ping succeeds.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.down {
		return nil
	}
	now := s.now()
	if now.Sub(s.lastPing) < s.pingInterval {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.lastErr)
	}
	s.lastPing = now
	if err := s.ping(ctx); err != nil {
		s.lastErr = err
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.down = false
	s.lastErr = nil
	s.log.Info("position store recovered")
	return nil
}

// Available reports the last known availability without probing.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

func (s *Store) markDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.down {
		s.log.Error("position store marked unavailable", zap.Error(err))
	}
	s.down = true
	s.lastErr = err
	s.lastPing = s.now()
}

// check classifies err. Driver-level failures mark the store down and are
// wrapped with ErrUnavailable; caller-side errors pass through.
func (s *Store) check(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		isConstraint(err):
		return fmt.Errorf("%s: %w", op, err)
	}
	s.markDown(err)
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (Position, error) {
	var (
		p        Position
		side     string
		status   string
		closedAt sql.NullTime
	)
	err := r.Scan(&p.ID, &p.UserID, &p.Symbol, &side, &p.Exchange, &p.EntryPrice, &p.Size,
		&p.HighestFavorablePrice, &p.TrailingStopEnabled, &p.TrailingStopPercent,
		&p.StopLossPercent, &p.TakeProfitPercent, &status, &p.IsPaper, &p.ExitPrice,
		&p.RealizedPnL, &p.CloseReason, &p.OpenedAt, &closedAt)
	if err != nil {
		return Position{}, err
	}
	p.Side = risk.Side(side)
	p.Status = Status(status)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

func scanTrade(r rowScanner) (Trade, error) {
	var (
		t      Trade
		side   string
		result string
	)
	err := r.Scan(&t.ID, &t.UserID, &t.PositionID, &t.Action, &side, &t.Symbol, &t.Price, &t.Size,
		&t.Fee, &t.Exchange, &result, &t.OrderID, &t.Error, &t.RealizedPnL, &t.IsPaper, &t.CreatedAt)
	if err != nil {
		return Trade{}, err
	}
	t.Side = risk.Side(side)
	t.Result = Result(result)
	return t, nil
}

// GetOpen returns the OPEN position for (userID, symbol) or ErrNotFound.
func (s *Store) GetOpen(ctx context.Context, userID, symbol string) (*Position, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+`
		FROM positions WHERE user_id = ? AND symbol = ? AND status = 'OPEN'`, userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.check("get open position", err)
	}
	return &p, nil
}

// Get loads a position by id regardless of status.
func (s *Store) Get(ctx context.Context, id string) (*Position, error) {
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string) (*Position, error) {
	row := q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.check("get position", err)
	}
	return &p, nil
}

// ListOpen returns every OPEN position across all users.
func (s *Store) ListOpen(ctx context.Context) ([]Position, error) {
	return s.listPositions(ctx, "list open positions",
		`SELECT `+positionColumns+` FROM positions WHERE status = 'OPEN' ORDER BY opened_at`)
}

// ListOpenTrailing returns OPEN positions with the trailing stop enabled.
func (s *Store) ListOpenTrailing(ctx context.Context) ([]Position, error) {
	return s.listPositions(ctx, "list trailing positions",
		`SELECT `+positionColumns+` FROM positions
		WHERE status = 'OPEN' AND trailing_stop_enabled = 1 ORDER BY opened_at`)
}

// ListByUser returns a user's positions, newest first. An empty status means all.
func (s *Store) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]Position, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return s.listPositions(ctx, "list user positions", `SELECT `+positionColumns+` FROM positions
			WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?`, userID, limit)
	}
	return s.listPositions(ctx, "list user positions", `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status = ? ORDER BY opened_at DESC LIMIT ?`, userID, string(status), limit)
}

func (s *Store) listPositions(ctx context.Context, op, query string, args ...any) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.check(op, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, s.check(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.check(op, err)
	}
	return out, nil
}

// TradesByUser returns a user's trades, newest first.
func (s *Store) TradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, s.check("list trades", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, s.check("list trades", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.check("list trades", err)
	}
	return out, nil
}

// Open inserts an OPEN position and its opening trade in one transaction.
// The high-water mark starts at the entry price.
func (s *Store) Open(ctx context.Context, pos Position, trade Trade) (Position, error) {
	if pos.UserID == "" {
		return Position{}, db.ErrUserIDRequired
	}
	if !pos.Side.Valid() {
		return Position{}, fmt.Errorf("open position: invalid side %q", pos.Side)
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = s.now().UTC()
	}
	pos.Status = StatusOpen
	pos.HighestFavorablePrice = pos.EntryPrice
	pos.ExitPrice = decimal.NullDecimal{}
	pos.RealizedPnL = decimal.NullDecimal{}
	pos.ClosedAt = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, s.check("begin open", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, '', ?, NULL)`,
		pos.ID, pos.UserID, pos.Symbol, string(pos.Side), pos.Exchange, pos.EntryPrice, pos.Size,
		pos.HighestFavorablePrice, pos.TrailingStopEnabled, pos.TrailingStopPercent,
		pos.StopLossPercent, pos.TakeProfitPercent, string(pos.Status), pos.IsPaper, pos.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Position{}, ErrAlreadyOpen
		}
		return Position{}, s.check("insert position", err)
	}

	trade.PositionID = pos.ID
	if err := s.insertTrade(ctx, tx, &trade); err != nil {
		return Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return Position{}, s.check("commit open", err)
	}
	return pos, nil
}

// UpdateHighWaterMark advances the mark when price is more favorable. It
// returns the stored position and whether the mark moved.
func (s *Store) UpdateHighWaterMark(ctx context.Context, id string, price decimal.Decimal) (Position, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, false, s.check("begin hwm", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := s.get(ctx, tx, id)
	if err != nil {
		return Position{}, false, err
	}
	if !p.IsOpen() {
		return *p, false, ErrNotOpen
	}
	next, moved := risk.AdvanceHighWaterMark(p.Side, p.HighestFavorablePrice, price)
	if !moved {
		return *p, false, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE positions SET highest_favorable_price = ?
		WHERE id = ? AND status = 'OPEN'`, next, id)
	if err != nil {
		return Position{}, false, s.check("update hwm", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return *p, false, ErrNotOpen
	}
	if err := tx.Commit(); err != nil {
		return Position{}, false, s.check("commit hwm", err)
	}
	p.HighestFavorablePrice = next
	return *p, true, nil
}

// Close marks an OPEN position CLOSED with its realized PnL and appends the
// closing trade in one transaction. A second close returns ErrNotOpen.
func (s *Store) Close(ctx context.Context, id string, exitPrice decimal.Decimal, reason risk.ExitReason, trade Trade) (Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, s.check("begin close", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := s.get(ctx, tx, id)
	if err != nil {
		return Position{}, err
	}
	if !p.IsOpen() {
		return *p, ErrNotOpen
	}

	// Earlier partial exits already sit in realized_pnl.
	leg := risk.RealizedPnL(p.Side, p.EntryPrice, exitPrice, p.Size)
	pnl := p.RealizedPnL.Decimal.Add(leg)
	closedAt := s.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE positions
		SET status = 'CLOSED', exit_price = ?, realized_pnl = ?, close_reason = ?, closed_at = ?
		WHERE id = ? AND status = 'OPEN'`, exitPrice, pnl, string(reason), closedAt, id)
	if err != nil {
		return Position{}, s.check("close position", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return *p, ErrNotOpen
	}

	trade.PositionID = p.ID
	trade.RealizedPnL = decimal.NewNullDecimal(leg)
	if err := s.insertTrade(ctx, tx, &trade); err != nil {
		return Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return Position{}, s.check("commit close", err)
	}

	p.Status = StatusClosed
	p.ExitPrice = decimal.NewNullDecimal(exitPrice)
	p.RealizedPnL = decimal.NewNullDecimal(pnl)
	p.CloseReason = string(reason)
	p.ClosedAt = &closedAt
	return *p, nil
}

// Reduce records a partial exit of size units at exitPrice. The position
// stays OPEN with the remaining size and accrues the leg's PnL. Reducing by
// the full size or more is refused; use Close.
func (s *Store) Reduce(ctx context.Context, id string, exitPrice, size decimal.Decimal, trade Trade) (Position, error) {
	if !size.IsPositive() {
		return Position{}, fmt.Errorf("reduce position: non-positive size %s", size)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, s.check("begin reduce", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := s.get(ctx, tx, id)
	if err != nil {
		return Position{}, err
	}
	if !p.IsOpen() {
		return *p, ErrNotOpen
	}
	if !size.LessThan(p.Size) {
		return *p, fmt.Errorf("reduce position: size %s not below open size %s", size, p.Size)
	}

	leg := risk.RealizedPnL(p.Side, p.EntryPrice, exitPrice, size)
	remaining := p.Size.Sub(size)
	accrued := p.RealizedPnL.Decimal.Add(leg)
	res, err := tx.ExecContext(ctx, `UPDATE positions SET size = ?, realized_pnl = ?
		WHERE id = ? AND status = 'OPEN'`, remaining, accrued, id)
	if err != nil {
		return Position{}, s.check("reduce position", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return *p, ErrNotOpen
	}

	trade.PositionID = p.ID
	trade.RealizedPnL = decimal.NewNullDecimal(leg)
	if err := s.insertTrade(ctx, tx, &trade); err != nil {
		return Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return Position{}, s.check("commit reduce", err)
	}
	p.Size = remaining
	p.RealizedPnL = decimal.NewNullDecimal(accrued)
	return *p, nil
}

// RecordTrade appends a standalone trade, typically a FAILED attempt.
func (s *Store) RecordTrade(ctx context.Context, t Trade) (Trade, error) {
	if t.UserID == "" {
		return Trade{}, db.ErrUserIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trade{}, s.check("begin trade", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.insertTrade(ctx, tx, &t); err != nil {
		return Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return Trade{}, s.check("commit trade", err)
	}
	return t, nil
}

func (s *Store) insertTrade(ctx context.Context, tx *sql.Tx, t *Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO trades (id, user_id, position_id, action, side, symbol,
		price, size, fee, exchange, result, order_id, error, realized_pnl, is_paper, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, nullString(t.PositionID), t.Action, string(t.Side), t.Symbol,
		t.Price, t.Size, t.Fee, t.Exchange, string(t.Result), nullString(t.OrderID),
		nullString(t.Error), t.RealizedPnL, t.IsPaper, t.CreatedAt)
	if err != nil {
		return s.check("insert trade", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
