// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Users
// ----------------------------------------

// UpsertUser creates or updates a user row keyed by id.
func (q *UserQueries) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, webhook_token, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			webhook_token = excluded.webhook_token,
			is_active = excluded.is_active
	`, u.ID, strings.ToLower(u.Email), u.WebhookToken, u.IsActive, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UserByWebhookToken resolves the owner of a webhook token.
func (q *UserQueries) UserByWebhookToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, webhook_token, is_active, created_at
		FROM users WHERE webhook_token = ?
	`, token)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.WebhookToken, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by token: %w", err)
	}
	return &u, nil
}

// ----------------------------------------
// Settings
// ----------------------------------------

// SettingsForUser returns the user's settings, or defaults when no row exists.
func (q *UserQueries) SettingsForUser(ctx context.Context, userID string) (Settings, error) {
	if userID == "" {
		return Settings{}, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, auto_trading_enabled, paper_trading, exchange, trading_mode,
		       slippage_percent, default_position_size, stop_loss_percent, take_profit_percent,
		       trailing_stop_enabled, trailing_stop_percent, enable_notifications,
		       notification_email, updated_at
		FROM user_settings WHERE user_id = ?
	`, userID)
	var s Settings
	err := row.Scan(&s.UserID, &s.AutoTradingEnabled, &s.PaperTrading, &s.Exchange, &s.TradingMode,
		&s.SlippagePercent, &s.DefaultPositionSize, &s.StopLossPercent, &s.TakeProfitPercent,
		&s.TrailingStopEnabled, &s.TrailingStopPercent, &s.EnableNotifications,
		&s.NotificationEmail, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return s, nil
}

// UpsertSettings stores a settings snapshot for a user.
func (q *UserQueries) UpsertSettings(ctx context.Context, s Settings) error {
	if s.UserID == "" {
		return ErrUserIDRequired
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_settings (
			user_id, auto_trading_enabled, paper_trading, exchange, trading_mode,
			slippage_percent, default_position_size, stop_loss_percent, take_profit_percent,
			trailing_stop_enabled, trailing_stop_percent, enable_notifications,
			notification_email, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_trading_enabled = excluded.auto_trading_enabled,
			paper_trading = excluded.paper_trading,
			exchange = excluded.exchange,
			trading_mode = excluded.trading_mode,
			slippage_percent = excluded.slippage_percent,
			default_position_size = excluded.default_position_size,
			stop_loss_percent = excluded.stop_loss_percent,
			take_profit_percent = excluded.take_profit_percent,
			trailing_stop_enabled = excluded.trailing_stop_enabled,
			trailing_stop_percent = excluded.trailing_stop_percent,
			enable_notifications = excluded.enable_notifications,
			notification_email = excluded.notification_email,
			updated_at = excluded.updated_at
	`, s.UserID, s.AutoTradingEnabled, s.PaperTrading, s.Exchange, s.TradingMode,
		s.SlippagePercent.String(), s.DefaultPositionSize.String(), s.StopLossPercent.String(),
		s.TakeProfitPercent.String(), s.TrailingStopEnabled, s.TrailingStopPercent.String(),
		s.EnableNotifications, s.NotificationEmail, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// UpsertCredential stores the (already encrypted) key pair for a user and exchange.
func (q *UserQueries) UpsertCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO api_credentials (id, user_id, exchange, api_key, api_secret, testnet, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, exchange) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			testnet = excluded.testnet,
			is_active = excluded.is_active
	`, c.ID, c.UserID, strings.ToLower(c.Exchange), c.APIKey, c.APISecret, c.Testnet, c.IsActive, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// ActiveCredential returns the active credential for a user on an exchange.
func (q *UserQueries) ActiveCredential(ctx context.Context, userID, exchange string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, api_key, api_secret, testnet, is_active, created_at
		FROM api_credentials
		WHERE user_id = ? AND exchange = ? AND is_active = 1
	`, userID, strings.ToLower(exchange))
	var c Credential
	err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.APIKey, &c.APISecret, &c.Testnet, &c.IsActive, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Webhook audit
// ----------------------------------------

// RecordWebhookEvent appends an audit row for an inbound webhook.
func (q *UserQueries) RecordWebhookEvent(ctx context.Context, e WebhookEvent) error {
	if e.UserID == "" {
		return ErrUserIDRequired
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, user_id, action, symbol, price, processed, outcome, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Action, e.Symbol, e.Price, e.Processed, e.Outcome, e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// MarkWebhookProcessed records the outcome of a webhook.
func (q *UserQueries) MarkWebhookProcessed(ctx context.Context, id, outcome string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = 1, outcome = ? WHERE id = ?
	`, outcome, id)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WebhookEventsByUser returns the most recent audit rows for a user.
func (q *UserQueries) WebhookEventsByUser(ctx context.Context, userID string, limit int) ([]WebhookEvent, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, action, symbol, COALESCE(price, ''), processed, outcome, received_at
		FROM webhook_events
		WHERE user_id = ?
		ORDER BY received_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook events: %w", err)
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Symbol, &e.Price, &e.Processed, &e.Outcome, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Health
// ----------------------------------------

// ActivityCounts returns distinct trading users and trades since the cutoff, plus open positions.
func (q *UserQueries) ActivityCounts(ctx context.Context, since time.Time) (activeUsers, trades, openPositions int, err error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT user_id) FROM trades WHERE created_at >= ?),
			(SELECT COUNT(*) FROM trades WHERE created_at >= ?),
			(SELECT COUNT(*) FROM positions WHERE status = 'OPEN')
	`, since.UTC(), since.UTC())
	if err = row.Scan(&activeUsers, &trades, &openPositions); err != nil {
		return 0, 0, 0, fmt.Errorf("query activity counts: %w", err)
	}
	return activeUsers, trades, openPositions, nil
}

// CreateHealthSnapshot persists a health record.
func (q *UserQueries) CreateHealthSnapshot(ctx context.Context, h HealthSnapshot) error {
	if h.TakenAt.IsZero() {
		h.TakenAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO system_health (id, active_users, trades_24h, open_positions, degraded_positions, store_ok, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.ActiveUsers, h.Trades24h, h.OpenPositions, h.DegradedPositions, h.StoreOK, h.TakenAt)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

// LatestHealthSnapshot returns the newest health record.
func (q *UserQueries) LatestHealthSnapshot(ctx context.Context) (*HealthSnapshot, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, active_users, trades_24h, open_positions, degraded_positions, store_ok, taken_at
		FROM system_health ORDER BY taken_at DESC LIMIT 1
	`)
	var h HealthSnapshot
	err := row.Scan(&h.ID, &h.ActiveUsers, &h.Trades24h, &h.OpenPositions, &h.DegradedPositions, &h.StoreOK, &h.TakenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query health snapshot: %w", err)
	}
	return &h, nil
}
