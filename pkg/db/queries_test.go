package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, ApplyMigrations(database))

	ok, err := columnExists(database.DB, "positions", "close_reason")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUserQueriesRequireUserID(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()

	_, err := q.SettingsForUser(ctx, "")
	assert.ErrorIs(t, err, ErrUserIDRequired)

	_, err = q.ActiveCredential(ctx, "", "binance")
	assert.ErrorIs(t, err, ErrUserIDRequired)

	err = q.RecordWebhookEvent(ctx, WebhookEvent{ID: "w1"})
	assert.ErrorIs(t, err, ErrUserIDRequired)

	_, err = q.WebhookEventsByUser(ctx, "", 10)
	assert.ErrorIs(t, err, ErrUserIDRequired)
}

func TestUserByWebhookToken(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()

	require.NoError(t, q.UpsertUser(ctx, User{ID: "u1", Email: "Alice@Example.com", WebhookToken: "tok-1", IsActive: true}))

	u, err := q.UserByWebhookToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.True(t, u.IsActive)

	_, err = q.UserByWebhookToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.UserByWebhookToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsDefaultsAndUpsert(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()
	require.NoError(t, q.UpsertUser(ctx, User{ID: "u1", Email: "a@x", WebhookToken: "t", IsActive: true}))

	s, err := q.SettingsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings("u1"), s)

	s.AutoTradingEnabled = true
	s.PaperTrading = false
	s.TrailingStopEnabled = true
	s.TrailingStopPercent = decimal.RequireFromString("1.25")
	s.EnableNotifications = true
	s.NotificationEmail = "a@x"
	require.NoError(t, q.UpsertSettings(ctx, s))

	got, err := q.SettingsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.AutoTradingEnabled)
	assert.False(t, got.PaperTrading)
	assert.True(t, got.TrailingStopEnabled)
	assert.True(t, got.TrailingStopPercent.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, got.DefaultPositionSize.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "a@x", got.NotifyAddress())
}

func TestActiveCredential(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()
	require.NoError(t, q.UpsertUser(ctx, User{ID: "u1", Email: "a@x", WebhookToken: "t", IsActive: true}))

	_, err := q.ActiveCredential(ctx, "u1", "binance")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.UpsertCredential(ctx, Credential{ID: "c1", UserID: "u1", Exchange: "Binance", APIKey: "ENC[v1]:k", APISecret: "ENC[v1]:s", IsActive: true}))
	c, err := q.ActiveCredential(ctx, "u1", "BINANCE")
	require.NoError(t, err)
	assert.Equal(t, "ENC[v1]:k", c.APIKey)

	require.NoError(t, q.UpsertCredential(ctx, Credential{ID: "c2", UserID: "u1", Exchange: "binance", APIKey: "x", APISecret: "y", IsActive: false}))
	_, err = q.ActiveCredential(ctx, "u1", "binance")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookAudit(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()

	require.NoError(t, q.RecordWebhookEvent(ctx, WebhookEvent{ID: "w1", UserID: "u1", Action: "buy", Symbol: "BTCUSDT", Price: "50000"}))
	require.NoError(t, q.MarkWebhookProcessed(ctx, "w1", "EXECUTED"))
	assert.ErrorIs(t, q.MarkWebhookProcessed(ctx, "missing", "x"), ErrNotFound)

	events, err := q.WebhookEventsByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Processed)
	assert.Equal(t, "EXECUTED", events[0].Outcome)
	assert.Equal(t, "50000", events[0].Price)
}

func TestActivityCountsAndHealth(t *testing.T) {
	database := setupTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	insertTrade := func(id, user string, at time.Time) {
		_, err := database.DB.Exec(`INSERT INTO trades (id, user_id, action, symbol, price, size, exchange, result, created_at)
			VALUES (?, ?, 'BUY', 'BTCUSDT', '1', '1', 'binance', 'SUCCESS', ?)`, id, user, at)
		require.NoError(t, err)
	}
	insertTrade("t1", "u1", now.Add(-time.Hour))
	insertTrade("t2", "u1", now.Add(-2*time.Hour))
	insertTrade("t3", "u2", now.Add(-30*time.Minute))
	insertTrade("t4", "u3", now.Add(-48*time.Hour))

	users, trades, open, err := q.ActivityCounts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, users)
	assert.Equal(t, 3, trades)
	assert.Equal(t, 0, open)

	_, err = q.LatestHealthSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.CreateHealthSnapshot(ctx, HealthSnapshot{ID: "h1", ActiveUsers: users, Trades24h: trades, StoreOK: true, TakenAt: now.Add(-time.Minute)}))
	require.NoError(t, q.CreateHealthSnapshot(ctx, HealthSnapshot{ID: "h2", ActiveUsers: 9, StoreOK: false, TakenAt: now}))
	h, err := q.LatestHealthSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h2", h.ID)
	assert.False(t, h.StoreOK)
}

type prefixSealer struct{}

func (prefixSealer) Encrypt(p string) (string, error) { return "ENC[v1]:" + p, nil }

func TestSeedFromYAML(t *testing.T) {
	q := setupTestDB(t).Queries()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: alice
    email: alice@example.com
    webhook_token: tok-alice
    settings:
      auto_trading_enabled: true
      paper_trading: false
      trailing_stop_enabled: true
      trailing_stop_percent: 1.5
    credentials:
      - exchange: binance
        api_key: key
        api_secret: secret
        testnet: true
  - id: bob
    email: bob@example.com
    webhook_token: tok-bob
    disabled: true
`), 0o600))

	f, err := ReadSeedFile(path)
	require.NoError(t, err)
	n, err := Seed(ctx, q, f, prefixSealer{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, err := q.SettingsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.AutoTradingEnabled)
	assert.False(t, s.PaperTrading)
	assert.True(t, s.TrailingStopPercent.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "market", s.TradingMode)

	c, err := q.ActiveCredential(ctx, "alice", "binance")
	require.NoError(t, err)
	assert.Equal(t, "ENC[v1]:key", c.APIKey)
	assert.True(t, c.Testnet)

	bob, err := q.UserByWebhookToken(ctx, "tok-bob")
	require.NoError(t, err)
	assert.False(t, bob.IsActive)
}

func TestSeedRejectsPlaintextWithoutSealer(t *testing.T) {
	q := setupTestDB(t).Queries()
	f := &SeedFile{Users: []SeedUser{{
		ID: "u", Email: "u@x", WebhookToken: "t",
		Credentials: []SeedCredential{{Exchange: "binance", APIKey: "k", APISecret: "s"}},
	}}}
	_, err := Seed(context.Background(), q, f, nil)
	assert.Error(t, err)
}

func TestReadSeedFileUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - id: a\n    colour: red\n"), 0o600))
	_, err := ReadSeedFile(path)
	assert.Error(t, err)
}
