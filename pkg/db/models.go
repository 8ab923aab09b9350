package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trading modes understood by the live executor.
const (
	TradingModeMarket              = "market"
	TradingModeLimit               = "limit"
	TradingModeMarketLimitFallback = "market_limit_fallback"
)

// User is a signal owner identified by a webhook token.
type User struct {
	ID           string
	Email        string
	WebhookToken string
	IsActive     bool
	CreatedAt    time.Time
}

// Settings is the per-user trading configuration read when a signal is processed.
type Settings struct {
	UserID              string
	AutoTradingEnabled  bool
	PaperTrading        bool
	Exchange            string
	TradingMode         string
	SlippagePercent     decimal.Decimal
	DefaultPositionSize decimal.Decimal // quote currency notional per open
	StopLossPercent     decimal.Decimal
	TakeProfitPercent   decimal.Decimal
	TrailingStopEnabled bool
	TrailingStopPercent decimal.Decimal
	EnableNotifications bool
	NotificationEmail   string
	UpdatedAt           time.Time
}

// DefaultSettings mirrors the column defaults for users without a settings row.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:              userID,
		AutoTradingEnabled:  false,
		PaperTrading:        true,
		Exchange:            "binance",
		TradingMode:         TradingModeMarket,
		SlippagePercent:     decimal.RequireFromString("0.5"),
		DefaultPositionSize: decimal.NewFromInt(100),
		StopLossPercent:     decimal.NewFromInt(2),
		TakeProfitPercent:   decimal.NewFromInt(5),
		TrailingStopEnabled: false,
		TrailingStopPercent: decimal.NewFromInt(1),
	}
}

// NotifyAddress returns the email to notify, or "" when notifications are off.
func (s Settings) NotifyAddress() string {
	if !s.EnableNotifications {
		return ""
	}
	return s.NotificationEmail
}

// Credential is a user's exchange API key pair. Key and secret are stored encrypted.
type Credential struct {
	ID        string
	UserID    string
	Exchange  string
	APIKey    string
	APISecret string
	Testnet   bool
	IsActive  bool
	CreatedAt time.Time
}

// WebhookEvent is the audit row written for each inbound webhook.
type WebhookEvent struct {
	ID         string
	UserID     string
	Action     string
	Symbol     string
	Price      string
	Processed  bool
	Outcome    string
	ReceivedAt time.Time
}

// HealthSnapshot is a periodic system health record.
type HealthSnapshot struct {
	ID                string
	ActiveUsers       int
	Trades24h         int
	OpenPositions     int
	DegradedPositions int
	StoreOK           bool
	TakenAt           time.Time
}
