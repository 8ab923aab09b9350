package db

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Sealer encrypts credential material before it is stored.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// SeedFile is the YAML bootstrap format for users, settings and credentials.
type SeedFile struct {
	Users []SeedUser `yaml:"users"`
}

// SeedUser is one user entry in a seed file.
type SeedUser struct {
	ID           string           `yaml:"id"`
	Email        string           `yaml:"email"`
	WebhookToken string           `yaml:"webhook_token"`
	Disabled     bool             `yaml:"disabled"`
	Settings     *SeedSettings    `yaml:"settings"`
	Credentials  []SeedCredential `yaml:"credentials"`
}

// SeedSettings overrides DefaultSettings; omitted fields keep their defaults.
type SeedSettings struct {
	AutoTradingEnabled  *bool    `yaml:"auto_trading_enabled"`
	PaperTrading        *bool    `yaml:"paper_trading"`
	Exchange            string   `yaml:"exchange"`
	TradingMode         string   `yaml:"trading_mode"`
	SlippagePercent     *float64 `yaml:"slippage_percent"`
	DefaultPositionSize *float64 `yaml:"default_position_size"`
	StopLossPercent     *float64 `yaml:"stop_loss_percent"`
	TakeProfitPercent   *float64 `yaml:"take_profit_percent"`
	TrailingStopEnabled *bool    `yaml:"trailing_stop_enabled"`
	TrailingStopPercent *float64 `yaml:"trailing_stop_percent"`
	EnableNotifications *bool    `yaml:"enable_notifications"`
	NotificationEmail   string   `yaml:"notification_email"`
}

// SeedCredential is a plaintext (or pre-encrypted) key pair.
type SeedCredential struct {
	Exchange  string `yaml:"exchange"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// ReadSeedFile parses a seed file, rejecting unknown fields.
func ReadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Seed upserts every user in f. Credentials are sealed unless already encrypted;
// a nil sealer rejects seeds that carry plaintext credentials.
func Seed(ctx context.Context, q *UserQueries, f *SeedFile, sealer Sealer) (int, error) {
	if f == nil {
		return 0, nil
	}
	for i, su := range f.Users {
		if su.ID == "" || su.WebhookToken == "" {
			return i, fmt.Errorf("seed user %d: id and webhook_token are required", i)
		}
		if err := q.UpsertUser(ctx, User{
			ID:           su.ID,
			Email:        su.Email,
			WebhookToken: su.WebhookToken,
			IsActive:     !su.Disabled,
		}); err != nil {
			return i, err
		}
		if su.Settings != nil {
			if err := q.UpsertSettings(ctx, su.Settings.apply(DefaultSettings(su.ID))); err != nil {
				return i, err
			}
		}
		for _, sc := range su.Credentials {
			key, err := seal(sealer, sc.APIKey)
			if err != nil {
				return i, fmt.Errorf("seed user %s: %w", su.ID, err)
			}
			secret, err := seal(sealer, sc.APISecret)
			if err != nil {
				return i, fmt.Errorf("seed user %s: %w", su.ID, err)
			}
			if err := q.UpsertCredential(ctx, Credential{
				ID:        uuid.NewString(),
				UserID:    su.ID,
				Exchange:  sc.Exchange,
				APIKey:    key,
				APISecret: secret,
				Testnet:   sc.Testnet,
				IsActive:  true,
			}); err != nil {
				return i, err
			}
		}
	}
	return len(f.Users), nil
}

func seal(sealer Sealer, v string) (string, error) {
	if strings.HasPrefix(v, "ENC[") {
		return v, nil
	}
	if sealer == nil {
		return "", fmt.Errorf("plaintext credential without encryption key")
	}
	return sealer.Encrypt(v)
}

func (s SeedSettings) apply(base Settings) Settings {
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setDec := func(dst *decimal.Decimal, v *float64) {
		if v != nil {
			*dst = decimal.NewFromFloat(*v)
		}
	}
	setBool(&base.AutoTradingEnabled, s.AutoTradingEnabled)
	setBool(&base.PaperTrading, s.PaperTrading)
	setBool(&base.TrailingStopEnabled, s.TrailingStopEnabled)
	setBool(&base.EnableNotifications, s.EnableNotifications)
	setDec(&base.SlippagePercent, s.SlippagePercent)
	setDec(&base.DefaultPositionSize, s.DefaultPositionSize)
	setDec(&base.StopLossPercent, s.StopLossPercent)
	setDec(&base.TakeProfitPercent, s.TakeProfitPercent)
	setDec(&base.TrailingStopPercent, s.TrailingStopPercent)
	if s.Exchange != "" {
		base.Exchange = strings.ToLower(s.Exchange)
	}
	if s.TradingMode != "" {
		base.TradingMode = strings.ToLower(s.TradingMode)
	}
	if s.NotificationEmail != "" {
		base.NotificationEmail = s.NotificationEmail
	}
	return base
}
