package signal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapVerifier map[string]string

func (m mapVerifier) VerifyWebhookToken(_ context.Context, token string) (string, error) {
	if id, ok := m[token]; ok {
		return id, nil
	}
	return "", ErrUnknownToken
}

func newIntake(t *testing.T) *Intake {
	t.Helper()
	in, err := NewIntake(mapVerifier{"tok": "u1"})
	require.NoError(t, err)
	return in
}

func TestValidateAcceptsCanonicalPayloads(t *testing.T) {
	in := newIntake(t)
	tests := []struct {
		name   string
		body   string
		action Action
		symbol string
		price  string
		size   string
	}{
		{"buy string price", `{"action":"buy","symbol":"btcusdt","price":"50000.5"}`, ActionBuy, "BTCUSDT", "50000.5", "0"},
		{"sell numeric price", `{"action":"SELL","symbol":"ETHUSDT","price":3000}`, ActionSell, "ETHUSDT", "3000", "0"},
		{"close without price", `{"action":" Close ","symbol":"BTC/USDT"}`, ActionClose, "BTCUSDT", "0", "0"},
		{"size override", `{"action":"buy","symbol":"solusdt","price":"20","size":"1.5"}`, ActionBuy, "SOLUSDT", "20", "1.5"},
		{"null price on close", `{"action":"close","symbol":"BTCUSDT","price":null}`, ActionClose, "BTCUSDT", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := in.Validate("u1", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.action, sig.Action)
			assert.Equal(t, tt.symbol, sig.Symbol)
			assert.True(t, sig.Price.Equal(decimal.RequireFromString(tt.price)), "price %s", sig.Price)
			assert.True(t, sig.Size.Equal(decimal.RequireFromString(tt.size)), "size %s", sig.Size)
			assert.Equal(t, "u1", sig.UserID)
			assert.Equal(t, SourceWebhook, sig.Source)
			assert.NotEmpty(t, sig.ID)
			assert.False(t, sig.ReceivedAt.IsZero())
		})
	}
}

func TestValidateRejects(t *testing.T) {
	in := newIntake(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "empty"},
		{"not json", `{action:buy`, "JSON"},
		{"array", `[{"action":"buy"}]`, ""},
		{"missing action", `{"symbol":"BTCUSDT","price":"1"}`, ""},
		{"unknown action", `{"action":"hold","symbol":"BTCUSDT","price":"1"}`, "action"},
		{"blank symbol", `{"action":"buy","symbol":"   ","price":"1"}`, "symbol"},
		{"buy without price", `{"action":"buy","symbol":"BTCUSDT"}`, "price is required"},
		{"negative price", `{"action":"sell","symbol":"BTCUSDT","price":"-3"}`, "price must be positive"},
		{"garbage price", `{"action":"sell","symbol":"BTCUSDT","price":"abc"}`, "price must be a decimal"},
		{"zero size", `{"action":"buy","symbol":"BTCUSDT","price":"1","size":0}`, "size must be positive"},
		{"object price", `{"action":"buy","symbol":"BTCUSDT","price":{"v":1}}`, "price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Validate("u1", []byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.NotEmpty(t, ve.Problems)
			if tt.want != "" {
				assert.Contains(t, strings.Join(ve.Problems, "; "), tt.want)
			}
		})
	}
}

func TestValidateRequiresUser(t *testing.T) {
	in := newIntake(t)
	_, err := in.Validate("", []byte(`{"action":"close","symbol":"BTCUSDT"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAuthenticate(t *testing.T) {
	in := newIntake(t)
	ctx := context.Background()

	id, err := in.Authenticate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = in.Authenticate(ctx, "bad")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = in.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSlotKey(t *testing.T) {
	assert.Equal(t, "u1|BTCUSDT", SlotKey("u1", "btcusdt"))
	assert.Equal(t, SlotKey("u1", "BTCUSDT"), TradeSignal{UserID: "u1", Symbol: "BTCUSDT"}.Key())
}
