package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// payloadSchema is the structural contract for webhook bodies. Value checks that
// need decimal parsing happen after schema validation.
const payloadSchema = `{
  "type": "object",
  "required": ["action", "symbol"],
  "properties": {
    "action": {"type": "string", "pattern": "^\\s*(?i:buy|sell|close)\\s*$"},
    "symbol": {"type": "string", "minLength": 1, "maxLength": 32},
    "price":  {"type": ["string", "number", "null"]},
    "size":   {"type": ["string", "number", "null"]}
  }
}`

// TokenVerifier maps a webhook token to its owning user.
type TokenVerifier interface {
	VerifyWebhookToken(ctx context.Context, token string) (userID string, err error)
}

// Intake turns raw webhook payloads into TradeSignals.
type Intake struct {
	schema   *jsonschema.Schema
	verifier TokenVerifier
	now      func() time.Time
}

// NewIntake compiles the payload schema. verifier may be nil when tokens are checked elsewhere.
func NewIntake(verifier TokenVerifier) (*Intake, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := compiler.Compile("webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &Intake{schema: schema, verifier: verifier, now: time.Now}, nil
}

// Authenticate resolves the user behind a webhook token.
func (in *Intake) Authenticate(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" || in.verifier == nil {
		return "", ErrUnknownToken
	}
	userID, err := in.verifier.VerifyWebhookToken(ctx, token)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrUnknownToken
	}
	return userID, nil
}

// Validate checks raw against the payload contract and returns a canonical signal.
func (in *Intake) Validate(userID string, raw []byte) (TradeSignal, error) {
	verr := &ValidationError{}
	body := strings.TrimSpace(string(raw))
	if body == "" {
		verr.add("body is empty")
		return TradeSignal{}, verr
	}
	if !gjson.Valid(body) {
		verr.add("body is not valid JSON")
		return TradeSignal{}, verr
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		verr.add("body is not valid JSON")
		return TradeSignal{}, verr
	}
	if err := in.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for _, e := range ve.BasicOutput().Errors {
				if e.KeywordLocation == "" {
					continue
				}
				verr.add(strings.TrimSpace(fieldName(e.InstanceLocation) + " " + e.Error))
			}
		}
		if len(verr.Problems) == 0 {
			verr.add(err.Error())
		}
		return TradeSignal{}, verr
	}

	parsed := gjson.Parse(body)
	sig := TradeSignal{
		ID:         uuid.NewString(),
		UserID:     userID,
		Action:     Action(strings.ToUpper(strings.TrimSpace(parsed.Get("action").String()))),
		Symbol:     normalizeSymbol(parsed.Get("symbol").String()),
		Source:     SourceWebhook,
		ReceivedAt: in.now().UTC(),
	}
	if userID == "" {
		verr.add("user is required")
	}
	if sig.Symbol == "" {
		verr.add("symbol must not be blank")
	}

	price, present, err := decimalField(parsed.Get("price"))
	switch {
	case err != nil:
		verr.add("price must be a decimal number")
	case present && !price.IsPositive():
		verr.add("price must be positive")
	case !present && sig.Action != ActionClose:
		verr.add("price is required for " + strings.ToLower(string(sig.Action)))
	}
	sig.Price = price

	size, present, err := decimalField(parsed.Get("size"))
	switch {
	case err != nil:
		verr.add("size must be a decimal number")
	case present && !size.IsPositive():
		verr.add("size must be positive")
	}
	sig.Size = size

	if len(verr.Problems) > 0 {
		return TradeSignal{}, verr
	}
	return sig, nil
}

// normalizeSymbol uppercases and strips separators such as "BTC/USDT" or "btc-usdt".
func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}

func decimalField(v gjson.Result) (decimal.Decimal, bool, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return decimal.Zero, false, nil
	}
	s := strings.TrimSpace(v.String())
	if v.Type == gjson.Number {
		s = v.Raw
	}
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, err
	}
	return d, true, nil
}

func fieldName(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return "body:"
	}
	return loc + ":"
}
