package gateway

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binance"
	exchange "signal-core/pkg/exchanges/common"
)

// Factory creates a Gateway from a decrypted credential.
type Factory func(cred db.Credential, apiKey, apiSecret string) (exchange.Gateway, error)

// DefaultFactory builds Binance USDT-M futures gateways. forceTestnet routes
// every credential to the testnet regardless of its own flag.
func DefaultFactory(forceTestnet bool, log *zap.Logger) Factory {
	return func(cred db.Credential, apiKey, apiSecret string) (exchange.Gateway, error) {
		switch strings.ToLower(cred.Exchange) {
		case "binance", "binance-usdtfut":
			return binance.New(binance.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   forceTestnet || cred.Testnet,
				Logger:    log,
			}), nil
		default:
			return nil, fmt.Errorf("unsupported exchange type: %s", cred.Exchange)
		}
	}
}
