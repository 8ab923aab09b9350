// Package gateway resolves per-user exchange gateways from stored credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/db"
	exchange "signal-core/pkg/exchanges/common"
)

var (
	// ErrNotConfigured means the user has no active, decryptable credential for the exchange.
	ErrNotConfigured = errors.New("exchange credentials not configured")
	// ErrGatewayUnhealthy is returned while a gateway's circuit is open.
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
)

// CredentialStore loads the active credential row for a user and exchange.
type CredentialStore interface {
	ActiveCredential(ctx context.Context, userID, exchange string) (*db.Credential, error)
}

// Decrypter opens encrypted credential fields.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway      exchange.Gateway
	UserID       string
	Exchange     string
	CredentialID string
	fingerprint  string
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	TrippedAt    time.Time // last failure at or past the threshold
	Failures     int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	FailureThreshold int           // Number of failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy gateway
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager caches one gateway per (user, exchange) with LRU eviction and a failure circuit.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*CachedGateway
	lruOrder []string // oldest first

	config    Config
	creds     CredentialStore
	decrypter Decrypter
	factory   Factory
	log       *zap.Logger
	now       func() time.Time
}

// NewManager creates a Manager. A nil decrypter accepts only plaintext credentials.
func NewManager(creds CredentialStore, decrypter Decrypter, factory Factory, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	return &Manager{
		gateways:  make(map[string]*CachedGateway),
		config:    cfg,
		creds:     creds,
		decrypter: decrypter,
		factory:   factory,
		log:       log.Named("gateway"),
		now:       time.Now,
	}
}

func cacheKey(userID, exchangeName string) string {
	return userID + "|" + strings.ToLower(exchangeName)
}

// Resolve returns the user's gateway for exchangeName, building it on first use.
// The credential row is re-read each call so deactivation and key rotation take effect.
func (m *Manager) Resolve(ctx context.Context, userID, exchangeName string) (exchange.Gateway, error) {
	exchangeName = strings.ToLower(exchangeName)
	cred, err := m.creds.ActiveCredential(ctx, userID, exchangeName)
	if errors.Is(err, db.ErrNotFound) || (err == nil && cred == nil) {
		m.Remove(userID, exchangeName)
		return nil, fmt.Errorf("%w: %s for user %s", ErrNotConfigured, exchangeName, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	fp := cred.ID + ":" + cred.APIKey + ":" + cred.APISecret

	key := cacheKey(userID, exchangeName)
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[key]; ok {
		if cached.fingerprint == fp {
			if m.trippedLocked(cached) && m.now().Sub(cached.TrippedAt) < m.config.CircuitTimeout {
				return nil, ErrGatewayUnhealthy
			}
			m.touchLRULocked(key)
			return cached.Gateway, nil
		}
		m.removeLocked(key)
	}

	if len(m.gateways) >= m.config.MaxSize {
		m.evictOldestLocked()
	}

	apiKey, err := m.open(cred.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt api key: %w", ErrNotConfigured, err)
	}
	apiSecret, err := m.open(cred.APISecret)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt api secret: %w", ErrNotConfigured, err)
	}
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: empty api key or secret", ErrNotConfigured)
	}

	gw, err := m.factory(*cred, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := m.now()
	m.gateways[key] = &CachedGateway{
		Gateway:      gw,
		UserID:       userID,
		Exchange:     exchangeName,
		CredentialID: cred.ID,
		fingerprint:  fp,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, key)
	m.log.Info("gateway created", zap.String("user_id", userID), zap.String("exchange", exchangeName), zap.Bool("testnet", cred.Testnet))
	return gw, nil
}

func (m *Manager) open(v string) (string, error) {
	if !strings.HasPrefix(v, "ENC[") {
		return v, nil
	}
	if m.decrypter == nil {
		return "", errors.New("no encryption key loaded")
	}
	return m.decrypter.Decrypt(v)
}

// Remove drops the cached gateway for a user and exchange.
func (m *Manager) Remove(userID, exchangeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(cacheKey(userID, exchangeName))
}

// RecordFailure counts a failed call through the user's gateway. Reaching
// the threshold opens the circuit for CircuitTimeout; a failure after the
// timeout, while half-open, opens it again.
func (m *Manager) RecordFailure(userID, exchangeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.gateways[cacheKey(userID, exchangeName)]
	if !ok {
		return
	}
	cached.Failures++
	if m.trippedLocked(cached) {
		cached.TrippedAt = m.now()
		m.log.Warn("gateway circuit open",
			zap.String("user_id", userID), zap.String("exchange", cached.Exchange), zap.Int("failures", cached.Failures))
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(userID, exchangeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[cacheKey(userID, exchangeName)]; ok {
		cached.Failures = 0
		cached.HealthyAt = m.now()
	}
}

func (m *Manager) trippedLocked(cached *CachedGateway) bool {
	return m.config.FailureThreshold > 0 && cached.Failures >= m.config.FailureThreshold
}

// CleanupIdle removes gateways unused for longer than IdleTimeout and returns how many.
func (m *Manager) CleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()
	var toRemove []string
	for key, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		m.removeLocked(key)
	}
	return len(toRemove)
}

// Close drops every cached gateway.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.gateways {
		m.removeLocked(key)
	}
	m.lruOrder = nil
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.config.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchange[cached.Exchange]++
		if m.trippedLocked(cached) {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int            `json:"total_gateways"`
	MaxSize        int            `json:"max_size"`
	ByExchange     map[string]int `json:"by_exchange"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

func (m *Manager) touchLRULocked(key string) {
	if cached, ok := m.gateways[key]; ok {
		cached.LastUsed = m.now()
	}
	for i, k := range m.lruOrder {
		if k == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, key)
			break
		}
	}
}

func (m *Manager) removeLocked(key string) {
	cached, ok := m.gateways[key]
	if !ok {
		return
	}
	if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	delete(m.gateways, key)
	for i, k := range m.lruOrder {
		if k == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() {
	if len(m.lruOrder) == 0 {
		return
	}
	m.removeLocked(m.lruOrder[0])
}
