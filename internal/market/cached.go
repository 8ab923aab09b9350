package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/pkg/cache"
)

// Cached bounds every lookup with a timeout and serves recent prices from a TTL cache.
type Cached struct {
	next    Accessor
	cache   *cache.PriceCache
	ttl     time.Duration
	timeout time.Duration
	bus     *events.Bus
	log     *zap.Logger
}

// CachedOption configures a Cached accessor.
type CachedOption func(*Cached)

// WithBus publishes every freshly fetched price as a tick.
func WithBus(bus *events.Bus) CachedOption {
	return func(c *Cached) { c.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) CachedOption {
	return func(c *Cached) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCached wraps next. A zero ttl disables caching; a zero timeout disables the deadline.
func NewCached(next Accessor, ttl, timeout time.Duration, opts ...CachedOption) *Cached {
	c := &Cached{
		next:    next,
		cache:   cache.NewPriceCache(),
		ttl:     ttl,
		timeout: timeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("market")
	return c
}

// Price implements Accessor.
func (c *Cached) Price(ctx context.Context, exchangeName, symbol string) (decimal.Decimal, error) {
	key := cache.Key(exchangeName, symbol)
	if c.ttl > 0 {
		if p, ok := c.cache.Get(key, c.ttl); ok {
			return p, nil
		}
	}

	fetchCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	p, err := c.next.Price(fetchCtx, exchangeName, symbol)
	if err != nil {
		c.log.Debug("price fetch failed", zap.String("exchange", exchangeName), zap.String("symbol", symbol), zap.Error(err))
		if errors.Is(err, ErrUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if c.ttl > 0 {
		c.cache.Set(key, p)
	}
	if c.bus != nil {
		c.bus.Publish(events.EventPriceTick, "", Tick{Exchange: exchangeName, Symbol: symbol, Price: p, At: time.Now().UTC()})
	}
	return p, nil
}

// Prune drops cache entries older than the TTL and returns how many were removed.
func (c *Cached) Prune() int {
	if c.ttl <= 0 {
		return 0
	}
	return c.cache.Cleanup(c.ttl)
}
