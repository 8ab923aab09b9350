// Package cache holds short-lived market prices keyed by venue and symbol.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// PriceCache is a sharded price cache; entries expire after the TTL given to Get.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

// Key joins venue and symbol into a cache key.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price.
func (c *PriceCache) Set(key string, price decimal.Decimal) {
	s := c.shard(key)
	s.mu.Lock()
	s.items[key] = priceEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the price when it is younger than maxAge.
func (c *PriceCache) Get(key string, maxAge time.Duration) (decimal.Decimal, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.now().Sub(e.updatedAt) > maxAge {
		return decimal.Decimal{}, false
	}
	return e.price, true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many were dropped.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns all cached prices (for debugging/admin).
func (c *PriceCache) Snapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.items {
			out[k] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
