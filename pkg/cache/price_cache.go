// Package cache keeps the last observed price per symbol with its age, so
// consumers can tell a live quote from a stale one.
package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const numShards = 16

// Quote is one cached observation.
type Quote struct {
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age reports how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.UpdatedAt)
}

// PriceCache is a sharded symbol -> Quote map.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Quote)}
	}
	return c
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *PriceCache) Set(symbol string, price float64, source string) {
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = Quote{Price: price, Source: source, UpdatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves the quote for a symbol.
func (c *PriceCache) Get(symbol string) (Quote, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q, ok
}

// Fresh returns the price only if it is younger than maxAge.
func (c *PriceCache) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	q, ok := c.Get(symbol)
	if !ok || q.Age(c.now()) > maxAge {
		return 0, false
	}
	return q.Price, true
}

// Stale lists symbols whose quote is older than maxAge, sorted.
func (c *PriceCache) Stale(maxAge time.Duration) []string {
	now := c.now()
	var out []string
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			if q.Age(now) > maxAge {
				out = append(out, sym)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Delete removes a symbol from the cache.
func (c *PriceCache) Delete(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
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

// Cleanup removes entries older than maxAge.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, q := range s.items {
			if q.UpdatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of every quote.
func (c *PriceCache) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			out[sym] = q
		}
		s.mu.RUnlock()
	}
	return out
}
