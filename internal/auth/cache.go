package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HashToken returns the cache key for a raw bearer token. Raw tokens are
// never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenCache holds verified principals keyed by token hash.
type TokenCache interface {
	Get(ctx context.Context, tokenHash string) (Principal, bool)
	Set(ctx context.Context, tokenHash string, p Principal)
	Delete(ctx context.Context, tokenHash string)
	// Sweep removes expired entries and returns how many it dropped.
	Sweep(ctx context.Context) int
	Len(ctx context.Context) int
}

type cachedPrincipal struct {
	principal Principal
	expiresAt time.Time
}

// MemoryCache is a size-bounded in-process token cache. Entries expire
// lazily on read; Sweep is the periodic backstop for entries nobody reads
// again.
type MemoryCache struct {
	lru *expirable.LRU[string, cachedPrincipal]
	ttl time.Duration
	now func() time.Time
}

// NewMemoryCache builds a cache holding at most size entries for ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, cachedPrincipal](size, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *MemoryCache) Get(ctx context.Context, tokenHash string) (Principal, bool) {
	entry, ok := c.lru.Get(tokenHash)
	if !ok {
		return Principal{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(tokenHash)
		return Principal{}, false
	}
	return entry.principal, true
}

func (c *MemoryCache) Set(ctx context.Context, tokenHash string, p Principal) {
	c.lru.Add(tokenHash, cachedPrincipal{principal: p, expiresAt: c.now().Add(c.ttl)})
}

func (c *MemoryCache) Delete(ctx context.Context, tokenHash string) {
	c.lru.Remove(tokenHash)
}

func (c *MemoryCache) Sweep(ctx context.Context) int {
	removed := 0
	now := c.now()
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && now.After(entry.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) Len(ctx context.Context) int {
	return c.lru.Len()
}
