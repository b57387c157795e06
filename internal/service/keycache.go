package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docgate-service/internal/model"
)

const keyCacheSweepSize = 10000

type keyCacheEntry struct {
	key     *model.APIKey
	fetched time.Time
}

// KeyCache is a read-through TTL cache of API key records. Concurrent misses
// for the same id share one store lookup.
//
// Every Invalidate bumps epoch. A lookup that started before an invalidation
// still answers its callers but is not cached, so a record read just before a
// revocation cannot outlive it.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]keyCacheEntry
	epoch   uint64
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{entries: make(map[string]keyCacheEntry), ttl: ttl, now: time.Now}
}

// Get returns a copy of a fresh cached record.
func (c *KeyCache) Get(id string) (*model.APIKey, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetched) >= c.ttl {
		return nil, false
	}
	return e.key.Clone(), true
}

// Load returns the cached record for id or fetches and caches it. Fetch
// errors are returned unchanged and nothing is cached.
func (c *KeyCache) Load(ctx context.Context, id string, fetch func(context.Context, string) (*model.APIKey, error)) (*model.APIKey, error) {
	if key, ok := c.Get(id); ok {
		return key, nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		c.mu.RLock()
		epoch := c.epoch
		c.mu.RUnlock()

		key, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.set(id, key, epoch)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.APIKey).Clone(), nil
}

// Invalidate drops id and discards the result of any lookup already in
// flight.
func (c *KeyCache) Invalidate(id string) {
	c.mu.Lock()
	c.epoch++
	delete(c.entries, id)
	c.mu.Unlock()
	c.group.Forget(id)
}

func (c *KeyCache) set(id string, key *model.APIKey, epoch uint64) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return
	}

	if len(c.entries) >= keyCacheSweepSize {
		for k, e := range c.entries {
			if now.Sub(e.fetched) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	c.entries[id] = keyCacheEntry{key: key.Clone(), fetched: now}
}
