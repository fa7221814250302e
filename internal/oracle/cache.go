package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// Cache stores quotes by ticker. Entries carry their own FetchedAt; the
// retention passed to Set only bounds how long the cache keeps them.
type Cache interface {
	Get(ctx context.Context, ticker string) (model.Quote, bool, error)
	Set(ctx context.Context, q model.Quote, retention time.Duration) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	quote     model.Quote
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, ticker string) (model.Quote, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[ticker]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return model.Quote{}, false, nil
	}
	return e.quote, true, nil
}

func (c *MemoryCache) Set(_ context.Context, q model.Quote, retention time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Ticker] = memoryEntry{quote: q, expiresAt: c.now().Add(retention)}
	return nil
}

// RedisCache shares quotes between service instances.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "quote:"}
}

func (c *RedisCache) Get(ctx context.Context, ticker string) (model.Quote, bool, error) {
	data, err := c.rdb.Get(ctx, c.prefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, false, nil
	}
	if err != nil {
		return model.Quote{}, false, err
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		// Corrupt entry: treat as a miss, the next Set overwrites it.
		return model.Quote{}, false, nil
	}
	return q, true, nil
}

func (c *RedisCache) Set(ctx context.Context, q model.Quote, retention time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+q.Ticker, data, retention).Err()
}
