package tools

import (
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	output   any
	storedAt time.Time
}

// resultCache keeps recent tool outputs keyed by tool name and normalised
// parameters. Entries older than ttl are treated as misses.
type resultCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil
	}
	return &resultCache{lru: c, ttl: ttl}
}

func (c *resultCache) get(key string) (any, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) >= c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.output, true
}

func (c *resultCache) put(key string, out any) {
	c.lru.Add(key, cacheEntry{output: out, storedAt: time.Now()})
}

// cacheKey relies on encoding/json sorting map keys. It returns "" when
// params cannot be encoded; such calls are not cached.
func cacheKey(name string, params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return name + ":" + string(b)
}
