package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// responseCache is a TTL cache for docs-task responses, keyed by
// H(prompt) ":" taskKind ":" model.
type responseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	resp      Response
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey derives the cache key for a request.
func cacheKey(req Request) string {
	sum := sha256.Sum256([]byte(req.Prompt))
	return hex.EncodeToString(sum[:]) + ":" + string(req.TaskKind) + ":" + req.Model
}

func (c *responseCache) get(key string) (*Response, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	resp := entry.resp
	resp.Cached = true
	return &resp, true
}

func (c *responseCache) put(key string, resp Response) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{resp: resp, expiresAt: time.Now().Add(c.ttl)}

	// Opportunistic sweep keeps the map bounded without a background
	// goroutine.
	if len(c.entries) > 1024 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}
