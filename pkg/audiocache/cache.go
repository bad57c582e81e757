// Package audiocache stores synthesized audio keyed by a content
// fingerprint so identical TTS requests are served without another
// upstream call.
package audiocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/voxlab/voicebot/pkg/logger"
)

type entry struct {
	data      []byte
	format    string
	createdAt time.Time
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Cache is a TTL + LRU bounded in-memory audio store. The fingerprint
// returned by Put doubles as the public audio id.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	order      []string // oldest first
	maxEntries int
	maxBytes   int64
	totalBytes int64
	ttl        time.Duration
	now        func() time.Time
}

func New(ttl time.Duration, maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		order:      make([]string, 0, maxEntries),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Key fingerprints a synthesis request. The NUL separator keeps
// distinct (text, voice, format) triples from colliding at field
// boundaries.
func Key(text, voice, format string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(format))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns cached audio for the request, refreshing its recency.
// The returned bytes are a copy the caller owns.
func (c *Cache) Get(text, voice, format string) ([]byte, string, bool) {
	key := Key(text, voice, format)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e) {
		return nil, key, false
	}

	c.moveToEndLocked(key)
	return copyBytes(e.data), key, true
}

// Lookup retrieves audio by its public id without refreshing recency.
func (c *Cache) Lookup(key string) ([]byte, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e) {
		return nil, "", false
	}
	return copyBytes(e.data), e.format, true
}

// Put stores a copy of data and returns the fingerprint key. While
// either bound is exceeded, the least recently used entry is evicted.
func (c *Cache) Put(text, voice, format string, data []byte) string {
	key := Key(text, voice, format)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.totalBytes -= int64(len(old.data))
		c.removeFromOrderLocked(key)
	}

	c.entries[key] = &entry{
		data:      copyBytes(data),
		format:    format,
		createdAt: c.now(),
	}
	c.order = append(c.order, key)
	c.totalBytes += int64(len(data))

	for len(c.entries) > c.maxEntries || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		if !c.evictOldestLocked() {
			break
		}
	}

	logger.DebugCF("audiocache", "Stored audio", map[string]any{
		"key":     key[:12],
		"bytes":   len(data),
		"entries": len(c.entries),
	})
	return key
}

// Remove evicts one entry by its public id.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.totalBytes -= int64(len(e.data))
	delete(c.entries, key)
	c.removeFromOrderLocked(key)
	return true
}

// SweepExpired removes every entry past its TTL and returns how many.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if c.expiredLocked(e) {
			c.totalBytes -= int64(len(e.data))
			delete(c.entries, key)
			c.removeFromOrderLocked(key)
			removed++
		}
	}

	if removed > 0 {
		logger.InfoCF("audiocache", "Swept expired audio", map[string]any{
			"removed":   removed,
			"remaining": len(c.entries),
		})
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.entries), TotalBytes: c.totalBytes}
}

// StartSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepExpired()
			}
		}
	}()
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.now().Sub(e.createdAt) > c.ttl
}

func (c *Cache) evictOldestLocked() bool {
	if len(c.order) == 0 {
		return false
	}
	key := c.order[0]
	c.order = c.order[1:]
	if e, ok := c.entries[key]; ok {
		c.totalBytes -= int64(len(e.data))
		delete(c.entries, key)
	}
	return true
}

func (c *Cache) moveToEndLocked(key string) {
	c.removeFromOrderLocked(key)
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrderLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
