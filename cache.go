package lattice

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// CacheConfig configures the shared query result cache.
type CacheConfig struct {
	// Capacity is the maximum number of live entries.
	Capacity int `yaml:"capacity"`

	// TTL is how long an entry stays servable after Put.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired entries are swept out in the
	// background.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Compression enables snappy compression of cached payloads.
	Compression bool `yaml:"compression"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:      1000,
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
		Compression:   true,
	}
}

// sweepBatchSize bounds how many entries one sweep removes per lock
// acquisition so the sweep never starves foreground get/put calls.
const sweepBatchSize = 128

// CacheStats contains cache statistics.
type CacheStats struct {
	Size          int           `json:"size"`
	Capacity      int           `json:"capacity"`
	TTL           time.Duration `json:"ttl"`
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	Evictions     int64         `json:"evictions"`
	Invalidations int64         `json:"invalidations"`
}

type cacheEntry struct {
	key        string
	db         string
	payload    []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// ResultCache is a bounded LRU+TTL mapping from canonical query keys to
// result payloads, shared across all databases. A single mutex is the global
// serialization point: once InvalidateDB returns, no later Get can observe
// an entry it removed.
type ResultCache struct {
	capacity int
	ttl      time.Duration
	sweep    time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
	// accessOrder holds every live key, least recently accessed first.
	// Untouched entries keep their insertion order, so eviction ties on
	// last access resolve to the earlier insert.
	accessOrder []string
	dbKeys      map[string]map[string]struct{}

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResultCache creates a result cache.
func NewResultCache(cfg CacheConfig) *ResultCache {
	def := DefaultCacheConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &ResultCache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		sweep:    cfg.SweepInterval,
		entries:  make(map[string]*cacheEntry),
		dbKeys:   make(map[string]map[string]struct{}),
	}
}

// QueryKey derives the canonical cache key for a query. Identical logical
// queries yield identical keys regardless of parameter order.
func QueryKey(db, kind string, params map[string]string) string {
	raw := db + "|" + kind
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			raw += "|" + name + "=" + params[name]
		}
	}
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum[:16])
}

// formatCoord renders a float parameter canonically for key derivation.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Get returns the payload for key if present and unexpired, refreshing its
// access time. Expired entries found during lookup are removed lazily.
func (c *ResultCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(key)
		c.misses.Add(1)
		return nil, false
	}

	entry.lastAccess = time.Now()
	c.promoteLocked(key)
	c.hits.Add(1)

	payload := make([]byte, len(entry.payload))
	copy(payload, entry.payload)
	return payload, true
}

// Put stores a payload for key under db with expiry now + TTL. When the
// cache is at capacity and key is new, the globally least-recently-accessed
// entry is evicted first.
func (c *ResultCache) Put(db, key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		entry.payload = payload
		entry.expiresAt = now.Add(c.ttl)
		entry.lastAccess = now
		c.promoteLocked(key)
		return
	}

	for len(c.entries) >= c.capacity {
		if !c.evictOneLocked() {
			break
		}
	}

	c.entries[key] = &cacheEntry{
		key:        key,
		db:         db,
		payload:    payload,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
	c.accessOrder = append(c.accessOrder, key)

	keys := c.dbKeys[db]
	if keys == nil {
		keys = make(map[string]struct{})
		c.dbKeys[db] = keys
	}
	keys[key] = struct{}{}
}

// Invalidate removes key if present.
func (c *ResultCache) Invalidate(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
		c.invalidations.Add(1)
	}
	c.mu.Unlock()
}

// InvalidateDB removes every entry belonging to db. By the time it returns,
// no subsequent Get can serve a removed entry. The error return allows
// alternative cache implementations to report failure; the caller escalates
// a failure to Clear.
func (c *ResultCache) InvalidateDB(db string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.dbKeys[db]
	if !ok {
		return 0, nil
	}
	count := 0
	for key := range keys {
		c.removeLocked(key)
		count++
	}
	delete(c.dbKeys, db)
	c.invalidations.Add(int64(count))
	return count, nil
}

// Clear drops every live entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	count := int64(len(c.entries))
	c.entries = make(map[string]*cacheEntry)
	c.accessOrder = nil
	c.dbKeys = make(map[string]map[string]struct{})
	c.invalidations.Add(count)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	return CacheStats{
		Size:          size,
		Capacity:      c.capacity,
		TTL:           c.ttl,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Start launches the background TTL sweep.
func (c *ResultCache) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop terminates the background sweep and waits for it to exit.
func (c *ResultCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *ResultCache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired removes all expired entries, releasing the lock between
// batches so foreground operations are not starved by a large backlog.
func (c *ResultCache) sweepExpired() {
	for {
		now := time.Now()
		c.mu.Lock()
		var batch []string
		for key, entry := range c.entries {
			if now.After(entry.expiresAt) {
				batch = append(batch, key)
				if len(batch) >= sweepBatchSize {
					break
				}
			}
		}
		for _, key := range batch {
			c.removeLocked(key)
		}
		c.mu.Unlock()

		if len(batch) < sweepBatchSize {
			return
		}
	}
}

func (c *ResultCache) evictOneLocked() bool {
	if len(c.accessOrder) == 0 {
		return false
	}
	c.removeLocked(c.accessOrder[0])
	c.evictions.Add(1)
	return true
}

func (c *ResultCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)

	for i, k := range c.accessOrder {
		if k == key {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}

	if keys, ok := c.dbKeys[entry.db]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.dbKeys, entry.db)
		}
	}
}

func (c *ResultCache) promoteLocked(key string) {
	for i, k := range c.accessOrder {
		if k == key {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			c.accessOrder = append(c.accessOrder, key)
			return
		}
	}
}
