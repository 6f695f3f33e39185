// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package hostcache is the in-memory record cache shared by all resolve calls.
// Every read hands out a deep copy; the canonical record never leaves the lock.
package hostcache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"httpdns/hostrecord"
	"httpdns/logger"
)

const defaultCapacity = 4096

// PersistentStore is the durable record store behind the cache.
type PersistentStore interface {
	Get(key string) (*hostrecord.HostRecord, error)
	Put(rec *hostrecord.HostRecord) error
	DeleteByKeys(keys []string) error
	DeleteAll() error
	SweepExpiredBefore(t time.Time) (int, error)
}

// Iterable stores can be bulk-loaded by Warm.
type Iterable interface {
	Each(fn func(*hostrecord.HostRecord) bool) error
}

// Config defines the cache dependencies. Store may be nil for a memory-only cache.
type Config struct {
	Capacity int
	Store    PersistentStore
	Logger   *slog.Logger
	Now      func() time.Time
}

// Cache maps cache keys to host records.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	capacity int
	store    PersistentStore
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Cache using the provided configuration.
func New(cfg Config) (*Cache, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	l, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("hostcache: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		lru:      l,
		capacity: capacity,
		store:    cfg.Store,
		logger:   logger.OrDiscard(cfg.Logger),
		now:      now,
	}, nil
}

func (c *Cache) peek(key string) (*hostrecord.HostRecord, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*hostrecord.HostRecord), true
}

// Get returns a copy of the record for key. On a memory miss the durable store
// is consulted and a hit there is cached with LoadedFromStore set.
func (c *Cache) Get(key string) (*hostrecord.HostRecord, bool) {
	c.mu.Lock()
	if rec, ok := c.peek(key); ok {
		out := rec.Clone()
		c.mu.Unlock()
		return out, true
	}
	c.mu.Unlock()

	loaded := c.hydrate(key)
	if loaded == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent writer may have populated the key while we read the store
	if rec, ok := c.peek(key); ok {
		return rec.Clone(), true
	}
	c.lru.Add(key, loaded)
	return loaded.Clone(), true
}

func (c *Cache) hydrate(key string) *hostrecord.HostRecord {
	if c.store == nil {
		return nil
	}
	rec, err := c.store.Get(key)
	if err != nil || rec == nil {
		return nil
	}
	rec.CacheKey = key
	rec.LoadedFromStore = true
	c.logger.Debug("hostcache: hydrated record from store", "key", key)
	return rec
}

// GetOrCreate returns a copy of the record for key, inserting factory() when
// neither memory nor the durable store has one.
func (c *Cache) GetOrCreate(key string, factory func() *hostrecord.HostRecord) *hostrecord.HostRecord {
	if rec, ok := c.Get(key); ok {
		return rec
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.peek(key); ok {
		return rec.Clone()
	}
	rec := factory()
	if rec == nil {
		rec = hostrecord.New(key, key)
	}
	rec.CacheKey = key
	c.lru.Add(key, rec)
	return rec.Clone()
}

// Put merges the families in q from update into the cached record and queues
// the result for persistence. The returned record is a copy of the merged state.
func (c *Cache) Put(update *hostrecord.HostRecord, q hostrecord.QueryType) *hostrecord.HostRecord {
	if update == nil || update.CacheKey == "" {
		return nil
	}
	c.mu.Lock()
	rec, ok := c.peek(update.CacheKey)
	if !ok {
		// evicted or never loaded: merge into the durable copy so the
		// untouched family survives
		c.mu.Unlock()
		loaded := c.hydrate(update.CacheKey)
		c.mu.Lock()
		if rec, ok = c.peek(update.CacheKey); !ok {
			rec = loaded
			if rec == nil {
				rec = hostrecord.New(update.Host, update.CacheKey)
			}
			rec.LoadedFromStore = false
			c.lru.Add(update.CacheKey, rec)
		}
	}
	rec.Merge(update, q)
	out := rec.Clone()
	c.mu.Unlock()

	c.persist(out)
	return out.Clone()
}

// UpdateRT records a probe result for ip under key and re-ranks that family.
func (c *Cache) UpdateRT(key, ip string, rt int) bool {
	c.mu.Lock()
	rec, ok := c.peek(key)
	if !ok || !rec.UpdateRT(ip, rt) {
		c.mu.Unlock()
		return false
	}
	out := rec.Clone()
	c.mu.Unlock()
	c.persist(out)
	return true
}

func (c *Cache) persist(rec *hostrecord.HostRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.Put(rec); err != nil {
		c.logger.Warn("hostcache: persist failed", "key", rec.CacheKey, "error", err)
	}
}

// Remove drops keys from memory and from the durable store.
func (c *Cache) Remove(keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.DeleteByKeys(keys); err != nil {
			c.logger.Warn("hostcache: delete from store failed", "keys", len(keys), "error", err)
		}
	}
}

// RemoveAll empties memory and the durable store.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.DeleteAll(); err != nil {
			c.logger.Warn("hostcache: clear store failed", "error", err)
		}
	}
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	raw := c.lru.Keys()
	c.mu.Unlock()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(string))
	}
	sort.Strings(out)
	return out
}

// Len returns the number of records in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Snapshot returns copies of every record in memory, sorted by key.
func (c *Cache) Snapshot() []*hostrecord.HostRecord {
	c.mu.Lock()
	out := make([]*hostrecord.HostRecord, 0, c.lru.Len())
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok {
			out = append(out, v.(*hostrecord.HostRecord).Clone())
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CacheKey < out[j].CacheKey })
	return out
}

// Warm drops durable records that expired more than discard ago and loads the
// rest into memory, up to capacity. It returns the number of records loaded.
func (c *Cache) Warm(discard time.Duration) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	swept, err := c.store.SweepExpiredBefore(c.now().Add(-discard))
	if err != nil {
		c.logger.Warn("hostcache: sweep failed", "error", err)
	} else if swept > 0 {
		c.logger.Info("hostcache: discarded stale records", "count", swept)
	}
	it, ok := c.store.(Iterable)
	if !ok {
		return 0, nil
	}
	loaded := 0
	err = it.Each(func(rec *hostrecord.HostRecord) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.lru.Len() >= c.capacity {
			return false
		}
		if c.lru.Contains(rec.CacheKey) {
			return true
		}
		rec.LoadedFromStore = true
		c.lru.Add(rec.CacheKey, rec)
		loaded++
		return true
	})
	if err != nil {
		return loaded, fmt.Errorf("hostcache: warm: %w", err)
	}
	return loaded, nil
}
