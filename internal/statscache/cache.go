// Package statscache caches per-commit line stats keyed by repository and SHA.
package statscache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an entry stays readable after insertion.
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity bounds the number of in-memory entries.
	DefaultCapacity = 10000
)

// Stats are the additions and deletions of one commit.
type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Cache stores immutable commit stats.
type Cache interface {
	Get(repoFullName, sha string) (Stats, bool)
	Set(repoFullName, sha string, stats Stats)
}

// Config controls the in-memory cache.
type Config struct {
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
}

type entry struct {
	stats      Stats
	insertedAt time.Time
	seq        uint64
}

type slot struct {
	key string
	seq uint64
}

// Memory is a process-local cache with lazy TTL expiry and insertion-order
// eviction.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	entries  map[string]entry
	// order holds insertion slots oldest first. Slots whose seq no longer
	// matches the live entry are stale and skipped by eviction.
	order []slot
	seq   uint64
}

// NewMemory creates an in-memory cache.
func NewMemory(cfg Config) *Memory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Memory{
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		now:      cfg.Now,
		entries:  make(map[string]entry),
	}
}

// Key builds the cache key for a repository commit.
func Key(repoFullName, sha string) string {
	return repoFullName + sha
}

// Get returns cached stats, dropping the entry if its TTL elapsed.
func (c *Memory) Get(repoFullName, sha string) (Stats, bool) {
	key := Key(repoFullName, sha)

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if !ok {
		return Stats{}, false
	}
	if c.now().Sub(cached.insertedAt) >= c.ttl {
		delete(c.entries, key)
		return Stats{}, false
	}
	return cached.stats, true
}

// Set stores stats, evicting the oldest-inserted entry when full.
func (c *Memory) Set(repoFullName, sha string, stats Stats) {
	key := Key(repoFullName, sha)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.seq++
	c.entries[key] = entry{stats: stats, insertedAt: c.now(), seq: c.seq}
	c.order = append(c.order, slot{key: key, seq: c.seq})
	if len(c.order) > 2*c.capacity {
		c.compact()
	}
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Memory) evictOldest() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if live, ok := c.entries[oldest.key]; ok && live.seq == oldest.seq {
			delete(c.entries, oldest.key)
			return
		}
	}
}

func (c *Memory) compact() {
	live := make([]slot, 0, len(c.entries))
	for _, candidate := range c.order {
		if current, ok := c.entries[candidate.key]; ok && current.seq == candidate.seq {
			live = append(live, candidate)
		}
	}
	c.order = live
}
