package cache

import (
	"log/slog"
	"sync"
)

// ObjectConfig configures an ObjectCache.
type ObjectConfig[V any] struct {
	// Name identifies the cache in logs and statistics.
	Name string
	// Capacity is the number of entries kept before eviction starts.
	// Zero means unbounded.
	Capacity int
	// InUse reports whether a value is referenced outside the cache.
	// Values in use are never evicted by capacity pressure. Nil means
	// nothing is ever in use.
	InUse func(V) bool
	// OnAcquire runs under the cache lock for every value Acquire returns,
	// before any eviction the call triggers.
	OnAcquire func(V)
	// OnEvict receives every value that leaves the cache.
	OnEvict func(V)
	Logger  *slog.Logger
}

// ObjectCache maps descriptor hashes to shared objects.
//
// ObjectCache is safe for concurrent use.
// ObjectCache must not be copied after creation (has mutex).
type ObjectCache[V any] struct {
	mu       sync.Mutex
	cfg      ObjectConfig[V]
	entries  map[uint64]*objectEntry[V]
	lru      *lruList[uint64]
	overflow bool // over capacity with only pinned entries left

	hits      uint64
	misses    uint64
	evictions uint64
}

type objectEntry[V any] struct {
	value V
	node  *lruNode[uint64]
}

// NewObjectCache creates an empty cache.
func NewObjectCache[V any](cfg ObjectConfig[V]) *ObjectCache[V] {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &ObjectCache[V]{
		cfg:     cfg,
		entries: make(map[uint64]*objectEntry[V]),
		lru:     newLRUList[uint64](),
	}
}

// Acquire returns the value cached under key, creating it on a miss.
// The lookup, create and insert happen under the cache lock. A failed create
// leaves the cache unchanged.
func (c *ObjectCache[V]) Acquire(key uint64, create func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.node)
		c.hits++
		if c.cfg.OnAcquire != nil {
			c.cfg.OnAcquire(e.value)
		}
		return e.value, nil
	}

	c.misses++
	value, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries[key] = &objectEntry[V]{value: value, node: c.lru.PushFront(key)}
	c.cfg.Logger.Debug("cache miss", "cache", c.cfg.Name, "key", key, "len", len(c.entries))
	if c.cfg.OnAcquire != nil {
		c.cfg.OnAcquire(value)
	}

	c.trimLocked()
	return value, nil
}

// Get returns the value cached under key without creating it.
func (c *ObjectCache[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.lru.MoveToFront(e.node)
	return e.value, true
}

// Remove evicts the entry under key regardless of use.
func (c *ObjectCache[V]) Remove(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.evictLocked(key, e)
	return true
}

// Trim evicts unused entries while the cache is over capacity and returns
// how many were evicted. Call it after references were dropped to bring an
// overflowing cache back under its capacity.
func (c *ObjectCache[V]) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimLocked()
}

// Clear evicts every entry, in use or not.
func (c *ObjectCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for node := c.lru.Oldest(); node != nil; {
		next := node.Newer()
		c.evictLocked(node.key, c.entries[node.key])
		node = next
	}
	c.overflow = false
}

// Len returns the number of cached entries.
func (c *ObjectCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured capacity.
func (c *ObjectCache[V]) Capacity() int {
	return c.cfg.Capacity
}

// Name returns the configured name.
func (c *ObjectCache[V]) Name() string {
	return c.cfg.Name
}

// Stats returns cache statistics.
func (c *ObjectCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newStats(len(c.entries), c.cfg.Capacity, c.cfg.Capacity, c.hits, c.misses, c.evictions)
}

// trimLocked walks from the least recently used entry, skipping entries in
// use, until the cache is within capacity.
// Caller must hold c.mu.
func (c *ObjectCache[V]) trimLocked() int {
	if c.cfg.Capacity <= 0 || len(c.entries) <= c.cfg.Capacity {
		c.overflow = false
		return 0
	}
	evicted := 0
	for node := c.lru.Oldest(); node != nil && len(c.entries) > c.cfg.Capacity; {
		next := node.Newer()
		e := c.entries[node.key]
		if c.cfg.InUse == nil || !c.cfg.InUse(e.value) {
			c.evictLocked(node.key, e)
			evicted++
		}
		node = next
	}
	if len(c.entries) > c.cfg.Capacity {
		if !c.overflow {
			c.cfg.Logger.Warn("cache over capacity, all remaining entries in use",
				"cache", c.cfg.Name, "len", len(c.entries), "capacity", c.cfg.Capacity)
		}
		c.overflow = true
	} else {
		c.overflow = false
	}
	return evicted
}

// Caller must hold c.mu.
func (c *ObjectCache[V]) evictLocked(key uint64, e *objectEntry[V]) {
	c.lru.Remove(e.node)
	delete(c.entries, key)
	c.evictions++
	c.cfg.Logger.Debug("cache evict", "cache", c.cfg.Name, "key", key)
	if c.cfg.OnEvict != nil {
		c.cfg.OnEvict(e.value)
	}
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the cache capacity (per shard for ShardedCache).
	Capacity int
	// TotalCapacity is the capacity across all shards.
	TotalCapacity int
	Hits          uint64
	Misses        uint64
	// HitRate is hits / (hits + misses), 0 when there were no lookups.
	HitRate   float64
	Evictions uint64
}

func newStats(n, capacity, total int, hits, misses, evictions uint64) Stats {
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Len:           n,
		Capacity:      capacity,
		TotalCapacity: total,
		Hits:          hits,
		Misses:        misses,
		HitRate:       rate,
		Evictions:     evictions,
	}
}
