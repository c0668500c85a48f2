// Package cache provides the caches used by the rhi device.
//
// # ObjectCache[V]
//
// Memoizes expensive native objects (render passes, samplers, layouts, ...)
// by the hash of the descriptor that created them. Creation happens under
// the cache lock, so two goroutines acquiring the same new descriptor never
// create two objects.
//
//	c := cache.NewObjectCache(cache.ObjectConfig[*Sampler]{
//		Name:     "sampler",
//		Capacity: 500,
//		InUse:    func(s *Sampler) bool { return s.RefCount() > 1 },
//		OnEvict:  func(s *Sampler) { s.Release() },
//	})
//	s, err := c.Acquire(desc.Hash(), func() (*Sampler, error) { ... })
//
// Eviction is least recently used among entries that nothing outside the
// cache references. Referenced entries are skipped, so a cache may exceed
// its capacity until references are dropped.
//
// # ShardedCache[K, V]
//
// A 16-shard LRU for small values that are cheap to recompute but costly to
// query, such as memory requirements. It keeps hit/miss/eviction counters.
//
//	reqs := cache.NewSharded[uint64, driver.MemoryRequirements](64, cache.Uint64Hasher)
//
// # Thread Safety
//
// Both caches are safe for concurrent use and must not be copied.
package cache
