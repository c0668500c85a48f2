package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// obj is a reference-counted test value. The cache holds one reference.
type obj struct {
	id      int
	refs    atomic.Int32
	evicted atomic.Bool
}

func newTestCache(capacity int) (*ObjectCache[*obj], *atomic.Int32) {
	var created atomic.Int32
	c := NewObjectCache(ObjectConfig[*obj]{
		Name:     "test",
		Capacity: capacity,
		InUse:    func(o *obj) bool { return o.refs.Load() > 1 },
		OnEvict: func(o *obj) {
			o.refs.Add(-1)
			o.evicted.Store(true)
		},
	})
	return c, &created
}

func creator(created *atomic.Int32) func() (*obj, error) {
	return func() (*obj, error) {
		o := &obj{id: int(created.Add(1))}
		o.refs.Store(1)
		return o, nil
	}
}

func TestObjectCacheIdempotent(t *testing.T) {
	c, created := newTestCache(4)

	a, err := c.Acquire(42, creator(created))
	if err != nil {
		t.Fatal(err)
	}
	a.refs.Add(1) // external reference

	b, err := c.Acquire(42, creator(created))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second Acquire returned a different object")
	}
	if created.Load() != 1 {
		t.Errorf("created %d objects, want 1", created.Load())
	}

	// Drop the external reference and evict: the next Acquire builds anew.
	a.refs.Add(-1)
	c.Clear()
	if !a.evicted.Load() {
		t.Fatal("Clear did not evict")
	}
	d, _ := c.Acquire(42, creator(created))
	if d == a {
		t.Error("Acquire after eviction returned the evicted object")
	}
	if created.Load() != 2 {
		t.Errorf("created %d objects, want 2", created.Load())
	}
}

func TestObjectCacheSkipsInUseEntries(t *testing.T) {
	c, created := newTestCache(2)

	first, _ := c.Acquire(1, creator(created))
	first.refs.Add(1) // pinned
	second, _ := c.Acquire(2, creator(created))
	third, _ := c.Acquire(3, creator(created))

	if first.evicted.Load() {
		t.Error("in-use LRU entry was evicted")
	}
	if !second.evicted.Load() {
		t.Error("unused entry was not evicted")
	}
	if third.evicted.Load() {
		t.Error("newest entry was evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestObjectCacheOverflowAndTrim(t *testing.T) {
	c, created := newTestCache(1)

	a, _ := c.Acquire(1, creator(created))
	a.refs.Add(1)
	b, _ := c.Acquire(2, creator(created))
	b.refs.Add(1)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (both pinned)", c.Len())
	}
	if n := c.Trim(); n != 0 {
		t.Errorf("Trim with pinned entries evicted %d", n)
	}

	a.refs.Add(-1)
	if n := c.Trim(); n != 1 {
		t.Errorf("Trim evicted %d, want 1", n)
	}
	if !a.evicted.Load() || b.evicted.Load() {
		t.Error("Trim evicted the wrong entry")
	}
}

func TestObjectCacheCreateError(t *testing.T) {
	c, _ := newTestCache(4)
	boom := errors.New("boom")
	if _, err := c.Acquire(7, func() (*obj, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("Acquire error = %v", err)
	}
	if c.Len() != 0 {
		t.Error("failed create was cached")
	}
}

func TestObjectCacheConcurrentFirstAcquire(t *testing.T) {
	c, created := newTestCache(16)

	const goroutines = 32
	results := make([]*obj, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = c.Acquire(99, creator(created))
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created %d objects concurrently, want 1", created.Load())
	}
	for _, r := range results {
		if r != results[0] {
			t.Fatal("goroutines observed different objects")
		}
	}
}

func TestObjectCacheStats(t *testing.T) {
	c, created := newTestCache(8)
	for range 3 {
		_, _ = c.Acquire(5, creator(created))
	}
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("Stats = %+v", s)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("HitRate = %f", s.HitRate)
	}
}

func TestShardedCache(t *testing.T) {
	c := NewSharded[uint64, int](2, Uint64Hasher)

	calls := 0
	compute := func() (int, error) { calls++; return 10, nil }

	for range 3 {
		v, err := c.GetOrCreate(16, compute)
		if err != nil || v != 10 {
			t.Fatalf("GetOrCreate = %d, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}

	// Keys 0, 16, 32 share shard 0; capacity 2 evicts the oldest.
	c.Set(0, 1)
	c.Set(32, 3)
	if _, ok := c.Get(16); ok {
		t.Error("oldest entry of full shard not evicted")
	}
	if s := c.Stats(); s.Evictions != 1 || s.TotalCapacity != 2*DefaultShardCount {
		t.Errorf("Stats = %+v", s)
	}

	boom := errors.New("boom")
	if _, err := c.GetOrCreate(5, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Errorf("GetOrCreate error = %v", err)
	}
	if _, ok := c.Get(5); ok {
		t.Error("error result was cached")
	}
}

func TestKeyHasherSeparatesFields(t *testing.T) {
	a := NewKeyHasher("x").Uint32(1).Uint32(23).Sum()
	b := NewKeyHasher("x").Uint32(12).Uint32(3).Sum()
	if a == b {
		t.Error("field boundaries collide")
	}
	if NewKeyHasher("x").String("ab").Sum() == NewKeyHasher("y").String("ab").Sum() {
		t.Error("tags do not separate kinds")
	}
	if NewKeyHasher("x").Float32(1.5).Bool(true).Sum() != NewKeyHasher("x").Float32(1.5).Bool(true).Sum() {
		t.Error("hash is not deterministic")
	}
}
