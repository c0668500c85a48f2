package cache

import (
	"testing"
)

func BenchmarkObjectCacheHit(b *testing.B) {
	c := NewObjectCache(ObjectConfig[int]{Name: "bench", Capacity: 1000})
	for i := range 100 {
		_, _ = c.Acquire(uint64(i), func() (int, error) { return i, nil })
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Acquire(50, func() (int, error) { return 0, nil })
	}
}

func BenchmarkObjectCacheChurn(b *testing.B) {
	c := NewObjectCache(ObjectConfig[int]{Name: "bench", Capacity: 64})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Acquire(uint64(i%256), func() (int, error) { return i, nil })
	}
}

func BenchmarkShardedCacheGetOrCreate(b *testing.B) {
	c := NewSharded[uint64, int](64, Uint64Hasher)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.GetOrCreate(uint64(i%512), func() (int, error) { return i, nil })
	}
}

func BenchmarkShardedCacheParallel(b *testing.B) {
	c := NewSharded[uint64, int](64, Uint64Hasher)
	for i := range 256 {
		c.Set(uint64(i), i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := uint64(0)
		for pb.Next() {
			c.Get(i % 256)
			i++
		}
	})
}

func BenchmarkKeyHasher(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewKeyHasher("sampler").Uint32(uint32(i)).Float32(16).Bool(true).Sum()
	}
}
