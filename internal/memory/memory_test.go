// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/driver/mock"
)

func newAllocator(t *testing.T, cfg mock.Config) (*Allocator, *mock.Device) {
	t.Helper()
	a := mock.NewAdapter(cfg)
	dev, err := a.CreateDevice(&driver.DeviceCreateInfo{Queues: []driver.QueueRequest{{Family: 0, Count: 1}}})
	require.NoError(t, err)
	t.Cleanup(dev.Close)

	alloc, err := New(Config{
		Device:       dev,
		Properties:   a.MemoryProperties(),
		MaxBlockSize: 1 << 20,
		MinBlockSize: 64 << 10,
	})
	require.NoError(t, err)
	t.Cleanup(alloc.Close)
	return alloc, dev.(*mock.Device)
}

func TestFindMemoryTypeIndexNeverOutOfRange(t *testing.T) {
	props := mock.DefaultConfig().Memory
	for bits := uint32(0); bits < 1<<6; bits++ {
		for p := driver.MemoryProperty(0); p < driver.MemoryLazilyAllocated<<1; p++ {
			i := FindMemoryTypeIndex(props, p, bits)
			if i == TypeNotFound {
				continue
			}
			require.Less(t, int(i), len(props.Types), "bits=%#x props=%s", bits, p)
			require.NotZero(t, bits&(1<<i), "type %d not in bits %#x", i, bits)
			require.True(t, props.Types[i].Properties.Has(p))
		}
	}
}

func TestFindMemoryTypeIndex(t *testing.T) {
	props := mock.DefaultConfig().Memory
	tests := []struct {
		name     string
		required driver.MemoryProperty
		bits     uint32
		want     uint32
	}{
		{"device local", driver.MemoryDeviceLocal, 0xf, 0},
		{"host visible", driver.MemoryHostVisible, 0xf, 1},
		{"host cached", driver.MemoryHostCached, 0xf, 2},
		{"masked out", driver.MemoryHostVisible, 0x1, TypeNotFound},
		{"no such property", driver.MemoryLazilyAllocated, 0xf, TypeNotFound},
		{"empty mask", 0, 0, TypeNotFound},
		{"bits above type count", 0, 0xf0, TypeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FindMemoryTypeIndex(props, tt.required, tt.bits))
		})
	}

	got := FindPreferredMemoryTypeIndex(props, driver.MemoryHostVisible, driver.MemoryDeviceLocal, 0xf)
	require.Equal(t, uint32(3), got, "preferred device-local host-visible type")
	got = FindPreferredMemoryTypeIndex(props, driver.MemoryHostVisible, driver.MemoryDeviceLocal, 0x3)
	require.Equal(t, uint32(1), got, "fallback to required only")
}

func TestFreeList(t *testing.T) {
	f := NewFreeList(1024)

	a, ok := f.Allocate(100, 1)
	require.True(t, ok)
	require.Equal(t, uint64(0), a)

	b, ok := f.Allocate(100, 256)
	require.True(t, ok)
	require.Equal(t, uint64(256), b)
	require.Equal(t, 2, f.Ranges(), "padding stays free")

	_, ok = f.Allocate(2048, 1)
	require.False(t, ok)

	f.Free(a, 100)
	f.Free(b, 100)
	require.Equal(t, 1, f.Ranges(), "neighbours coalesce")
	require.Equal(t, uint64(1024), f.LargestFree())
	require.Zero(t, f.Used())
}

func TestAllocatorSubAllocates(t *testing.T) {
	a, dev := newAllocator(t, mock.DefaultConfig())
	req := driver.MemoryRequirements{Size: 4096, Alignment: 256, TypeBits: 0xf}

	x, err := a.Allocate(req, AllocationInfo{Required: driver.MemoryDeviceLocal})
	require.NoError(t, err)
	y, err := a.Allocate(req, AllocationInfo{Required: driver.MemoryDeviceLocal})
	require.NoError(t, err)

	require.Equal(t, x.Memory, y.Memory, "small allocations share a block")
	require.NotEqual(t, x.Offset, y.Offset)
	require.Equal(t, 1, dev.Live(driver.KindMemory))

	big := driver.MemoryRequirements{Size: 768 << 10, Alignment: 256, TypeBits: 0xf}
	z, err := a.Allocate(big, AllocationInfo{Required: driver.MemoryDeviceLocal})
	require.NoError(t, err)
	require.NotEqual(t, x.Memory, z.Memory, "large allocation is dedicated")
	require.Equal(t, 2, dev.Live(driver.KindMemory))

	require.NoError(t, a.Free(z))
	require.Equal(t, 1, dev.Live(driver.KindMemory), "dedicated block freed")
	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(y))
	require.Equal(t, 1, dev.Live(driver.KindMemory), "last shared block kept")

	err = a.Free(x)
	require.Error(t, err)
	require.True(t, errors.IsAssertionFailure(err))
}

func TestAllocatorHeapBudget(t *testing.T) {
	cfg := mock.DefaultConfig()
	cfg.Memory.Heaps[1].Size = 4 << 20 // budget 80%: 3.2 MiB
	a, _ := newAllocator(t, cfg)

	req := driver.MemoryRequirements{Size: 1 << 20, Alignment: 256, TypeBits: 0x2}
	var allocs []*Allocation
	for range 3 {
		al, err := a.Allocate(req, AllocationInfo{Required: driver.MemoryHostVisible})
		require.NoError(t, err)
		allocs = append(allocs, al)
	}
	_, err := a.Allocate(req, AllocationInfo{Required: driver.MemoryHostVisible})
	require.True(t, errors.Is(err, driver.ErrOutOfMemory), "got %v", err)

	require.NoError(t, a.Free(allocs[0]))
	_, err = a.Allocate(req, AllocationInfo{Required: driver.MemoryHostVisible})
	require.NoError(t, err)
}

func TestAllocatorUnsupportedType(t *testing.T) {
	a, _ := newAllocator(t, mock.DefaultConfig())
	_, err := a.Allocate(driver.MemoryRequirements{Size: 16, Alignment: 16, TypeBits: 0x1},
		AllocationInfo{Required: driver.MemoryHostVisible})
	require.True(t, errors.Is(err, driver.ErrUnsupported))
}

func TestPoolBudgetAndStatistics(t *testing.T) {
	a, _ := newAllocator(t, mock.DefaultConfig())

	staging, err := a.CreatePool(PoolConfig{
		Name:     "staging",
		Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
		Budget:   64 << 10,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), staging.TypeIndex())

	req := driver.MemoryRequirements{Size: 32 << 10, Alignment: 256, TypeBits: 0xf}
	first, err := staging.Allocate(req)
	require.NoError(t, err)
	_, err = staging.Allocate(req)
	require.NoError(t, err)
	_, err = staging.Allocate(req)
	require.True(t, errors.Is(err, driver.ErrOutOfMemory), "pool budget: %v", err)
	require.Equal(t, uint64(64<<10), staging.Used())

	require.NoError(t, first.Write(0, []byte("hello")))

	stats := a.Statistics()
	require.Len(t, stats.Heaps, 2)
	require.Len(t, stats.Pools, 1)
	require.Equal(t, "staging", stats.Pools[0].Name)
	require.Equal(t, 2, stats.Pools[0].AllocationCount)
	require.Equal(t, uint64(64<<10), stats.Heaps[1].AllocationBytes)

	out, err := stats.JSON()
	require.NoError(t, err)
	require.True(t, strings.Contains(string(out), `"Heap 1"`), "%s", out)
	require.True(t, strings.Contains(string(out), `"staging"`), "%s", out)

	_, err = a.CreatePool(PoolConfig{Name: "lazy", Required: driver.MemoryLazilyAllocated})
	require.True(t, errors.Is(err, driver.ErrUnsupported))
}

func TestFragmentation(t *testing.T) {
	a, _ := newAllocator(t, mock.DefaultConfig())
	req := driver.MemoryRequirements{Size: 64 << 10, Alignment: 256, TypeBits: 0x1}

	var allocs []*Allocation
	for range 8 {
		al, err := a.Allocate(req, AllocationInfo{Required: driver.MemoryDeviceLocal})
		require.NoError(t, err)
		allocs = append(allocs, al)
	}
	require.Zero(t, a.Statistics().Heaps[0].Fragmentation)

	// Free every other allocation: free space is split into holes.
	for i := 0; i < len(allocs); i += 2 {
		require.NoError(t, a.Free(allocs[i]))
	}
	frag := a.Statistics().Heaps[0].Fragmentation
	require.Greater(t, frag, 0.0)
	require.Less(t, frag, 1.0)
}

func TestWriteRequiresHostVisible(t *testing.T) {
	a, _ := newAllocator(t, mock.DefaultConfig())
	al, err := a.Allocate(driver.MemoryRequirements{Size: 256, Alignment: 256, TypeBits: 0x1},
		AllocationInfo{Required: driver.MemoryDeviceLocal})
	require.NoError(t, err)
	require.Error(t, al.Write(0, []byte{1}))
	require.True(t, errors.Is(al.Write(250, make([]byte, 16)), driver.ErrInvalidArgument))
}
