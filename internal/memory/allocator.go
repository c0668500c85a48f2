// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

const (
	// DefaultMaxBlockSize caps the preferred block size.
	DefaultMaxBlockSize = 256 << 20
	// DefaultMinBlockSize is the smallest preferred block size.
	DefaultMinBlockSize = 1 << 20
	// DefaultBudgetPercent is the share of a heap used as its budget when
	// the driver does not report one.
	DefaultBudgetPercent = 80
)

// Config configures an Allocator.
type Config struct {
	Device     driver.Device
	Properties driver.MemoryProperties
	// DriverBudget uses driver-reported heap budgets. It requires the
	// memory budget feature on Device.
	DriverBudget bool
	// BudgetPercent of each heap is usable when DriverBudget is off.
	// Zero means DefaultBudgetPercent.
	BudgetPercent uint64
	MaxBlockSize  uint64
	MinBlockSize  uint64
	Logger        *slog.Logger
}

// AllocationInfo selects the memory an allocation comes from.
type AllocationInfo struct {
	Required  driver.MemoryProperty
	Preferred driver.MemoryProperty
	// Dedicated forces a block of its own.
	Dedicated bool
}

type block struct {
	id        uint64
	mem       driver.Handle
	typeIndex uint32
	free      *FreeList
	allocs    int
	dedicated bool
	pool      *Pool
}

type heapState struct {
	size       uint64
	limit      uint64
	blockBytes uint64
	allocBytes uint64
	blocks     int
	allocs     int
}

// Allocator sub-allocates device memory. It is safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	dev    driver.Device
	props  driver.MemoryProperties
	cfg    Config
	logger *slog.Logger

	heaps  []heapState
	blocks [][]*block // per memory type, default pool only
	pools  []*Pool
	nextID uint64
	closed bool
}

// New creates an allocator for dev.
func New(cfg Config) (*Allocator, error) {
	if cfg.Device == nil {
		return nil, errors.Mark(errors.New("memory: nil device"), driver.ErrInvalidArgument)
	}
	if len(cfg.Properties.Types) == 0 || len(cfg.Properties.Heaps) == 0 {
		return nil, errors.Mark(errors.New("memory: adapter reports no memory types"), driver.ErrUnsupported)
	}
	if cfg.BudgetPercent == 0 || cfg.BudgetPercent > 100 {
		cfg.BudgetPercent = DefaultBudgetPercent
	}
	if cfg.MaxBlockSize == 0 {
		cfg.MaxBlockSize = DefaultMaxBlockSize
	}
	if cfg.MinBlockSize == 0 {
		cfg.MinBlockSize = DefaultMinBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	a := &Allocator{
		dev:    cfg.Device,
		props:  cfg.Properties,
		cfg:    cfg,
		logger: cfg.Logger,
		heaps:  make([]heapState, len(cfg.Properties.Heaps)),
		blocks: make([][]*block, len(cfg.Properties.Types)),
	}
	for i, h := range cfg.Properties.Heaps {
		a.heaps[i] = heapState{size: h.Size, limit: h.Size / 100 * cfg.BudgetPercent}
	}
	return a, nil
}

// Properties returns the memory properties the allocator was built with.
func (a *Allocator) Properties() driver.MemoryProperties { return a.props }

// FindMemoryTypeIndex is FindMemoryTypeIndex over the allocator's types.
func (a *Allocator) FindMemoryTypeIndex(required driver.MemoryProperty, typeBits uint32) uint32 {
	return FindMemoryTypeIndex(a.props, required, typeBits)
}

// PreferredBlockSize returns the block size used for a heap: an eighth of
// the heap, clamped to [MinBlockSize, MaxBlockSize].
func (a *Allocator) PreferredBlockSize(heap uint32) uint64 {
	size := a.props.Heaps[heap].Size / 8
	return min(max(size, a.cfg.MinBlockSize), a.cfg.MaxBlockSize)
}

// Allocate finds memory for req from the default pool.
func (a *Allocator) Allocate(req driver.MemoryRequirements, info AllocationInfo) (*Allocation, error) {
	typeIndex := FindPreferredMemoryTypeIndex(a.props, info.Required, info.Preferred, req.TypeBits)
	if typeIndex == TypeNotFound {
		return nil, errors.Mark(errors.Newf("memory: no memory type with %s in type bits %#x",
			info.Required, req.TypeBits), driver.ErrUnsupported)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(req, typeIndex, nil, info.Dedicated)
}

// Caller must hold a.mu.
func (a *Allocator) allocateLocked(req driver.MemoryRequirements, typeIndex uint32, pool *Pool, dedicated bool) (*Allocation, error) {
	if a.closed {
		return nil, errors.AssertionFailedf("memory: allocate after Close")
	}
	if req.Size == 0 {
		return nil, errors.Mark(errors.New("memory: zero-sized allocation"), driver.ErrInvalidArgument)
	}
	if pool != nil && pool.budget > 0 && pool.used+req.Size > pool.budget {
		return nil, errors.Mark(errors.Newf("memory: pool %s budget exhausted (%d of %d bytes used, %d requested)",
			pool.name, pool.used, pool.budget, req.Size), driver.ErrOutOfMemory)
	}

	heap := a.props.Types[typeIndex].HeapIndex
	blockSize := a.PreferredBlockSize(heap)
	if pool != nil && pool.blockSize > 0 {
		blockSize = pool.blockSize
	}
	dedicated = dedicated || req.Size > blockSize/2

	if !dedicated {
		for _, b := range a.blockList(typeIndex, pool) {
			if off, ok := b.free.Allocate(req.Size, req.Alignment); ok {
				return a.commitLocked(b, off, req.Size, pool), nil
			}
		}
	}

	size := blockSize
	if dedicated {
		size = alignUp(req.Size, max(req.Alignment, 1))
	}
	b, err := a.newBlockLocked(typeIndex, size, dedicated, pool)
	if err != nil {
		return nil, err
	}
	off, ok := b.free.Allocate(req.Size, req.Alignment)
	if !ok {
		a.destroyBlockLocked(b)
		return nil, errors.AssertionFailedf("memory: fresh block of %d bytes cannot hold %d", size, req.Size)
	}
	return a.commitLocked(b, off, req.Size, pool), nil
}

// Caller must hold a.mu.
func (a *Allocator) blockList(typeIndex uint32, pool *Pool) []*block {
	if pool != nil {
		return pool.blocks
	}
	return a.blocks[typeIndex]
}

// Caller must hold a.mu.
func (a *Allocator) commitLocked(b *block, offset, size uint64, pool *Pool) *Allocation {
	b.allocs++
	h := &a.heaps[a.props.Types[b.typeIndex].HeapIndex]
	h.allocBytes += size
	h.allocs++
	if pool != nil {
		pool.used += size
		pool.allocs++
	}
	return &Allocation{
		Memory:    b.mem,
		Offset:    offset,
		Size:      size,
		TypeIndex: b.typeIndex,
		block:     b,
		owner:     a,
	}
}

// heapLimit returns the byte budget of heap.
// Caller must hold a.mu.
func (a *Allocator) heapLimit(heap uint32) uint64 {
	if a.cfg.DriverBudget {
		if budgets := a.dev.HeapBudgets(); int(heap) < len(budgets) {
			return budgets[heap].Budget
		}
	}
	return a.heaps[heap].limit
}

// Caller must hold a.mu.
func (a *Allocator) newBlockLocked(typeIndex uint32, size uint64, dedicated bool, pool *Pool) (*block, error) {
	heap := a.props.Types[typeIndex].HeapIndex
	hs := &a.heaps[heap]
	if limit := a.heapLimit(heap); hs.blockBytes+size > limit {
		return nil, errors.Mark(errors.Newf("memory: heap %d budget exceeded (%d + %d > %d)",
			heap, hs.blockBytes, size, limit), driver.ErrOutOfMemory)
	}

	mem, err := a.dev.AllocateMemory(typeIndex, size)
	if err != nil {
		return nil, errors.Wrapf(err, "memory: allocate %d bytes of type %d", size, typeIndex)
	}
	a.nextID++
	b := &block{
		id:        a.nextID,
		mem:       mem,
		typeIndex: typeIndex,
		free:      NewFreeList(size),
		dedicated: dedicated,
		pool:      pool,
	}
	hs.blockBytes += size
	hs.blocks++
	if pool != nil {
		pool.blocks = append(pool.blocks, b)
	} else {
		a.blocks[typeIndex] = append(a.blocks[typeIndex], b)
	}
	a.logger.Debug("memory block created",
		slog.Uint64("id", b.id), slog.Int("type", int(typeIndex)), slog.Uint64("size", size), slog.Bool("dedicated", dedicated))
	return b, nil
}

// Caller must hold a.mu.
func (a *Allocator) destroyBlockLocked(b *block) {
	hs := &a.heaps[a.props.Types[b.typeIndex].HeapIndex]
	hs.blockBytes -= b.free.Size()
	hs.blocks--
	if b.pool != nil {
		b.pool.blocks = slices.DeleteFunc(b.pool.blocks, func(x *block) bool { return x == b })
	} else {
		a.blocks[b.typeIndex] = slices.DeleteFunc(a.blocks[b.typeIndex], func(x *block) bool { return x == b })
	}
	a.dev.Destroy(driver.KindMemory, b.mem)
	a.logger.Debug("memory block destroyed", slog.Uint64("id", b.id))
}

// Free returns an allocation. Freeing nil is a no-op; freeing twice is an
// assertion failure.
func (a *Allocator) Free(al *Allocation) error {
	if al == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if al.owner != a || al.block == nil {
		return errors.AssertionFailedf("memory: free of foreign or freed allocation")
	}
	b := al.block
	b.free.Free(al.Offset, al.Size)
	b.allocs--
	h := &a.heaps[a.props.Types[b.typeIndex].HeapIndex]
	h.allocBytes -= al.Size
	h.allocs--
	if b.pool != nil {
		b.pool.used -= al.Size
		b.pool.allocs--
	}
	al.block = nil

	// Dedicated blocks go right away. Shared blocks are kept while they are
	// the only block of their list so steady-state churn does not hit the
	// driver.
	if b.allocs == 0 && (b.dedicated || len(a.blockList(b.typeIndex, b.pool)) > 1) {
		a.destroyBlockLocked(b)
	}
	return nil
}

// Close destroys every block. Outstanding allocations become invalid.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, list := range a.blocks {
		for _, b := range slices.Clone(list) {
			a.destroyBlockLocked(b)
		}
	}
	for _, p := range a.pools {
		for _, b := range slices.Clone(p.blocks) {
			a.destroyBlockLocked(b)
		}
	}
	a.closed = true
}

// Allocation is a range of device memory.
type Allocation struct {
	Memory    driver.Handle
	Offset    uint64
	Size      uint64
	TypeIndex uint32

	block *block
	owner *Allocator
}

// Properties returns the memory-type properties of the allocation.
func (al *Allocation) Properties() driver.MemoryProperty {
	return al.owner.props.Types[al.TypeIndex].Properties
}

// Write copies data into the allocation at offset. The allocation must be
// host visible.
func (al *Allocation) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > al.Size {
		return errors.Mark(errors.Newf("memory: write of %d bytes at %d overflows allocation of %d",
			len(data), offset, al.Size), driver.ErrInvalidArgument)
	}
	return al.owner.dev.WriteMemory(al.Memory, al.Offset+offset, data)
}
