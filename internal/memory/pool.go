// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Name      string
	Required  driver.MemoryProperty
	Preferred driver.MemoryProperty
	// TypeBits restricts the candidate memory types. Zero allows all.
	TypeBits uint32
	// Budget caps the bytes allocated from the pool. Zero is unbounded.
	Budget uint64
	// BlockSize overrides the heap's preferred block size.
	BlockSize uint64
}

// Pool is a set of blocks of one memory type with an optional budget.
type Pool struct {
	name      string
	typeIndex uint32
	budget    uint64
	blockSize uint64
	owner     *Allocator

	// Guarded by owner.mu.
	blocks []*block
	used   uint64
	allocs int
}

// CreatePool creates a pool. It fails with driver.ErrUnsupported when no
// memory type matches.
func (a *Allocator) CreatePool(cfg PoolConfig) (*Pool, error) {
	bits := cfg.TypeBits
	if bits == 0 {
		bits = ^uint32(0)
	}
	typeIndex := FindPreferredMemoryTypeIndex(a.props, cfg.Required, cfg.Preferred, bits)
	if typeIndex == TypeNotFound {
		return nil, errors.Mark(errors.Newf("memory: no memory type for pool %s (%s)", cfg.Name, cfg.Required),
			driver.ErrUnsupported)
	}

	p := &Pool{
		name:      cfg.Name,
		typeIndex: typeIndex,
		budget:    cfg.Budget,
		blockSize: cfg.BlockSize,
		owner:     a,
	}
	a.mu.Lock()
	a.pools = append(a.pools, p)
	a.mu.Unlock()

	a.logger.Info("memory pool created",
		slog.String("pool", cfg.Name), slog.Int("type", int(typeIndex)), slog.Uint64("budget", cfg.Budget))
	return p, nil
}

// Allocate allocates from the pool. req.TypeBits must allow the pool's
// memory type.
func (p *Pool) Allocate(req driver.MemoryRequirements) (*Allocation, error) {
	if req.TypeBits&(1<<p.typeIndex) == 0 {
		return nil, errors.Mark(errors.Newf("memory: pool %s type %d not allowed by type bits %#x",
			p.name, p.typeIndex, req.TypeBits), driver.ErrUnsupported)
	}
	a := p.owner
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(req, p.typeIndex, p, false)
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// TypeIndex returns the pool's memory type.
func (p *Pool) TypeIndex() uint32 { return p.typeIndex }

// Budget returns the pool budget, zero when unbounded.
func (p *Pool) Budget() uint64 { return p.budget }

// Used returns the bytes currently allocated from the pool.
func (p *Pool) Used() uint64 {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	return p.used
}

// Free returns an allocation made from the pool.
func (p *Pool) Free(al *Allocation) error {
	if al != nil && al.block != nil && al.block.pool != p {
		return errors.AssertionFailedf("memory: allocation freed to pool %s it was not made from", p.name)
	}
	return p.owner.Free(al)
}
