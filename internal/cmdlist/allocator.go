// Package cmdlist recycles command buffers on a ring of frame slots.
//
// Each slot owns one command pool per queue family. Buffers handed out while
// a slot is current are only reset when the ring comes back around to that
// slot, so a buffer is never returned twice within FrameCount frames.
package cmdlist

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

type familyPool struct {
	handle driver.Handle
	free   [2][]driver.Handle
	used   [2][]driver.Handle
}

// Allocator hands out command buffers per frame slot and queue family.
type Allocator struct {
	dev      driver.Device
	families int
	logger   *slog.Logger

	mu     sync.Mutex
	slot   int
	pools  [][]*familyPool // [slot][family], created lazily
	total  int
	closed bool
}

// New creates an allocator with frameCount slots for families queue families.
func New(dev driver.Device, frameCount, families int, logger *slog.Logger) (*Allocator, error) {
	if frameCount < 1 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "cmdlist: frame count %d", frameCount)
	}
	if families < 1 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "cmdlist: no queue families")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pools := make([][]*familyPool, frameCount)
	for i := range pools {
		pools[i] = make([]*familyPool, families)
	}
	return &Allocator{dev: dev, families: families, logger: logger, pools: pools}, nil
}

// FrameCount returns the number of slots in the ring.
func (a *Allocator) FrameCount() int { return len(a.pools) }

// Slot returns the current frame slot.
func (a *Allocator) Slot() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slot
}

// Allocate returns a command buffer of the given level for family from the
// current slot. The buffer is ready for BeginCommandBuffer.
func (a *Allocator) Allocate(family uint32, level driver.CommandBufferLevel) (driver.Handle, error) {
	if int(family) >= a.families {
		return driver.NullHandle, errors.AssertionFailedf("cmdlist: invalid queue family %d (have %d)", family, a.families)
	}
	if level != driver.LevelPrimary && level != driver.LevelSecondary {
		return driver.NullHandle, errors.AssertionFailedf("cmdlist: invalid level %d", level)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return driver.NullHandle, errors.AssertionFailedf("cmdlist: allocate after shutdown")
	}

	p := a.pools[a.slot][family]
	if p == nil {
		h, err := a.dev.CreateCommandPool(family)
		if err != nil {
			return driver.NullHandle, errors.Wrapf(err, "cmdlist: create pool for family %d", family)
		}
		p = &familyPool{handle: h}
		a.pools[a.slot][family] = p
	}

	if n := len(p.free[level]); n > 0 {
		cmd := p.free[level][n-1]
		p.free[level] = p.free[level][:n-1]
		p.used[level] = append(p.used[level], cmd)
		return cmd, nil
	}

	cmd, err := a.dev.AllocateCommandBuffer(p.handle, level)
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "cmdlist: allocate for family %d", family)
	}
	p.used[level] = append(p.used[level], cmd)
	a.total++
	a.logger.Debug("command list pool grew", "slot", a.slot, "family", family, "total", a.total)
	return cmd, nil
}

// Collect advances to the next slot and resets its pools, making every
// buffer allocated there FrameCount frames ago available again. The caller
// must have confirmed that the slot's previous frame completed on the GPU.
func (a *Allocator) Collect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.slot = (a.slot + 1) % len(a.pools)

	var errs error
	for family, p := range a.pools[a.slot] {
		if p == nil {
			continue
		}
		if err := a.dev.ResetCommandPool(p.handle); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "cmdlist: reset slot %d family %d", a.slot, family))
			continue
		}
		for lvl := range p.used {
			p.free[lvl] = append(p.free[lvl], p.used[lvl]...)
			p.used[lvl] = p.used[lvl][:0]
		}
	}
	return errs
}

// Shutdown destroys every pool and the buffers allocated from them.
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, slot := range a.pools {
		for family, p := range slot {
			if p != nil {
				a.dev.Destroy(driver.KindCommandPool, p.handle)
				slot[family] = nil
			}
		}
	}
	a.total = 0
	a.closed = true
}

// Stats reports the number of live pools and buffers.
func (a *Allocator) Stats() (pools, buffers int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, slot := range a.pools {
		for _, p := range slot {
			if p != nil {
				pools++
			}
		}
	}
	return pools, a.total
}
