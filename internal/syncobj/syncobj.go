// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package syncobj pools semaphores and fences. Released objects are
// recycled only after the frame latency has elapsed, following the same
// ring-of-frames discipline as command lists.
package syncobj

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/collect"
)

// recycler is the pool shared by both allocators.
type recycler struct {
	kind    driver.ObjectKind
	dev     driver.Device
	create  func() (driver.Handle, error)
	reset   func(driver.Handle) error
	logger  *slog.Logger
	pending *collect.Collector[driver.Handle]

	mu       sync.Mutex
	free []driver.Handle
	// owned maps every object the pool created to whether it is handed
	// out to a caller.
	owned    map[driver.Handle]bool
	shutdown bool
}

func newRecycler(kind driver.ObjectKind, dev driver.Device, latency uint64, logger *slog.Logger,
	create func() (driver.Handle, error), reset func(driver.Handle) error) *recycler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &recycler{
		kind:   kind,
		dev:    dev,
		create: create,
		reset:  reset,
		logger: logger,
		owned:  make(map[driver.Handle]bool),
	}
	r.pending = collect.New(latency, r.recycle)
	return r
}

func (r *recycler) allocate() (driver.Handle, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return driver.NullHandle, errors.AssertionFailedf("syncobj: %s allocate after shutdown", r.kind)
	}
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		r.owned[h] = true
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	h, err := r.create()
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "syncobj: create %s", r.kind)
	}
	r.mu.Lock()
	r.owned[h] = true
	n := len(r.owned)
	r.mu.Unlock()
	r.logger.Debug("sync pool grew", "kind", r.kind.String(), "total", n)
	return h, nil
}

func (r *recycler) release(h driver.Handle) error {
	r.mu.Lock()
	out, ok := r.owned[h]
	if ok && out {
		r.owned[h] = false
	}
	r.mu.Unlock()
	switch {
	case !ok:
		return errors.AssertionFailedf("syncobj: release of foreign %s %d", r.kind, h)
	case !out:
		return errors.AssertionFailedf("syncobj: %s %d released twice", r.kind, h)
	}
	r.pending.Queue(h)
	return nil
}

func (r *recycler) recycle(h driver.Handle) {
	if r.reset != nil {
		if err := r.reset(h); err != nil {
			r.logger.Error("sync object reset failed, destroying it", "kind", r.kind.String(), "err", err)
			r.mu.Lock()
			delete(r.owned, h)
			r.mu.Unlock()
			r.dev.Destroy(r.kind, h)
			return
		}
	}
	r.mu.Lock()
	r.free = append(r.free, h)
	r.mu.Unlock()
}

func (r *recycler) shutdownPool() {
	r.pending.Collect(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return
	}
	for h := range r.owned {
		r.dev.Destroy(r.kind, h)
	}
	r.owned = make(map[driver.Handle]bool)
	r.free = nil
	r.shutdown = true
}

func (r *recycler) stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Total: len(r.owned), Free: len(r.free), Pending: r.pending.Pending()}
}

// Stats describes a pool.
type Stats struct {
	Total   int
	Free    int
	Pending int
}

// SemaphoreAllocator pools binary semaphores.
type SemaphoreAllocator struct {
	r *recycler
}

// NewSemaphoreAllocator creates a semaphore pool that recycles released
// semaphores after latency collections.
func NewSemaphoreAllocator(dev driver.Device, latency uint64, logger *slog.Logger) *SemaphoreAllocator {
	return &SemaphoreAllocator{r: newRecycler(driver.KindSemaphore, dev, latency, logger, dev.CreateSemaphore, nil)}
}

// Allocate returns an unsignaled semaphore.
func (a *SemaphoreAllocator) Allocate() (driver.Handle, error) { return a.r.allocate() }

// Release hands sem back. It becomes reusable after the latency.
func (a *SemaphoreAllocator) Release(sem driver.Handle) error { return a.r.release(sem) }

// Collect advances one frame. See collect.Collector.
func (a *SemaphoreAllocator) Collect(force bool) int { return a.r.pending.Collect(force) }

// Shutdown destroys every semaphore the pool created.
func (a *SemaphoreAllocator) Shutdown() { a.r.shutdownPool() }

func (a *SemaphoreAllocator) Stats() Stats { return a.r.stats() }

// FenceAllocator pools fences. Fences are reset before reuse.
type FenceAllocator struct {
	r *recycler
}

// NewFenceAllocator creates a fence pool that recycles released fences
// after latency collections.
func NewFenceAllocator(dev driver.Device, latency uint64, logger *slog.Logger) *FenceAllocator {
	create := func() (driver.Handle, error) { return dev.CreateFence(false) }
	return &FenceAllocator{r: newRecycler(driver.KindFence, dev, latency, logger, create, dev.ResetFence)}
}

// Allocate returns an unsignaled fence.
func (a *FenceAllocator) Allocate() (driver.Handle, error) { return a.r.allocate() }

// Release hands fence back. It is reset and reusable after the latency.
func (a *FenceAllocator) Release(fence driver.Handle) error { return a.r.release(fence) }

// Collect advances one frame. See collect.Collector.
func (a *FenceAllocator) Collect(force bool) int { return a.r.pending.Collect(force) }

// Shutdown destroys every fence the pool created.
func (a *FenceAllocator) Shutdown() { a.r.shutdownPool() }

func (a *FenceAllocator) Stats() Stats { return a.r.stats() }
