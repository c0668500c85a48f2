package rhi

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/release"
)

// FrameIndex returns the number of frames ended so far.
func (d *Device) FrameIndex() uint64 { return d.frame.Load() }

// FrameSlot returns the ring slot of the current frame.
func (d *Device) FrameSlot() int {
	return int(d.frame.Load() % uint64(d.cfg.FrameCountMax))
}

// BeginFrame waits until every queue finished the frame that last used the
// current slot, then recycles that frame's command lists and
// synchronization objects and collects the release queue.
func (d *Device) BeginFrame() error {
	if err := d.requireInit(); err != nil {
		return err
	}
	slot := d.FrameSlot()
	ok, err := d.native.WaitFences(d.frameFences[slot], d.cfg.FrameWaitTimeout)
	if err != nil {
		return errors.Wrapf(err, "rhi: wait for frame slot %d", slot)
	}
	if !ok {
		return driver.Errorf(driver.ErrFailed, "rhi: frame slot %d not finished after %s", slot, d.cfg.FrameWaitTimeout)
	}

	if err := d.cmdlists.Collect(); err != nil {
		return errors.Wrap(err, "rhi: recycle command lists")
	}
	d.semaphores.Collect(false)
	d.fences.Collect(false)
	if n := d.releases.Collect(false); n > 0 {
		d.logger.Debug("released objects", "frame", d.frame.Load(), "destroyed", n)
	}
	return nil
}

// EndFrame signals the slot fences after all work submitted to each queue
// so far and advances the frame index.
func (d *Device) EndFrame() error {
	if err := d.requireInit(); err != nil {
		return err
	}
	slot := d.FrameSlot()
	for i, fence := range d.frameFences[slot] {
		family := d.families[i].Index
		if err := d.native.ResetFence(fence); err != nil {
			return errors.Wrapf(err, "rhi: reset frame fence %d of family %d", slot, family)
		}
		if err := d.queues[family].Submit(&driver.SubmitInfo{Fence: fence}); err != nil {
			return errors.Wrapf(err, "rhi: signal frame fence %d on family %d", slot, family)
		}
	}
	d.frame.Add(1)
	return nil
}

// WaitForIdle waits for every queue, flushes pending uploads and destroys
// everything waiting in the release queue and the synchronization pools.
func (d *Device) WaitForIdle() error {
	if err := d.requireInit(); err != nil {
		return err
	}
	if err := d.native.WaitIdle(); err != nil {
		return errors.Wrap(err, "rhi: wait idle")
	}
	d.mu.Lock()
	uploads := d.uploads
	d.mu.Unlock()
	if uploads != nil {
		if err := uploads.Flush(context.Background()); err != nil {
			return errors.Wrap(err, "rhi: flush uploads")
		}
	}
	d.semaphores.Collect(true)
	d.fences.Collect(true)
	n := d.releases.Collect(true)
	d.logger.Debug("device idle", "destroyed", n)
	return nil
}

// QueueForRelease defers destroy until in-flight frames that may
// use it have completed.
func (d *Device) QueueForRelease(destroy func()) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	if destroy == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: nil release function")
	}
	d.releases.QueueForRelease(release.Func(destroy))
	return nil
}

// AcquireSemaphore returns a pooled semaphore. Release it with
// ReleaseSemaphore once the submission that waits on it is recorded.
func (d *Device) AcquireSemaphore() (driver.Handle, error) {
	if err := d.requireInit(); err != nil {
		return driver.NullHandle, err
	}
	return d.semaphores.Allocate()
}

// ReleaseSemaphore returns sem to the pool. It is reused after the frame
// latency.
func (d *Device) ReleaseSemaphore(sem driver.Handle) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	return d.semaphores.Release(sem)
}

// AcquireFence returns a pooled unsignaled fence.
func (d *Device) AcquireFence() (driver.Handle, error) {
	if err := d.requireInit(); err != nil {
		return driver.NullHandle, err
	}
	return d.fences.Allocate()
}

// ReleaseFence returns fence to the pool. It is reset and reused after the
// frame latency.
func (d *Device) ReleaseFence(fence driver.Handle) error {
	if err := d.requireInit(); err != nil {
		return err
	}
	return d.fences.Release(fence)
}

// AcquireCommandList returns a command list for the first queue family
// supporting class, valid for the current frame.
func (d *Device) AcquireCommandList(class driver.QueueClass, level driver.CommandBufferLevel) (*CommandList, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	family, ok := d.familyFor(class)
	if !ok {
		return nil, driver.Errorf(driver.ErrUnsupported, "rhi: no queue family supports %s", class)
	}
	return d.AcquireCommandListForFamily(family, level)
}

// AcquireCommandListForFamily returns a command list of family, valid for
// the current frame. An unknown family is an assertion failure.
func (d *Device) AcquireCommandListForFamily(family uint32, level driver.CommandBufferLevel) (*CommandList, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	h, err := d.cmdlists.Allocate(family, level)
	if err != nil {
		return nil, err
	}
	return &CommandList{Handle: h, Family: family, Level: level}, nil
}
