// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halwgpu

import (
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

// fencePollInterval is the sleep between checks of a fence that has been
// reset and not yet submitted.
const fencePollInterval = time.Millisecond

type commandPool struct {
	family  uint32
	buffers []driver.Handle
}

type commandBuffer struct {
	pool      driver.Handle
	level     driver.CommandBufferLevel
	recording bool
	ops       []op
}

// op is one recorded command. Buffer copies go through a HAL command
// encoder; image uploads are written through the queue from the host
// shadow of the staging memory when the command buffer is submitted.
type op struct {
	encode func(enc hal.CommandEncoder)
	write  func(q hal.Queue)
}

// EnabledExtensions returns the extensions the device was opened with.
func (d *Device) EnabledExtensions() []string { return slices.Clone(d.exts) }

func (d *Device) CreateCommandPool(family uint32) (driver.Handle, error) {
	if family != 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: no queue family %d", family)
	}
	return d.add(driver.KindCommandPool, &commandPool{family: family})
}

func (d *Device) AllocateCommandBuffer(pool driver.Handle, level driver.CommandBufferLevel) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := lookupLocked[*commandPool](d, pool, driver.KindCommandPool)
	if err != nil {
		return driver.NullHandle, err
	}
	// Command buffers die with their pool and are not standalone objects.
	d.next++
	h := d.next
	d.objects[h] = entry{kind: driver.KindUnknown, v: &commandBuffer{pool: pool, level: level}}
	p.buffers = append(p.buffers, h)
	return h, nil
}

func (d *Device) ResetCommandPool(pool driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := lookupLocked[*commandPool](d, pool, driver.KindCommandPool)
	if err != nil {
		return err
	}
	for _, h := range p.buffers {
		cb, err := lookupLocked[*commandBuffer](d, h, driver.KindUnknown)
		if err != nil {
			return err
		}
		cb.recording, cb.ops = false, cb.ops[:0]
	}
	return nil
}

func (d *Device) BeginCommandBuffer(cmd driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := lookupLocked[*commandBuffer](d, cmd, driver.KindUnknown)
	if err != nil {
		return err
	}
	if cb.recording {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: command buffer %d already recording", cmd)
	}
	cb.recording, cb.ops = true, cb.ops[:0]
	return nil
}

func (d *Device) EndCommandBuffer(cmd driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := lookupLocked[*commandBuffer](d, cmd, driver.KindUnknown)
	if err != nil {
		return err
	}
	if !cb.recording {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: command buffer %d not recording", cmd)
	}
	cb.recording = false
	return nil
}

func (d *Device) recordingLocked(cmd driver.Handle) (*commandBuffer, error) {
	cb, err := lookupLocked[*commandBuffer](d, cmd, driver.KindUnknown)
	if err != nil {
		return nil, err
	}
	if !cb.recording {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: command buffer %d not recording", cmd)
	}
	return cb, nil
}

func (d *Device) boundBufferLocked(h driver.Handle) (*bufferObject, error) {
	b, err := lookupLocked[*bufferObject](d, h, driver.KindBuffer)
	if err != nil {
		return nil, err
	}
	if b.buf == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: buffer %d has no memory", h)
	}
	return b, nil
}

func (d *Device) CmdCopyBuffer(cmd, src, dst driver.Handle, regions []driver.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.recordingLocked(cmd)
	if err != nil {
		return err
	}
	s, err := d.boundBufferLocked(src)
	if err != nil {
		return err
	}
	t, err := d.boundBufferLocked(dst)
	if err != nil {
		return err
	}
	copies := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		if r.SrcOffset+r.Size > s.desc.Size || r.DstOffset+r.Size > t.desc.Size {
			return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: copy region %d out of bounds", i)
		}
		copies[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	srcBuf, dstBuf := s.buf, t.buf
	cb.ops = append(cb.ops, op{encode: func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(srcBuf, dstBuf, copies)
	}})
	return nil
}

// CmdCopyBufferToImage records an image upload. The source buffer must live
// in host-visible memory.
func (d *Device) CmdCopyBufferToImage(cmd, src, dst driver.Handle, regions []driver.BufferImageCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.recordingLocked(cmd)
	if err != nil {
		return err
	}
	s, err := d.boundBufferLocked(src)
	if err != nil {
		return err
	}
	if s.mem.host == nil {
		return driver.Errorf(driver.ErrUnsupported, "halwgpu: image upload from device-local buffer %d", src)
	}
	img, err := lookupLocked[*imageObject](d, dst, driver.KindImage)
	if err != nil {
		return err
	}
	if img.tex == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: image %d has no memory", dst)
	}

	host := s.mem.host[s.offset : s.offset+s.desc.Size]
	tex := img.tex
	for i, r := range regions {
		bytesPerRow := r.BytesPerRow
		if bytesPerRow == 0 {
			bytesPerRow = r.Width * 4
		}
		rows := r.RowsPerImage
		if rows == 0 {
			rows = r.Height
		}
		depth := max(r.Depth, 1)
		size := uint64(bytesPerRow) * uint64(rows) * uint64(depth)
		if r.BufferOffset+size > uint64(len(host)) {
			return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: image copy region %d reads past the buffer", i)
		}
		offset := r.BufferOffset
		cb.ops = append(cb.ops, op{write: func(q hal.Queue) {
			q.WriteTexture(&hal.ImageCopyTexture{
				Texture:  tex,
				MipLevel: r.MipLevel,
				Origin:   hal.Origin3D{X: r.X, Y: r.Y, Z: max(r.Z, r.ArrayLayer)},
				Aspect:   gputypes.TextureAspectAll,
			}, host[offset:offset+size], &hal.ImageDataLayout{
				Offset:       0,
				BytesPerRow:  bytesPerRow,
				RowsPerImage: rows,
			}, &hal.Extent3D{
				Width:              r.Width,
				Height:             r.Height,
				DepthOrArrayLayers: depth,
			})
		}})
	}
	return nil
}

func (d *Device) CreateFence(signaled bool) (driver.Handle, error) {
	return d.add(driver.KindFence, &fenceObject{armed: !signaled})
}

func (d *Device) FenceSignaled(fence driver.Handle) (bool, error) {
	d.mu.Lock()
	f, err := lookupLocked[*fenceObject](d, fence, driver.KindFence)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	armed, target := f.armed, f.target
	d.mu.Unlock()
	if armed {
		return false, nil
	}
	return d.waitValue(target, 0)
}

func (d *Device) WaitFences(fences []driver.Handle, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for _, h := range fences {
		for {
			d.mu.Lock()
			f, err := lookupLocked[*fenceObject](d, h, driver.KindFence)
			if err != nil {
				d.mu.Unlock()
				return false, err
			}
			armed, target := f.armed, f.target
			d.mu.Unlock()

			remaining := time.Until(deadline)
			if !armed {
				ok, err := d.waitValue(target, max(remaining, 0))
				if err != nil || !ok {
					return false, err
				}
				break
			}
			if remaining <= 0 {
				return false, nil
			}
			time.Sleep(min(fencePollInterval, remaining))
		}
	}
	return true, nil
}

func (d *Device) ResetFence(fence driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := lookupLocked[*fenceObject](d, fence, driver.KindFence)
	if err != nil {
		return err
	}
	f.armed = true
	return nil
}

// waitValue waits until the timeline reaches value.
func (d *Device) waitValue(value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	done := value <= d.completed
	d.mu.Unlock()
	if done {
		return true, nil
	}
	ok, err := d.dev.Wait(d.timeline, value, timeout)
	if err != nil {
		return false, driver.Mark(errors.Wrapf(err, "halwgpu: wait for submission %d", value), driver.ErrDeviceLost)
	}
	if ok {
		d.mu.Lock()
		d.completed = max(d.completed, value)
		d.reclaimLocked(d.completed)
		d.mu.Unlock()
	}
	return ok, nil
}

// reclaimLocked frees the HAL command buffers of submissions up to value.
func (d *Device) reclaimLocked(value uint64) {
	n := 0
	for n < len(d.inflight) && d.inflight[n].value <= value {
		for _, cb := range d.inflight[n].buffers {
			d.dev.FreeCommandBuffer(cb)
		}
		n++
	}
	d.inflight = d.inflight[n:]
}

// Queue is the single HAL queue.
type Queue struct {
	dev *Device
	q   hal.Queue
}

// Ensure Queue implements driver.Queue.
var _ driver.Queue = (*Queue)(nil)

func (q *Queue) Family() uint32 { return 0 }

// Submit encodes the recorded command buffers and submits them on the
// timeline. Semaphores are accepted and ignored: the single queue executes
// submissions in order.
func (q *Queue) Submit(info *driver.SubmitInfo) error {
	if info == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil submit info")
	}
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	var fence *fenceObject
	if !info.Fence.IsNull() {
		f, err := lookupLocked[*fenceObject](d, info.Fence, driver.KindFence)
		if err != nil {
			return err
		}
		if !f.armed {
			return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: submit with signaled fence %d", info.Fence)
		}
		fence = f
	}

	var buffers []hal.CommandBuffer
	discard := func() {
		for _, cb := range buffers {
			d.dev.FreeCommandBuffer(cb)
		}
	}
	for _, h := range info.CommandBuffers {
		cb, err := lookupLocked[*commandBuffer](d, h, driver.KindUnknown)
		if err != nil {
			discard()
			return err
		}
		if cb.recording {
			discard()
			return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: submit of recording command buffer %d", h)
		}
		hcb, err := q.encode(cb)
		if err != nil {
			discard()
			return err
		}
		if hcb != nil {
			buffers = append(buffers, hcb)
		}
	}

	value := d.submitted + 1
	if err := q.q.Submit(buffers, d.timeline, value); err != nil {
		discard()
		return driver.Mark(errors.Wrap(err, "halwgpu: submit"), driver.ErrDeviceLost)
	}
	d.submitted = value
	d.inflight = append(d.inflight, submission{value: value, buffers: buffers})
	if fence != nil {
		fence.target, fence.armed = value, false
	}
	return nil
}

// encode replays cb. Queue writes run immediately; buffer copies are
// gathered into one HAL command buffer, nil when there are none.
func (q *Queue) encode(cb *commandBuffer) (hal.CommandBuffer, error) {
	var enc hal.CommandEncoder
	for _, o := range cb.ops {
		if o.write != nil {
			o.write(q.q)
			continue
		}
		if enc == nil {
			var err error
			enc, err = q.dev.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rhi"})
			if err != nil {
				return nil, driver.Mark(errors.Wrap(err, "halwgpu: create command encoder"), driver.ErrFailed)
			}
			if err := enc.BeginEncoding("rhi"); err != nil {
				return nil, driver.Mark(errors.Wrap(err, "halwgpu: begin encoding"), driver.ErrFailed)
			}
		}
		o.encode(enc)
	}
	if enc == nil {
		return nil, nil
	}
	out, err := enc.EndEncoding()
	if err != nil {
		return nil, driver.Mark(errors.Wrap(err, "halwgpu: end encoding"), driver.ErrFailed)
	}
	return out, nil
}

// WaitIdle waits for every submission.
func (q *Queue) WaitIdle() error { return q.dev.WaitIdle() }
