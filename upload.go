package rhi

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/upload"
)

// Upload types, re-exported for callers outside the module.
type (
	UploadQueue  = upload.Queue
	UploadTicket = upload.Ticket
)

// ErrStagingExhausted is returned by uploads under UploadReject when the
// staging budget is in use. It is marked ErrOutOfMemory.
var ErrStagingExhausted = upload.ErrStagingExhausted

// AsyncUploadQueue returns the upload queue, creating it on the first call.
// Uploads run on a copy-only queue family when the adapter has one.
func (d *Device) AsyncUploadQueue() (*UploadQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.shutdown {
		return nil, errors.AssertionFailedf("rhi: device not initialized")
	}
	if d.uploads != nil {
		return d.uploads, nil
	}

	family := d.uploadFamily()
	if d.uploadPool == nil {
		p, err := d.allocator.CreatePool(memory.PoolConfig{
			Name:     "upload",
			Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
		})
		if err != nil {
			return nil, errors.Wrap(err, "rhi: upload staging pool")
		}
		d.uploadPool = p
	}
	q, err := upload.New(upload.Config{
		Device:      d.native,
		Queue:       d.queues[family],
		Staging:     d.uploadPool,
		Budget:      d.cfg.UploadStagingBudget,
		Alignment:   max(d.limits.OptimalBufferCopyOffsetAlignment, upload.DefaultAlignment),
		MaxInFlight: d.cfg.UploadInFlight,
		Policy:      d.cfg.UploadPolicy,
		Logger:      d.component("upload"),
	})
	if err != nil {
		return nil, err
	}
	d.uploads = q
	d.onTeardown(func() { q.Close(); d.uploads = nil })
	return q, nil
}

// uploadFamily prefers a family that only copies, then any copy-capable
// family, then the graphics family.
func (d *Device) uploadFamily() uint32 {
	for _, f := range d.families {
		if f.Classes == driver.QueueCopy {
			return f.Index
		}
	}
	if f, ok := d.familyFor(driver.QueueCopy); ok {
		return f
	}
	return d.graphics
}

// UploadBuffer copies data into dst at offset asynchronously. dst holds an
// extra reference until the ticket is done.
func (d *Device) UploadBuffer(ctx context.Context, dst *Buffer, offset uint64, data []byte) (*UploadTicket, error) {
	if dst == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil upload destination")
	}
	if offset+uint64(len(data)) > dst.Desc.Size {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: upload of %d bytes at %d overflows buffer of %d",
			len(data), offset, dst.Desc.Size)
	}
	q, err := d.AsyncUploadQueue()
	if err != nil {
		return nil, err
	}
	dst.Retain()
	t, err := q.UploadBuffer(ctx, dst.Handle(), offset, data)
	return holdUntilDone(&dst.Object, t, err)
}

// UploadImage copies data into region of dst asynchronously. dst holds an
// extra reference until the ticket is done.
func (d *Device) UploadImage(ctx context.Context, dst *Image, region driver.BufferImageCopy, data []byte) (*UploadTicket, error) {
	if dst == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil upload destination")
	}
	q, err := d.AsyncUploadQueue()
	if err != nil {
		return nil, err
	}
	dst.Retain()
	t, err := q.UploadImage(ctx, dst.Handle(), region, data)
	return holdUntilDone(&dst.Object, t, err)
}

// holdUntilDone drops the reference taken on obj once the upload ends, or
// right away when it was never queued.
func holdUntilDone(obj *Object, t *UploadTicket, err error) (*UploadTicket, error) {
	if err != nil {
		obj.Release()
		return nil, err
	}
	t.AfterDone(obj.Release)
	return t, nil
}
