package rhi

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/memory"
)

// Buffer is a native buffer bound to device memory.
type Buffer struct {
	Object
	Desc       BufferDesc
	Allocation *memory.Allocation
}

// Write copies data into the buffer at offset. The buffer memory must be
// host visible.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if !b.Allocation.Properties().Has(driver.MemoryHostVisible) {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: buffer %d is not host visible", b.Handle())
	}
	if offset+uint64(len(data)) > b.Desc.Size {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: write of %d bytes at %d overflows buffer of %d",
			len(data), offset, b.Desc.Size)
	}
	return b.Allocation.Write(offset, data)
}

// Image is a native image bound to device memory.
type Image struct {
	Object
	Desc       ImageDesc
	Allocation *memory.Allocation
}

// boundResource creates a native resource, allocates memory for it and
// binds the two. On failure nothing is left behind.
func (d *Device) boundResource(
	kind driver.ObjectKind,
	create func() (driver.Handle, error),
	requirements func(driver.Handle) (driver.MemoryRequirements, error),
	bind func(res, mem driver.Handle, offset uint64) error,
	allocate func(driver.MemoryRequirements) (*memory.Allocation, error),
) (driver.Handle, *memory.Allocation, error) {
	h, err := create()
	if err != nil {
		return driver.NullHandle, nil, errors.Wrapf(err, "rhi: create %s", kind)
	}
	req, err := requirements(h)
	if err != nil {
		d.native.Destroy(kind, h)
		return driver.NullHandle, nil, errors.Wrapf(err, "rhi: %s memory requirements", kind)
	}
	al, err := allocate(req)
	if err != nil {
		d.native.Destroy(kind, h)
		return driver.NullHandle, nil, errors.Wrapf(err, "rhi: allocate %s memory", kind)
	}
	if err := bind(h, al.Memory, al.Offset); err != nil {
		d.native.Destroy(kind, h)
		_ = d.allocator.Free(al)
		return driver.NullHandle, nil, errors.Wrapf(err, "rhi: bind %s memory", kind)
	}
	return h, al, nil
}

// destroyBound returns the release function of a bound resource.
func (d *Device) destroyBound(kind driver.ObjectKind, h driver.Handle, al *memory.Allocation) func() {
	native, alloc, logger := d.native, d.allocator, d.logger
	return func() {
		native.Destroy(kind, h)
		if err := alloc.Free(al); err != nil {
			logger.Error("free resource memory", "kind", kind.String(), "err", err)
		}
	}
}

// CreateBuffer creates a buffer and binds it to memory selected by info.
// The caller owns one reference.
func (d *Device) CreateBuffer(desc *BufferDesc, info AllocationInfo) (*Buffer, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Size == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: empty buffer descriptor")
	}
	return d.newBuffer(desc, func(req driver.MemoryRequirements) (*memory.Allocation, error) {
		return d.allocator.Allocate(req, info)
	})
}

func (d *Device) newBuffer(desc *BufferDesc, allocate func(driver.MemoryRequirements) (*memory.Allocation, error)) (*Buffer, error) {
	h, al, err := d.boundResource(driver.KindBuffer,
		func() (driver.Handle, error) { return d.native.CreateBuffer((*driver.BufferDesc)(desc)) },
		d.native.BufferMemoryRequirements,
		d.native.BindBufferMemory,
		allocate)
	if err != nil {
		return nil, err
	}
	b := &Buffer{Desc: *desc, Allocation: al}
	b.init(driver.KindBuffer, h, d.releases, d.destroyBound(driver.KindBuffer, h, al))
	return b, nil
}

// CreateImage creates an image in device-local memory. The caller owns
// one reference.
func (d *Device) CreateImage(desc *ImageDesc) (*Image, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: empty image descriptor")
	}
	h, al, err := d.boundResource(driver.KindImage,
		func() (driver.Handle, error) { return d.native.CreateImage((*driver.ImageDesc)(desc)) },
		d.native.ImageMemoryRequirements,
		d.native.BindImageMemory,
		func(req driver.MemoryRequirements) (*memory.Allocation, error) {
			return d.allocator.Allocate(req, memory.AllocationInfo{Required: driver.MemoryDeviceLocal})
		})
	if err != nil {
		return nil, err
	}
	img := &Image{Desc: *desc, Allocation: al}
	img.init(driver.KindImage, h, d.releases, d.destroyBound(driver.KindImage, h, al))
	return img, nil
}

// AcquireStagingBuffer returns a host-visible transfer-source buffer of at
// least size bytes from the staging pool, with memory aligned to align. It
// returns nil when the pool budget or the device memory is exhausted, or
// when align is not a power of two.
func (d *Device) AcquireStagingBuffer(size, align uint64) *Buffer {
	if d.requireInit() != nil {
		return nil
	}
	b, err := d.poolBuffer(d.stagingPool, &BufferDesc{
		Label: "staging",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	}, align)
	if err != nil {
		d.logger.Warn("staging buffer unavailable", "size", size, "err", err)
		return nil
	}
	return b
}

// AcquireConstantBuffer returns a host-visible uniform buffer of at least
// size bytes from the constant pool, with memory aligned to align. Zero
// align uses the device requirement alone.
func (d *Device) AcquireConstantBuffer(size, align uint64) (*Buffer, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	return d.poolBuffer(d.constantPool, &BufferDesc{
		Label: "constant",
		Size:  size,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}, align)
}

func (d *Device) poolBuffer(pool *memory.Pool, desc *BufferDesc, align uint64) (*Buffer, error) {
	if desc.Size == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: empty %s buffer", pool.Name())
	}
	if align&(align-1) != 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: %s buffer alignment %d is not a power of two",
			pool.Name(), align)
	}
	return d.newBuffer(desc, func(req driver.MemoryRequirements) (*memory.Allocation, error) {
		req.Alignment = max(req.Alignment, align)
		return pool.Allocate(req)
	})
}

// GetBufferMemoryRequirements returns the memory requirements of buffers
// created from desc. Results are cached by descriptor.
func (d *Device) GetBufferMemoryRequirements(desc *BufferDesc) (driver.MemoryRequirements, error) {
	if err := d.requireInit(); err != nil {
		return driver.MemoryRequirements{}, err
	}
	if desc == nil || desc.Size == 0 {
		return driver.MemoryRequirements{}, driver.Errorf(driver.ErrInvalidArgument, "rhi: empty buffer descriptor")
	}
	return d.bufferReqs.GetOrCreate(desc.Hash(), func() (driver.MemoryRequirements, error) {
		h, err := d.native.CreateBuffer((*driver.BufferDesc)(desc))
		if err != nil {
			return driver.MemoryRequirements{}, errors.Wrap(err, "rhi: query buffer requirements")
		}
		defer d.native.Destroy(driver.KindBuffer, h)
		return d.native.BufferMemoryRequirements(h)
	})
}

// GetImageMemoryRequirements returns the memory requirements of images
// created from desc. Results are cached by descriptor.
func (d *Device) GetImageMemoryRequirements(desc *ImageDesc) (driver.MemoryRequirements, error) {
	if err := d.requireInit(); err != nil {
		return driver.MemoryRequirements{}, err
	}
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return driver.MemoryRequirements{}, driver.Errorf(driver.ErrInvalidArgument, "rhi: empty image descriptor")
	}
	return d.imageReqs.GetOrCreate(desc.Hash(), func() (driver.MemoryRequirements, error) {
		h, err := d.native.CreateImage((*driver.ImageDesc)(desc))
		if err != nil {
			return driver.MemoryRequirements{}, errors.Wrap(err, "rhi: query image requirements")
		}
		defer d.native.Destroy(driver.KindImage, h)
		return d.native.ImageMemoryRequirements(h)
	})
}

// FindMemoryTypeIndex returns the first memory type allowed by typeBits
// with every required property, or memory.TypeNotFound.
func (d *Device) FindMemoryTypeIndex(required driver.MemoryProperty, typeBits uint32) uint32 {
	if d.requireInit() != nil {
		return memory.TypeNotFound
	}
	return d.allocator.FindMemoryTypeIndex(required, typeBits)
}

// MemoryStatistics returns allocator statistics.
func (d *Device) MemoryStatistics() MemoryStatistics {
	if d.requireInit() != nil {
		return MemoryStatistics{}
	}
	return d.allocator.Statistics()
}

// CompileMemoryStatistics writes heap, pool and requirement-cache
// statistics as members of the open JSON object obj.
func (d *Device) CompileMemoryStatistics(obj *jwriter.ObjectState) {
	if d.requireInit() != nil {
		return
	}
	d.allocator.Statistics().WriteFields(obj)

	rc := obj.Name("RequirementCache").Object()
	writeCacheStats(&rc, "Buffers", d.bufferReqs.Stats())
	writeCacheStats(&rc, "Images", d.imageReqs.Stats())
	rc.End()
}

func writeCacheStats(obj *jwriter.ObjectState, name string, s cache.Stats) {
	co := obj.Name(name).Object()
	co.Name("Entries").Int(s.Len)
	co.Name("Hits").Float64(float64(s.Hits))
	co.Name("Misses").Float64(float64(s.Misses))
	co.Name("HitRate").Float64(s.HitRate)
	co.End()
}

// MemoryStatisticsJSON renders CompileMemoryStatistics as a JSON document.
func (d *Device) MemoryStatisticsJSON() ([]byte, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	w := jwriter.NewWriter()
	obj := w.Object()
	d.CompileMemoryStatistics(&obj)
	obj.End()
	return w.Bytes(), w.Error()
}
