package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/bindless"
	"github.com/gogpu/rhi/internal/release"
)

// Bindless types, re-exported for callers outside the module.
type (
	BindlessPool          = bindless.Pool
	BindlessResourceType  = bindless.ResourceType
	NullDescriptorManager = bindless.NullDescriptorManager
)

const (
	BindlessReadOnlyImage     = bindless.ReadOnlyImage
	BindlessReadWriteImage    = bindless.ReadWriteImage
	BindlessReadOnlyBuffer    = bindless.ReadOnlyBuffer
	BindlessReadWriteBuffer   = bindless.ReadWriteBuffer
	BindlessReadOnlyCubeImage = bindless.ReadOnlyCubeImage
	BindlessSampler           = bindless.Sampler
)

// BindlessPool returns the global bindless descriptor pool, or nil when
// descriptor indexing is not available.
func (d *Device) BindlessPool() *BindlessPool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindlessPool
}

// AttachBindless registers resource in the global set and returns its
// shader-visible index.
func (d *Device) AttachBindless(t BindlessResourceType, resource driver.Handle) (uint32, error) {
	p := d.BindlessPool()
	if p == nil {
		return 0, driver.Errorf(driver.ErrUnsupported, "rhi: bindless not available")
	}
	return p.Attach(t, resource)
}

// DetachBindless frees index once in-flight frames that may read it have
// completed.
func (d *Device) DetachBindless(t BindlessResourceType, index uint32) error {
	p := d.BindlessPool()
	if p == nil {
		return driver.Errorf(driver.ErrUnsupported, "rhi: bindless not available")
	}
	logger := d.logger
	d.releases.QueueForRelease(release.Func(func() {
		if err := p.Detach(t, index); err != nil {
			logger.Error("detach bindless descriptor", "type", t.String(), "index", index, "err", err)
		}
	}))
	return nil
}

// NullDescriptors returns the null descriptor manager, creating it on the
// first call. It requires the bindless pool.
func (d *Device) NullDescriptors() (*NullDescriptorManager, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.shutdown {
		return nil, errors.AssertionFailedf("rhi: device not initialized")
	}
	if d.nullDescriptor != nil {
		return d.nullDescriptor, nil
	}
	m, err := bindless.NewNullDescriptorManager(bindless.NullConfig{
		Pool:      d.bindlessPool,
		Device:    d.native,
		Native:    d.features.NullDescriptor,
		Allocator: d.allocator,
		Logger:    d.component("null-descriptor"),
	})
	if err != nil {
		return nil, err
	}
	d.nullDescriptor = m
	d.onTeardown(func() { m.Close(); d.nullDescriptor = nil })
	return m, nil
}
