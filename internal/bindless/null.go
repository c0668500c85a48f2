// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package bindless

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/memory"
)

// NullConfig configures a NullDescriptorManager.
type NullConfig struct {
	// Pool must be the initialized global pool.
	Pool   *Pool
	Device driver.Device
	// Native reports device support for null descriptors. Nothing is
	// created when it is set.
	Native    bool
	Allocator *memory.Allocator
	Logger    *slog.Logger
}

type placeholder struct {
	kind  driver.ObjectKind
	h     driver.Handle
	alloc *memory.Allocation
}

// NullDescriptorManager provides descriptors to bind where a shader expects
// a resource but none exists.
type NullDescriptorManager struct {
	pool   *Pool
	dev    driver.Device
	native bool
	logger *slog.Logger

	allocator *memory.Allocator
	objects   []placeholder
	resources [NumResourceTypes]driver.Handle
	indices   [NumResourceTypes]uint32
	attached  [NumResourceTypes]bool
}

// NewNullDescriptorManager creates the null descriptors. It must not run
// before the bindless pool exists.
func NewNullDescriptorManager(cfg NullConfig) (*NullDescriptorManager, error) {
	if cfg.Pool == nil {
		return nil, errors.AssertionFailedf("bindless: null descriptor manager created before the bindless pool")
	}
	if cfg.Device == nil {
		return nil, errors.AssertionFailedf("bindless: nil device")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	m := &NullDescriptorManager{
		pool:      cfg.Pool,
		dev:       cfg.Device,
		native:    cfg.Native,
		logger:    cfg.Logger,
		allocator: cfg.Allocator,
	}
	if m.native {
		m.logger.Debug("using native null descriptors")
		return m, nil
	}
	if m.allocator == nil {
		return nil, errors.AssertionFailedf("bindless: placeholder descriptors need an allocator")
	}

	if err := m.createPlaceholders(); err != nil {
		m.Close()
		return nil, err
	}
	m.logger.Debug("created placeholder null descriptors", "objects", len(m.objects))
	return m, nil
}

func (m *NullDescriptorManager) createPlaceholders() error {
	image, err := m.image("null image", false)
	if err != nil {
		return err
	}
	cube, err := m.image("null cube image", true)
	if err != nil {
		return err
	}
	buf, err := m.buffer()
	if err != nil {
		return err
	}
	sampler, err := m.dev.CreateSampler(&driver.SamplerDesc{
		Label:    "null sampler",
		AddressU: driver.AddressClampToEdge,
		AddressV: driver.AddressClampToEdge,
		AddressW: driver.AddressClampToEdge,
	})
	if err != nil {
		return errors.Wrap(err, "bindless: null sampler")
	}
	m.objects = append(m.objects, placeholder{kind: driver.KindSampler, h: sampler})

	m.resources = [NumResourceTypes]driver.Handle{
		ReadOnlyImage:     image,
		ReadWriteImage:    image,
		ReadOnlyBuffer:    buf,
		ReadWriteBuffer:   buf,
		ReadOnlyCubeImage: cube,
		Sampler:           sampler,
	}
	for t := range ResourceType(NumResourceTypes) {
		idx, err := m.pool.Attach(t, m.resources[t])
		if err != nil {
			return errors.Wrapf(err, "bindless: register null %s", t)
		}
		m.indices[t], m.attached[t] = idx, true
	}
	return nil
}

func (m *NullDescriptorManager) image(label string, cube bool) (driver.Handle, error) {
	layers := uint32(1)
	if cube {
		layers = 6
	}
	img, err := m.dev.CreateImage(&driver.ImageDesc{
		Label:         label,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Width:         1,
		Height:        1,
		DepthOrLayers: layers,
		MipLevels:     1,
		Samples:       1,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		Cube:          cube,
	})
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "bindless: %s", label)
	}
	p := placeholder{kind: driver.KindImage, h: img}
	m.objects = append(m.objects, p)

	req, err := m.dev.ImageMemoryRequirements(img)
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "bindless: %s requirements", label)
	}
	al, err := m.allocator.Allocate(req, memory.AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "bindless: %s memory", label)
	}
	m.objects[len(m.objects)-1].alloc = al
	if err := m.dev.BindImageMemory(img, al.Memory, al.Offset); err != nil {
		return driver.NullHandle, errors.Wrapf(err, "bindless: bind %s", label)
	}
	return img, nil
}

func (m *NullDescriptorManager) buffer() (driver.Handle, error) {
	buf, err := m.dev.CreateBuffer(&driver.BufferDesc{
		Label: "null buffer",
		Size:  256,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageUniform,
	})
	if err != nil {
		return driver.NullHandle, errors.Wrap(err, "bindless: null buffer")
	}
	m.objects = append(m.objects, placeholder{kind: driver.KindBuffer, h: buf})

	req, err := m.dev.BufferMemoryRequirements(buf)
	if err != nil {
		return driver.NullHandle, errors.Wrap(err, "bindless: null buffer requirements")
	}
	al, err := m.allocator.Allocate(req, memory.AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		return driver.NullHandle, errors.Wrap(err, "bindless: null buffer memory")
	}
	m.objects[len(m.objects)-1].alloc = al
	if err := m.dev.BindBufferMemory(buf, al.Memory, al.Offset); err != nil {
		return driver.NullHandle, errors.Wrap(err, "bindless: bind null buffer")
	}
	return buf, nil
}

// Native reports whether the device handles null descriptors itself.
func (m *NullDescriptorManager) Native() bool { return m.native }

// Resource returns the placeholder for t, or driver.NullHandle when null
// descriptors are native.
func (m *NullDescriptorManager) Resource(t ResourceType) driver.Handle {
	if int(t) >= NumResourceTypes {
		return driver.NullHandle
	}
	return m.resources[t]
}

// Index returns the bindless index of the placeholder for t. ok is false
// when null descriptors are native.
func (m *NullDescriptorManager) Index(t ResourceType) (index uint32, ok bool) {
	if m.native || int(t) >= NumResourceTypes || !m.attached[t] {
		return 0, false
	}
	return m.indices[t], true
}

// Close detaches and destroys the placeholders.
func (m *NullDescriptorManager) Close() {
	for t := range ResourceType(NumResourceTypes) {
		if m.attached[t] {
			if err := m.pool.Detach(t, m.indices[t]); err != nil {
				m.logger.Error("detach null descriptor", "type", t.String(), "err", err)
			}
		}
		m.resources[t], m.attached[t] = driver.NullHandle, false
	}
	for i := len(m.objects) - 1; i >= 0; i-- {
		o := m.objects[i]
		m.dev.Destroy(o.kind, o.h)
		if o.alloc != nil {
			if err := m.allocator.Free(o.alloc); err != nil {
				m.logger.Error("free null descriptor memory", "err", err)
			}
		}
	}
	m.objects = nil
}
