// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package bindless manages one global descriptor set holding runtime arrays
// of every resource type, addressed by index from shaders.
package bindless

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/feature"
)

// ResourceType selects one runtime array of the global set. The binding
// number of an array equals its ResourceType.
type ResourceType uint8

const (
	ReadOnlyImage ResourceType = iota
	ReadWriteImage
	ReadOnlyBuffer
	ReadWriteBuffer
	ReadOnlyCubeImage
	Sampler

	NumResourceTypes = 6
)

var resourceTypeNames = [NumResourceTypes]string{
	"read-only image", "read-write image", "read-only buffer",
	"read-write buffer", "read-only cube image", "sampler",
}

func (t ResourceType) String() string {
	if int(t) < NumResourceTypes {
		return resourceTypeNames[t]
	}
	return "unknown"
}

// DescriptorType returns the native descriptor type of the array.
func (t ResourceType) DescriptorType() driver.DescriptorType {
	switch t {
	case ReadWriteImage:
		return driver.DescriptorStorageImage
	case ReadOnlyBuffer:
		return driver.DescriptorReadOnlyStorageBuffer
	case ReadWriteBuffer:
		return driver.DescriptorStorageBuffer
	case Sampler:
		return driver.DescriptorSampler
	default:
		return driver.DescriptorSampledImage
	}
}

// DefaultMaxPerType caps each runtime array regardless of device limits.
const DefaultMaxPerType = 1 << 16

// Config configures a Pool.
type Config struct {
	Device driver.Device
	Limits feature.LimitSet
	// SetIndex is the descriptor set number shaders bind the global set at.
	SetIndex   uint32
	MaxPerType uint32
	Logger     *slog.Logger
}

type slots struct {
	capacity uint32
	next     uint32
	free     []uint32
	used     map[uint32]driver.Handle
}

// Pool is the global bindless descriptor set. It is safe for concurrent use.
type Pool struct {
	dev      driver.Device
	setIndex uint32
	logger   *slog.Logger

	layout driver.Handle
	pool   driver.Handle
	set    driver.Handle

	mu     sync.Mutex
	arrays [NumResourceTypes]slots
	closed bool
}

// New creates the global set layout, its descriptor pool and the set.
func New(cfg Config) (*Pool, error) {
	if cfg.Device == nil {
		return nil, errors.AssertionFailedf("bindless: nil device")
	}
	if cfg.MaxPerType == 0 {
		cfg.MaxPerType = DefaultMaxPerType
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Pool{dev: cfg.Device, setIndex: cfg.SetIndex, logger: cfg.Logger}
	l := cfg.Limits
	limits := [NumResourceTypes]uint32{
		ReadOnlyImage:     l.MaxBindlessSampledImages,
		ReadWriteImage:    l.MaxBindlessStorageImages,
		ReadOnlyBuffer:    l.MaxBindlessStorageBuffers,
		ReadWriteBuffer:   l.MaxBindlessStorageBuffers,
		ReadOnlyCubeImage: l.MaxBindlessSampledImages,
		Sampler:           l.MaxBindlessSamplers,
	}

	bindings := make([]driver.DescriptorBinding, NumResourceTypes)
	sizes := make([]driver.DescriptorPoolSize, NumResourceTypes)
	for t := range ResourceType(NumResourceTypes) {
		n := min(limits[t], cfg.MaxPerType)
		if n == 0 {
			return nil, driver.Errorf(driver.ErrUnsupported, "bindless: device allows no %s descriptors", t)
		}
		p.arrays[t] = slots{capacity: n, used: make(map[uint32]driver.Handle)}
		bindings[t] = driver.DescriptorBinding{
			Binding: uint32(t),
			Type:    t.DescriptorType(),
			Count:   n,
			Stages:  driver.StageAll,
			Flags:   driver.BindingPartiallyBound | driver.BindingUpdateAfterBind,
		}
		sizes[t] = driver.DescriptorPoolSize{Type: t.DescriptorType(), Count: n}
	}

	if err := p.createObjects(bindings, sizes); err != nil {
		p.destroy()
		return nil, err
	}

	p.logger.Info("bindless pool created", "set", cfg.SetIndex,
		"images", p.arrays[ReadOnlyImage].capacity, "buffers", p.arrays[ReadOnlyBuffer].capacity,
		"samplers", p.arrays[Sampler].capacity)
	return p, nil
}

func (p *Pool) createObjects(bindings []driver.DescriptorBinding, sizes []driver.DescriptorPoolSize) error {
	var err error
	if p.layout, err = p.dev.CreateDescriptorSetLayout(&driver.DescriptorSetLayoutDesc{
		Label: "bindless", Bindings: bindings,
	}); err != nil {
		p.layout = driver.NullHandle
		return errors.Wrap(err, "bindless: set layout")
	}
	if p.pool, err = p.dev.CreateDescriptorPool(&driver.DescriptorPoolDesc{
		Label: "bindless", MaxSets: 1, Sizes: sizes, UpdateAfterBind: true,
	}); err != nil {
		p.pool = driver.NullHandle
		return errors.Wrap(err, "bindless: descriptor pool")
	}
	if p.set, err = p.dev.AllocateDescriptorSet(p.pool, p.layout, 0); err != nil {
		p.set = driver.NullHandle
		return errors.Wrap(err, "bindless: descriptor set")
	}
	return nil
}

// Attach writes resource into the next free slot of the t array and
// returns its index.
func (p *Pool) Attach(t ResourceType, resource driver.Handle) (uint32, error) {
	if int(t) >= NumResourceTypes {
		return 0, errors.AssertionFailedf("bindless: invalid resource type %d", t)
	}
	if resource.IsNull() {
		return 0, driver.Errorf(driver.ErrInvalidArgument, "bindless: attach of null %s", t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.AssertionFailedf("bindless: attach after close")
	}
	a := &p.arrays[t]
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next >= a.capacity {
			return 0, driver.Errorf(driver.ErrOutOfMemory, "bindless: %s array full (%d)", t, a.capacity)
		}
		index = a.next
		a.next++
	}

	err := p.dev.UpdateDescriptorSet(p.set, []driver.DescriptorWrite{{
		Binding:      uint32(t),
		ArrayElement: index,
		Type:         t.DescriptorType(),
		Resource:     resource,
	}})
	if err != nil {
		a.free = append(a.free, index)
		return 0, errors.Wrapf(err, "bindless: write %s %d", t, index)
	}
	a.used[index] = resource
	return index, nil
}

// Detach frees index of the t array. The caller must ensure no in-flight
// work still reads it.
func (p *Pool) Detach(t ResourceType, index uint32) error {
	if int(t) >= NumResourceTypes {
		return errors.AssertionFailedf("bindless: invalid resource type %d", t)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &p.arrays[t]
	if _, ok := a.used[index]; !ok {
		return errors.AssertionFailedf("bindless: detach of unused %s index %d", t, index)
	}
	delete(a.used, index)
	a.free = append(a.free, index)
	return nil
}

// Set returns the global descriptor set.
func (p *Pool) Set() driver.Handle { return p.set }

// Layout returns the global set layout.
func (p *Pool) Layout() driver.Handle { return p.layout }

// SetIndex returns the set number the global set binds at.
func (p *Pool) SetIndex() uint32 { return p.setIndex }

// Capacity returns the length of the t array.
func (p *Pool) Capacity(t ResourceType) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arrays[t].capacity
}

// Count returns the number of attached t descriptors.
func (p *Pool) Count(t ResourceType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arrays[t].used)
}

// Close destroys the set, its pool and its layout.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.destroy()
}

func (p *Pool) destroy() {
	if !p.pool.IsNull() {
		p.dev.Destroy(driver.KindDescriptorPool, p.pool)
		p.pool, p.set = driver.NullHandle, driver.NullHandle
	}
	if !p.layout.IsNull() {
		p.dev.Destroy(driver.KindDescriptorSetLayout, p.layout)
		p.layout = driver.NullHandle
	}
}
