// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halwgpu

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/driver"
)

// idleTimeout bounds WaitIdle and Close.
const idleTimeout = 10 * time.Second

type entry struct {
	kind driver.ObjectKind
	v    any
}

type memoryObject struct {
	typeIndex uint32
	size      uint64
	// host shadows host-visible memory; nil for device-local memory.
	host    []byte
	buffers []*bufferObject
}

type bufferObject struct {
	desc   driver.BufferDesc
	req    driver.MemoryRequirements
	buf    hal.Buffer
	mem    *memoryObject
	offset uint64
}

type imageObject struct {
	desc driver.ImageDesc
	req  driver.MemoryRequirements
	tex  hal.Texture
}

type setLayoutObject struct {
	layout   hal.BindGroupLayout
	bindings []driver.DescriptorBinding
}

// Wrapped so each HAL handle gets its own case in destroyLocked.
type samplerObject struct{ s hal.Sampler }

type pipelineLayoutObject struct{ pl hal.PipelineLayout }

type descriptorPool struct {
	maxSets uint32
	sets    []driver.Handle
}

type descriptorSet struct {
	pool   driver.Handle
	writes map[[2]uint32]driver.DescriptorWrite
}

type fenceObject struct {
	// target is the timeline value of the last submission that signals the
	// fence. Zero means signaled at creation.
	target uint64
	// armed is set by ResetFence and cleared by the next signaling submit.
	armed bool
}

// Device is a HAL device.
type Device struct {
	adapter  *Adapter
	dev      hal.Device
	queue    *Queue
	features driver.Feature
	exts     []string
	logger   *slog.Logger

	mu      sync.Mutex
	next    driver.Handle
	objects map[driver.Handle]entry
	closed  bool

	// Submission timeline.
	timeline  hal.Fence
	submitted uint64
	completed uint64
	inflight  []submission
}

type submission struct {
	value   uint64
	buffers []hal.CommandBuffer
}

// Ensure Device implements driver.Device.
var _ driver.Device = (*Device)(nil)

func newDevice(a *Adapter, dev hal.Device, q hal.Queue, info *driver.DeviceCreateInfo) (*Device, error) {
	timeline, err := dev.CreateFence()
	if err != nil {
		dev.Destroy()
		return nil, driver.Mark(errors.Wrap(err, "halwgpu: create timeline fence"), driver.ErrFailed)
	}
	d := &Device{
		adapter:  a,
		dev:      dev,
		features: info.Features,
		exts:     append([]string(nil), info.Extensions...),
		logger:   a.logger,
		objects:  make(map[driver.Handle]entry),
		timeline: timeline,
	}
	d.queue = &Queue{dev: d, q: q}
	return d, nil
}

// Features returns the features the device was opened with.
func (d *Device) Features() driver.Feature { return d.features }

// addLocked registers v and returns its handle.
func (d *Device) addLocked(kind driver.ObjectKind, v any) driver.Handle {
	d.next++
	d.objects[d.next] = entry{kind: kind, v: v}
	return d.next
}

func (d *Device) add(kind driver.ObjectKind, v any) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: device closed")
	}
	return d.addLocked(kind, v), nil
}

// lookupLocked returns the object behind h, which must be of kind.
func lookupLocked[T any](d *Device, h driver.Handle, kind driver.ObjectKind) (T, error) {
	var zero T
	e, ok := d.objects[h]
	if !ok || e.kind != kind {
		return zero, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: %d is not a live %s", h, kind)
	}
	v, ok := e.v.(T)
	if !ok {
		return zero, errors.AssertionFailedf("halwgpu: %s %d holds %T", kind, h, e.v)
	}
	return v, nil
}

func lookup[T any](d *Device, h driver.Handle, kind driver.ObjectKind) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lookupLocked[T](d, h, kind)
}

func (d *Device) Queue(family, index uint32) (driver.Queue, error) {
	if family != 0 || index != 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: no queue %d in family %d", index, family)
	}
	return d.queue, nil
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	target := d.submitted
	d.mu.Unlock()
	if target == 0 {
		return nil
	}
	ok, err := d.waitValue(target, idleTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return driver.Errorf(driver.ErrFailed, "halwgpu: device not idle after %s", idleTimeout)
	}
	return nil
}

// Close waits for the GPU, destroys every object still registered and the
// HAL device.
func (d *Device) Close() {
	if err := d.WaitIdle(); err != nil {
		d.logger.Warn("halwgpu: close before idle", "err", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if n := len(d.objects); n > 0 {
		d.logger.Warn("halwgpu: objects alive at close", "count", n)
	}
	for h, e := range d.objects {
		d.destroyLocked(e.kind, h)
	}
	d.reclaimLocked(^uint64(0))
	d.dev.DestroyFence(d.timeline)
	d.dev.Destroy()
}

func (d *Device) AllocateMemory(typeIndex uint32, size uint64) (driver.Handle, error) {
	types := d.adapter.memory.Types
	if int(typeIndex) >= len(types) || size == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: memory type %d size %d", typeIndex, size)
	}
	m := &memoryObject{typeIndex: typeIndex, size: size}
	if types[typeIndex].Properties.Has(driver.MemoryHostVisible) {
		m.host = make([]byte, size)
	}
	return d.add(driver.KindMemory, m)
}

// WriteMemory updates the host shadow and forwards the overlapping part of
// every buffer bound to the range through the queue.
func (d *Device) WriteMemory(mem driver.Handle, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := lookupLocked[*memoryObject](d, mem, driver.KindMemory)
	if err != nil {
		return err
	}
	if m.host == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: memory %d is not host visible", mem)
	}
	end := offset + uint64(len(data))
	if end > m.size {
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: write [%d,%d) outside memory of %d", offset, end, m.size)
	}
	copy(m.host[offset:end], data)
	for _, b := range m.buffers {
		lo, hi := max(offset, b.offset), min(end, b.offset+b.desc.Size)
		if lo < hi {
			d.queue.q.WriteBuffer(b.buf, lo-b.offset, m.host[lo:hi])
		}
	}
	return nil
}

// HeapBudgets is nil; the HAL reports no budgets.
func (d *Device) HeapBudgets() []driver.HeapBudget { return nil }

func (d *Device) CreateBuffer(desc *driver.BufferDesc) (driver.Handle, error) {
	if desc == nil || desc.Size == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: empty buffer")
	}
	all := uint32(1)<<uint(len(d.adapter.memory.Types)) - 1
	return d.add(driver.KindBuffer, &bufferObject{
		desc: *desc,
		req: driver.MemoryRequirements{
			Size:      alignUp(desc.Size, bufferAlignment),
			Alignment: bufferAlignment,
			TypeBits:  all,
		},
	})
}

func (d *Device) BufferMemoryRequirements(buf driver.Handle) (driver.MemoryRequirements, error) {
	b, err := lookup[*bufferObject](d, buf, driver.KindBuffer)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}
	return b.req, nil
}

// BindBufferMemory creates the HAL buffer. Buffers in host-visible memory
// receive their contents through queue writes, so they gain copy-dst usage
// and lose the mapping usages.
func (d *Device) BindBufferMemory(buf, mem driver.Handle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := lookupLocked[*bufferObject](d, buf, driver.KindBuffer)
	if err != nil {
		return err
	}
	m, err := lookupLocked[*memoryObject](d, mem, driver.KindMemory)
	if err != nil {
		return err
	}
	if err := checkBind(b.buf != nil, b.req, m, offset); err != nil {
		return err
	}
	usage := b.desc.Usage &^ (gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite)
	if m.host != nil {
		usage |= gputypes.BufferUsageCopyDst
	}
	hb, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: b.desc.Label,
		Size:  b.req.Size,
		Usage: usage,
	})
	if err != nil {
		return driver.Mark(errors.Wrap(err, "halwgpu: create buffer"), driver.ErrOutOfMemory)
	}
	b.buf, b.mem, b.offset = hb, m, offset
	m.buffers = append(m.buffers, b)
	return nil
}

func (d *Device) CreateImage(desc *driver.ImageDesc) (driver.Handle, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: empty image")
	}
	if desc.Cube && desc.DepthOrLayers%6 != 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: cube image with %d layers", desc.DepthOrLayers)
	}
	return d.add(driver.KindImage, &imageObject{
		desc: *desc,
		req: driver.MemoryRequirements{
			Size:      alignUp(imageBytes(desc), imageAlignment),
			Alignment: imageAlignment,
			// Images live in device-local memory only.
			TypeBits: 1,
		},
	})
}

func (d *Device) ImageMemoryRequirements(img driver.Handle) (driver.MemoryRequirements, error) {
	im, err := lookup[*imageObject](d, img, driver.KindImage)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}
	return im.req, nil
}

func (d *Device) BindImageMemory(img, mem driver.Handle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	im, err := lookupLocked[*imageObject](d, img, driver.KindImage)
	if err != nil {
		return err
	}
	m, err := lookupLocked[*memoryObject](d, mem, driver.KindMemory)
	if err != nil {
		return err
	}
	if err := checkBind(im.tex != nil, im.req, m, offset); err != nil {
		return err
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: im.desc.Label,
		Size: hal.Extent3D{
			Width:              im.desc.Width,
			Height:             im.desc.Height,
			DepthOrArrayLayers: max(im.desc.DepthOrLayers, 1),
		},
		MipLevelCount: max(im.desc.MipLevels, 1),
		SampleCount:   max(im.desc.Samples, 1),
		Dimension:     im.desc.Dimension,
		Format:        im.desc.Format,
		Usage:         im.desc.Usage,
	})
	if err != nil {
		return driver.Mark(errors.Wrap(err, "halwgpu: create texture"), driver.ErrOutOfMemory)
	}
	im.tex = tex
	return nil
}

func checkBind(bound bool, req driver.MemoryRequirements, m *memoryObject, offset uint64) error {
	switch {
	case bound:
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: resource already bound")
	case req.TypeBits&(1<<m.typeIndex) == 0:
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: memory type %d not allowed", m.typeIndex)
	case offset%req.Alignment != 0 || offset+req.Size > m.size:
		return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: bind at %d of %d bytes in memory of %d",
			offset, req.Size, m.size)
	}
	return nil
}

// Render passes and framebuffers are begin-time descriptors in the HAL and
// are kept as records.

func (d *Device) CreateRenderPass(desc *driver.RenderPassDesc) (driver.Handle, error) {
	if desc == nil || (len(desc.Colors) == 0 && desc.DepthStencil == nil) {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: render pass without attachments")
	}
	return d.add(driver.KindRenderPass, desc)
}

func (d *Device) CreateFramebuffer(desc *driver.FramebufferDesc) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil framebuffer")
	}
	if _, err := lookupLocked[*driver.RenderPassDesc](d, desc.RenderPass, driver.KindRenderPass); err != nil {
		return driver.NullHandle, err
	}
	for _, a := range desc.Attachments {
		if _, err := lookupLocked[*imageObject](d, a, driver.KindImage); err != nil {
			return driver.NullHandle, err
		}
	}
	return d.addLocked(driver.KindFramebuffer, desc), nil
}

func (d *Device) CreateSampler(desc *driver.SamplerDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil sampler")
	}
	s, err := d.dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: addressMode(desc.AddressU),
		AddressModeV: addressMode(desc.AddressV),
		AddressModeW: addressMode(desc.AddressW),
		MagFilter:    filterMode(desc.MagLinear),
		MinFilter:    filterMode(desc.MinLinear),
		MipmapFilter: filterMode(desc.MipLinear),
	})
	if err != nil {
		return driver.NullHandle, driver.Mark(errors.Wrap(err, "halwgpu: create sampler"), driver.ErrFailed)
	}
	h, err := d.add(driver.KindSampler, &samplerObject{s})
	if err != nil {
		d.dev.DestroySampler(s)
	}
	return h, err
}

func (d *Device) CreateDescriptorSetLayout(desc *driver.DescriptorSetLayoutDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil set layout")
	}
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(desc.Bindings))
	for _, b := range desc.Bindings {
		e, err := layoutEntry(b)
		if err != nil {
			return driver.NullHandle, err
		}
		entries = append(entries, e)
	}
	layout, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return driver.NullHandle, driver.Mark(errors.Wrap(err, "halwgpu: create bind group layout"), driver.ErrFailed)
	}
	h, err := d.add(driver.KindDescriptorSetLayout, &setLayoutObject{
		layout:   layout,
		bindings: append([]driver.DescriptorBinding(nil), desc.Bindings...),
	})
	if err != nil {
		d.dev.DestroyBindGroupLayout(layout)
	}
	return h, err
}

func (d *Device) CreatePipelineLayout(desc *driver.PipelineLayoutDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil pipeline layout")
	}
	d.mu.Lock()
	layouts := make([]hal.BindGroupLayout, 0, len(desc.SetLayouts))
	for _, h := range desc.SetLayouts {
		sl, err := lookupLocked[*setLayoutObject](d, h, driver.KindDescriptorSetLayout)
		if err != nil {
			d.mu.Unlock()
			return driver.NullHandle, err
		}
		layouts = append(layouts, sl.layout)
	}
	d.mu.Unlock()

	pl, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return driver.NullHandle, driver.Mark(errors.Wrap(err, "halwgpu: create pipeline layout"), driver.ErrFailed)
	}
	h, err := d.add(driver.KindPipelineLayout, &pipelineLayoutObject{pl})
	if err != nil {
		d.dev.DestroyPipelineLayout(pl)
	}
	return h, err
}

// Descriptor pools and sets are records; bind groups are built when a
// pipeline binds them.

func (d *Device) CreateDescriptorPool(desc *driver.DescriptorPoolDesc) (driver.Handle, error) {
	if desc == nil || desc.MaxSets == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: empty descriptor pool")
	}
	return d.add(driver.KindDescriptorPool, &descriptorPool{maxSets: desc.MaxSets})
}

func (d *Device) AllocateDescriptorSet(pool, layout driver.Handle, variableCount uint32) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := lookupLocked[*descriptorPool](d, pool, driver.KindDescriptorPool)
	if err != nil {
		return driver.NullHandle, err
	}
	if _, err := lookupLocked[*setLayoutObject](d, layout, driver.KindDescriptorSetLayout); err != nil {
		return driver.NullHandle, err
	}
	if uint32(len(p.sets)) >= p.maxSets {
		return driver.NullHandle, driver.Errorf(driver.ErrOutOfMemory, "halwgpu: descriptor pool %d exhausted", pool)
	}
	// Sets share the handle space but are not standalone objects; they die
	// with their pool.
	d.next++
	h := d.next
	d.objects[h] = entry{kind: driver.KindUnknown, v: &descriptorSet{
		pool:   pool,
		writes: make(map[[2]uint32]driver.DescriptorWrite),
	}}
	p.sets = append(p.sets, h)
	return h, nil
}

func (d *Device) UpdateDescriptorSet(set driver.Handle, writes []driver.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := lookupLocked[*descriptorSet](d, set, driver.KindUnknown)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if w.Resource.IsNull() && !d.features.Has(driver.FeatureNullDescriptor) {
			return driver.Errorf(driver.ErrInvalidArgument, "halwgpu: null descriptor without null descriptor support")
		}
		s.writes[[2]uint32{w.Binding, w.ArrayElement}] = w
	}
	return nil
}

func (d *Device) CreateSemaphore() (driver.Handle, error) {
	return d.add(driver.KindSemaphore, struct{}{})
}

func (d *Device) Destroy(kind driver.ObjectKind, h driver.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.objects[h]; !ok || e.kind != kind {
		d.logger.Warn("halwgpu: destroy of unknown object", "kind", kind.String(), "handle", uint64(h))
		return
	}
	d.destroyLocked(kind, h)
}

func (d *Device) destroyLocked(kind driver.ObjectKind, h driver.Handle) {
	e, ok := d.objects[h]
	if !ok {
		return
	}
	delete(d.objects, h)
	switch v := e.v.(type) {
	case *bufferObject:
		if v.buf != nil {
			d.dev.DestroyBuffer(v.buf)
			v.mem.buffers = removeBuffer(v.mem.buffers, v)
		}
	case *imageObject:
		if v.tex != nil {
			d.dev.DestroyTexture(v.tex)
		}
	case *samplerObject:
		d.dev.DestroySampler(v.s)
	case *setLayoutObject:
		d.dev.DestroyBindGroupLayout(v.layout)
	case *pipelineLayoutObject:
		d.dev.DestroyPipelineLayout(v.pl)
	case *descriptorPool:
		for _, s := range v.sets {
			delete(d.objects, s)
		}
	case *commandPool:
		for _, cb := range v.buffers {
			delete(d.objects, cb)
		}
	}
}

func removeBuffer(s []*bufferObject, b *bufferObject) []*bufferObject {
	for i, x := range s {
		if x == b {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func layoutEntry(b driver.DescriptorBinding) (gputypes.BindGroupLayoutEntry, error) {
	e := gputypes.BindGroupLayoutEntry{Binding: b.Binding}
	stages := b.Stages
	if stages == 0 {
		stages = driver.StageAll
	}
	if stages&driver.StageVertex != 0 {
		e.Visibility |= gputypes.ShaderStageVertex
	}
	if stages&driver.StageFragment != 0 {
		e.Visibility |= gputypes.ShaderStageFragment
	}
	if stages&driver.StageCompute != 0 {
		e.Visibility |= gputypes.ShaderStageCompute
	}

	switch b.Type {
	case driver.DescriptorUniformBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case driver.DescriptorStorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case driver.DescriptorReadOnlyStorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case driver.DescriptorSampledImage:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case driver.DescriptorSampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	default:
		return e, driver.Errorf(driver.ErrUnsupported, "halwgpu: %s bindings", b.Type)
	}
	return e, nil
}

func addressMode(m driver.AddressMode) gputypes.AddressMode {
	switch m {
	case driver.AddressRepeat:
		return gputypes.AddressModeRepeat
	case driver.AddressMirrorRepeat:
		return gputypes.AddressModeMirrorRepeat
	default:
		return gputypes.AddressModeClampToEdge
	}
}

func filterMode(linear bool) gputypes.FilterMode {
	if linear {
		return gputypes.FilterModeLinear
	}
	return gputypes.FilterModeNearest
}

// imageBytes estimates the footprint of an image at four bytes per texel
// including its mip chain.
func imageBytes(desc *driver.ImageDesc) uint64 {
	w, h := uint64(desc.Width), uint64(desc.Height)
	layers := uint64(max(desc.DepthOrLayers, 1))
	samples := uint64(max(desc.Samples, 1))
	var total uint64
	for range max(desc.MipLevels, 1) {
		total += w * h * layers * samples * 4
		w, h = max(w/2, 1), max(h/2, 1)
	}
	return total
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
