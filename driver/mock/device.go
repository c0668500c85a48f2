// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package mock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/rhi/driver"
)

const pageSize = 4096

// object is the mock state of one native object.
type object struct {
	kind driver.ObjectKind

	// memory
	typeIndex uint32
	size      uint64
	pages     map[uint64][]byte

	// buffer, image
	req       driver.MemoryRequirements
	mem       driver.Handle
	memOffset uint64

	// fence
	signaled bool

	// command pool: family and buffers; command buffer: owning pool
	family   uint32
	children []driver.Handle
	pool     driver.Handle

	// command buffer
	level     driver.CommandBufferLevel
	recording bool
	ended     bool
	inFlight  bool
	copies    []pendingCopy

	// descriptor pool / set
	maxSets uint32
	writes  map[[2]uint32]driver.DescriptorWrite
}

type pendingCopy struct {
	src, dst driver.Handle
	region   driver.BufferCopy
	image    bool
}

type submission struct {
	family uint32
	cmds   []driver.Handle
	fence  driver.Handle
}

// Device is a scripted logical device.
type Device struct {
	adapter  *Adapter
	features driver.Feature
	exts     []string

	mu        sync.Mutex
	next      driver.Handle
	objects   map[driver.Handle]*object
	queues    map[[2]uint32]*Queue
	created   map[driver.ObjectKind]int
	destroyed map[driver.ObjectKind]int
	heapUsage []uint64
	misuse    []string
	closed    bool

	hold        bool
	pending     []submission
	submits     int
	imageCopies int
	// changed is closed and replaced whenever a fence is signaled.
	changed chan struct{}
}

var _ driver.Device = (*Device)(nil)

func newDevice(a *Adapter, info *driver.DeviceCreateInfo) *Device {
	return &Device{
		adapter:   a,
		features:  info.Features,
		exts:      slices.Clone(info.Extensions),
		objects:   make(map[driver.Handle]*object),
		queues:    make(map[[2]uint32]*Queue),
		created:   make(map[driver.ObjectKind]int),
		destroyed: make(map[driver.ObjectKind]int),
		heapUsage: make([]uint64, len(a.cfg.Memory.Heaps)),
		changed:   make(chan struct{}),
	}
}

// Features returns the features the device was created with.
func (d *Device) Features() driver.Feature { return d.features }

// EnabledExtensions returns the extensions the device was created with.
func (d *Device) EnabledExtensions() []string { return slices.Clone(d.exts) }

// HoldFences controls whether submissions complete immediately (false, the
// default) or stay pending until CompleteOne or CompleteAll is called.
func (d *Device) HoldFences(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
	if !hold {
		d.CompleteAll()
	}
}

// Pending returns the number of submissions that have not completed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Submissions returns the total number of queue submissions.
func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// ImageCopies returns the number of executed buffer-to-image copy regions.
func (d *Device) ImageCopies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.imageCopies
}

// CompleteOne completes the oldest pending submission. It reports false if
// nothing was pending.
func (d *Device) CompleteOne() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	d.completeLocked(s)
	return true
}

// CompleteQueue completes the pending submissions of one queue family,
// leaving the other queues busy, and returns how many completed.
func (d *Device) CompleteQueue(family uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	rest := d.pending[:0]
	for _, s := range d.pending {
		if s.family != family {
			rest = append(rest, s)
			continue
		}
		d.completeLocked(s)
		n++
	}
	clear(d.pending[len(rest):])
	d.pending = rest
	return n
}

// CompleteAll completes every pending submission.
func (d *Device) CompleteAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.pending {
		d.completeLocked(s)
	}
	d.pending = nil
}

func (d *Device) completeLocked(s submission) {
	for _, h := range s.cmds {
		cb, ok := d.objects[h]
		if !ok {
			continue
		}
		for _, c := range cb.copies {
			d.executeCopyLocked(c)
		}
		cb.inFlight = false
	}
	if f, ok := d.objects[s.fence]; ok {
		f.signaled = true
	}
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Device) executeCopyLocked(c pendingCopy) {
	if c.image {
		d.imageCopies++
		return
	}
	src, dst := d.objects[c.src], d.objects[c.dst]
	if src == nil || dst == nil {
		d.misuse = append(d.misuse, "copy between destroyed buffers")
		return
	}
	srcMem, dstMem := d.objects[src.mem], d.objects[dst.mem]
	if srcMem == nil || dstMem == nil {
		d.misuse = append(d.misuse, "copy between unbound buffers")
		return
	}
	data := srcMem.read(src.memOffset+c.region.SrcOffset, c.region.Size)
	dstMem.write(dst.memOffset+c.region.DstOffset, data)
}

// Created returns how many objects of kind were created.
func (d *Device) Created(kind driver.ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// Destroyed returns how many objects of kind were destroyed.
func (d *Device) Destroyed(kind driver.ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[kind]
}

// Live returns how many objects of kind are alive.
func (d *Device) Live(kind driver.ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.objects {
		if o.kind == kind {
			n++
		}
	}
	return n
}

// IsLive reports whether h names a live object.
func (d *Device) IsLive(h driver.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[h]
	return ok
}

// Misuse returns the API misuse the device detected, such as destroying an
// unknown handle or submitting a command buffer that is still recording.
func (d *Device) Misuse() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.misuse)
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ReadBuffer returns size bytes of the memory bound to buf at offset.
func (d *Device) ReadBuffer(buf driver.Handle, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.getLocked(buf, driver.KindBuffer)
	if err != nil {
		return nil, err
	}
	mem, ok := d.objects[b.mem]
	if !ok {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: buffer %d not bound", buf)
	}
	return mem.read(b.memOffset+offset, size), nil
}

// Descriptor returns the last write to (binding, element) of set.
func (d *Device) Descriptor(set driver.Handle, binding, element uint32) (driver.DescriptorWrite, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.objects[set]
	if !ok || s.writes == nil {
		return driver.DescriptorWrite{}, false
	}
	w, ok := s.writes[[2]uint32{binding, element}]
	return w, ok
}

func (d *Device) addLocked(o *object) driver.Handle {
	d.next++
	d.objects[d.next] = o
	d.created[o.kind]++
	return d.next
}

func (d *Device) getLocked(h driver.Handle, kind driver.ObjectKind) (*object, error) {
	o, ok := d.objects[h]
	if !ok || o.kind != kind {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: %d is not a live %s", h, kind)
	}
	return o, nil
}

func (d *Device) create(op string, o *object) (driver.Handle, error) {
	if err := d.adapter.injected(op); err != nil {
		return driver.NullHandle, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: device closed")
	}
	return d.addLocked(o), nil
}

func (d *Device) Queue(family, index uint32) (driver.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[[2]uint32{family, index}]
	if !ok {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: no queue %d in family %d", index, family)
	}
	return q, nil
}

// WaitIdle completes every pending submission.
func (d *Device) WaitIdle() error {
	d.CompleteAll()
	return nil
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.misuse = append(d.misuse, "device closed twice")
	}
	d.closed = true
}

func (d *Device) AllocateMemory(typeIndex uint32, size uint64) (driver.Handle, error) {
	if err := d.adapter.injected("AllocateMemory"); err != nil {
		return driver.NullHandle, err
	}
	types := d.adapter.cfg.Memory.Types
	if int(typeIndex) >= len(types) || size == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument,
			"mock: bad allocation type=%d size=%d", typeIndex, size)
	}
	heap := types[typeIndex].HeapIndex

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heapUsage[heap]+size > d.adapter.cfg.Memory.Heaps[heap].Size {
		return driver.NullHandle, driver.Errorf(driver.ErrOutOfMemory,
			"mock: heap %d exhausted allocating %d bytes", heap, size)
	}
	d.heapUsage[heap] += size
	return d.addLocked(&object{kind: driver.KindMemory, typeIndex: typeIndex, size: size}), nil
}

func (d *Device) WriteMemory(mem driver.Handle, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.getLocked(mem, driver.KindMemory)
	if err != nil {
		return err
	}
	if !d.adapter.cfg.Memory.Types[m.typeIndex].Properties.Has(driver.MemoryHostVisible) {
		return driver.Errorf(driver.ErrInvalidArgument, "mock: memory %d is not host visible", mem)
	}
	if offset+uint64(len(data)) > m.size {
		return driver.Errorf(driver.ErrInvalidArgument, "mock: write [%d,%d) outside memory of %d bytes",
			offset, offset+uint64(len(data)), m.size)
	}
	m.write(offset, data)
	return nil
}

func (d *Device) HeapBudgets() []driver.HeapBudget {
	if !d.features.Has(driver.FeatureMemoryBudget) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	heaps := d.adapter.cfg.Memory.Heaps
	out := make([]driver.HeapBudget, len(heaps))
	for i, h := range heaps {
		out[i] = driver.HeapBudget{Budget: h.Size / 10 * 9, Usage: d.heapUsage[i]}
	}
	return out
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }

func (d *Device) CreateBuffer(desc *driver.BufferDesc) (driver.Handle, error) {
	if desc == nil || desc.Size == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: empty buffer")
	}
	align := d.adapter.cfg.BufferAlignment
	all := uint32(1)<<uint(len(d.adapter.cfg.Memory.Types)) - 1
	return d.create("CreateBuffer", &object{
		kind: driver.KindBuffer,
		req:  driver.MemoryRequirements{Size: alignUp(desc.Size, align), Alignment: align, TypeBits: all},
	})
}

func (d *Device) BufferMemoryRequirements(buf driver.Handle) (driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.getLocked(buf, driver.KindBuffer)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}
	return b.req, nil
}

func (d *Device) BindBufferMemory(buf, mem driver.Handle, offset uint64) error {
	return d.bind(buf, driver.KindBuffer, mem, offset)
}

func (d *Device) CreateImage(desc *driver.ImageDesc) (driver.Handle, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: empty image")
	}
	if _, ok := d.adapter.cfg.Formats[desc.Format]; !ok {
		return driver.NullHandle, driver.Errorf(driver.ErrUnsupported, "mock: format %v not supported", desc.Format)
	}
	layers := uint64(max(desc.DepthOrLayers, 1))
	samples := uint64(max(desc.Samples, 1))
	mips := uint64(max(desc.MipLevels, 1))
	size := uint64(desc.Width) * uint64(desc.Height) * layers * samples * 4
	size += size / 3 * (mips - 1) / mips
	align := d.adapter.cfg.ImageAlignment

	// Images may only live in device-local memory.
	var bits uint32
	for i, t := range d.adapter.cfg.Memory.Types {
		if t.Properties.Has(driver.MemoryDeviceLocal) {
			bits |= 1 << uint(i)
		}
	}
	return d.create("CreateImage", &object{
		kind: driver.KindImage,
		req:  driver.MemoryRequirements{Size: alignUp(size, align), Alignment: align, TypeBits: bits},
	})
}

func (d *Device) ImageMemoryRequirements(img driver.Handle) (driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, err := d.getLocked(img, driver.KindImage)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}
	return i.req, nil
}

func (d *Device) BindImageMemory(img, mem driver.Handle, offset uint64) error {
	return d.bind(img, driver.KindImage, mem, offset)
}

func (d *Device) bind(res driver.Handle, kind driver.ObjectKind, mem driver.Handle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.getLocked(res, kind)
	if err != nil {
		return err
	}
	m, err := d.getLocked(mem, driver.KindMemory)
	if err != nil {
		return err
	}
	switch {
	case r.mem != driver.NullHandle:
		return driver.Errorf(driver.ErrInvalidArgument, "mock: %s %d already bound", kind, res)
	case offset%r.req.Alignment != 0:
		return driver.Errorf(driver.ErrInvalidArgument, "mock: offset %d not aligned to %d", offset, r.req.Alignment)
	case offset+r.req.Size > m.size:
		return driver.Errorf(driver.ErrInvalidArgument, "mock: %s %d does not fit memory %d", kind, res, mem)
	case r.req.TypeBits&(1<<m.typeIndex) == 0:
		return driver.Errorf(driver.ErrInvalidArgument, "mock: memory type %d not allowed for %s", m.typeIndex, kind)
	}
	r.mem, r.memOffset = mem, offset
	return nil
}

func (d *Device) CreateRenderPass(desc *driver.RenderPassDesc) (driver.Handle, error) {
	if desc == nil || (len(desc.Colors) == 0 && desc.DepthStencil == nil) {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: render pass without attachments")
	}
	if desc.ShadingRate != nil &&
		!d.features.Has(driver.FeatureAttachmentShadingRate) && !d.features.Has(driver.FeatureFragmentDensityMap) {
		return driver.NullHandle, driver.Errorf(driver.ErrUnsupported, "mock: shading rate attachment not enabled")
	}
	return d.create("CreateRenderPass", &object{kind: driver.KindRenderPass})
}

func (d *Device) CreateFramebuffer(desc *driver.FramebufferDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: nil framebuffer")
	}
	d.mu.Lock()
	_, err := d.getLocked(desc.RenderPass, driver.KindRenderPass)
	for _, a := range desc.Attachments {
		if err == nil {
			_, err = d.getLocked(a, driver.KindImage)
		}
	}
	d.mu.Unlock()
	if err != nil {
		return driver.NullHandle, err
	}
	return d.create("CreateFramebuffer", &object{kind: driver.KindFramebuffer})
}

func (d *Device) CreateSampler(desc *driver.SamplerDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: nil sampler")
	}
	if desc.MaxAnisotropy > 1 && !d.features.Has(driver.FeatureSamplerAnisotropy) {
		return driver.NullHandle, driver.Errorf(driver.ErrUnsupported, "mock: anisotropy not enabled")
	}
	return d.create("CreateSampler", &object{kind: driver.KindSampler})
}

func (d *Device) CreateDescriptorSetLayout(desc *driver.DescriptorSetLayoutDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: nil layout")
	}
	for _, b := range desc.Bindings {
		if b.Flags != 0 && !d.features.Has(driver.FeatureDescriptorIndexing) {
			return driver.NullHandle, driver.Errorf(driver.ErrUnsupported, "mock: binding flags need descriptor indexing")
		}
	}
	return d.create("CreateDescriptorSetLayout", &object{kind: driver.KindDescriptorSetLayout})
}

func (d *Device) CreatePipelineLayout(desc *driver.PipelineLayoutDesc) (driver.Handle, error) {
	if desc == nil {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: nil pipeline layout")
	}
	d.mu.Lock()
	var err error
	for _, l := range desc.SetLayouts {
		if err == nil && l != driver.NullHandle {
			_, err = d.getLocked(l, driver.KindDescriptorSetLayout)
		}
	}
	d.mu.Unlock()
	if err != nil {
		return driver.NullHandle, err
	}
	return d.create("CreatePipelineLayout", &object{kind: driver.KindPipelineLayout})
}

func (d *Device) CreateDescriptorPool(desc *driver.DescriptorPoolDesc) (driver.Handle, error) {
	if desc == nil || desc.MaxSets == 0 {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: empty descriptor pool")
	}
	return d.create("CreateDescriptorPool", &object{kind: driver.KindDescriptorPool, maxSets: desc.MaxSets})
}

// AllocateDescriptorSet allocates a set. Sets are not tracked as separate
// object kinds; they die with their pool.
func (d *Device) AllocateDescriptorSet(pool, layout driver.Handle, variableCount uint32) (driver.Handle, error) {
	if err := d.adapter.injected("AllocateDescriptorSet"); err != nil {
		return driver.NullHandle, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.getLocked(pool, driver.KindDescriptorPool)
	if err != nil {
		return driver.NullHandle, err
	}
	if _, err := d.getLocked(layout, driver.KindDescriptorSetLayout); err != nil {
		return driver.NullHandle, err
	}
	if uint32(len(p.children)) >= p.maxSets {
		return driver.NullHandle, driver.Errorf(driver.ErrOutOfMemory, "mock: descriptor pool %d exhausted", pool)
	}
	d.next++
	d.objects[d.next] = &object{kind: driver.KindUnknown, pool: pool, writes: make(map[[2]uint32]driver.DescriptorWrite)}
	p.children = append(p.children, d.next)
	return d.next, nil
}

func (d *Device) UpdateDescriptorSet(set driver.Handle, writes []driver.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.objects[set]
	if !ok || s.writes == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "mock: %d is not a descriptor set", set)
	}
	for _, w := range writes {
		if w.Resource == driver.NullHandle {
			if !d.features.Has(driver.FeatureNullDescriptor) {
				return driver.Errorf(driver.ErrInvalidArgument, "mock: null descriptor without null descriptor feature")
			}
		} else if _, ok := d.objects[w.Resource]; !ok {
			return driver.Errorf(driver.ErrInvalidArgument, "mock: descriptor resource %d not live", w.Resource)
		}
		s.writes[[2]uint32{w.Binding, w.ArrayElement}] = w
	}
	return nil
}

func (d *Device) CreateCommandPool(family uint32) (driver.Handle, error) {
	if int(family) >= len(d.adapter.cfg.Families) {
		return driver.NullHandle, driver.Errorf(driver.ErrInvalidArgument, "mock: queue family %d out of range", family)
	}
	return d.create("CreateCommandPool", &object{kind: driver.KindCommandPool, family: family})
}

// AllocateCommandBuffer allocates a command buffer owned by pool.
func (d *Device) AllocateCommandBuffer(pool driver.Handle, level driver.CommandBufferLevel) (driver.Handle, error) {
	if err := d.adapter.injected("AllocateCommandBuffer"); err != nil {
		return driver.NullHandle, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.getLocked(pool, driver.KindCommandPool)
	if err != nil {
		return driver.NullHandle, err
	}
	d.next++
	d.objects[d.next] = &object{kind: driver.KindUnknown, pool: pool, family: p.family, level: level}
	p.children = append(p.children, d.next)
	return d.next, nil
}

func (d *Device) ResetCommandPool(pool driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.getLocked(pool, driver.KindCommandPool)
	if err != nil {
		return err
	}
	for _, h := range p.children {
		cb := d.objects[h]
		if cb.inFlight {
			d.misuse = append(d.misuse, fmt.Sprintf("reset of command pool %d while buffer %d is in flight", pool, h))
			return driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d still in flight", h)
		}
		cb.recording, cb.ended, cb.copies = false, false, nil
	}
	return nil
}

func (d *Device) commandBufferLocked(cmd driver.Handle) (*object, error) {
	cb, ok := d.objects[cmd]
	if !ok || cb.pool == driver.NullHandle || cb.writes != nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: %d is not a command buffer", cmd)
	}
	return cb, nil
}

func (d *Device) BeginCommandBuffer(cmd driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.commandBufferLocked(cmd)
	if err != nil {
		return err
	}
	if cb.recording || cb.inFlight {
		d.misuse = append(d.misuse, fmt.Sprintf("begin of busy command buffer %d", cmd))
		return driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d busy", cmd)
	}
	cb.recording, cb.ended, cb.copies = true, false, nil
	return nil
}

func (d *Device) EndCommandBuffer(cmd driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.commandBufferLocked(cmd)
	if err != nil {
		return err
	}
	if !cb.recording {
		return driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d not recording", cmd)
	}
	cb.recording, cb.ended = false, true
	return nil
}

func (d *Device) CmdCopyBuffer(cmd, src, dst driver.Handle, regions []driver.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.recordingLocked(cmd)
	if err != nil {
		return err
	}
	if _, err := d.getLocked(src, driver.KindBuffer); err != nil {
		return err
	}
	if _, err := d.getLocked(dst, driver.KindBuffer); err != nil {
		return err
	}
	for _, r := range regions {
		cb.copies = append(cb.copies, pendingCopy{src: src, dst: dst, region: r})
	}
	return nil
}

func (d *Device) CmdCopyBufferToImage(cmd, src, dst driver.Handle, regions []driver.BufferImageCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.recordingLocked(cmd)
	if err != nil {
		return err
	}
	if _, err := d.getLocked(src, driver.KindBuffer); err != nil {
		return err
	}
	if _, err := d.getLocked(dst, driver.KindImage); err != nil {
		return err
	}
	for range regions {
		cb.copies = append(cb.copies, pendingCopy{src: src, dst: dst, image: true})
	}
	return nil
}

func (d *Device) recordingLocked(cmd driver.Handle) (*object, error) {
	cb, err := d.commandBufferLocked(cmd)
	if err != nil {
		return nil, err
	}
	if !cb.recording {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d not recording", cmd)
	}
	return cb, nil
}

func (d *Device) CreateFence(signaled bool) (driver.Handle, error) {
	return d.create("CreateFence", &object{kind: driver.KindFence, signaled: signaled})
}

func (d *Device) FenceSignaled(fence driver.Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.getLocked(fence, driver.KindFence)
	if err != nil {
		return false, err
	}
	return f.signaled, nil
}

func (d *Device) WaitFences(fences []driver.Handle, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		all := true
		for _, h := range fences {
			f, err := d.getLocked(h, driver.KindFence)
			if err != nil {
				d.mu.Unlock()
				return false, err
			}
			all = all && f.signaled
		}
		changed := d.changed
		d.mu.Unlock()

		if all {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Device) ResetFence(fence driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.getLocked(fence, driver.KindFence)
	if err != nil {
		return err
	}
	f.signaled = false
	return nil
}

func (d *Device) CreateSemaphore() (driver.Handle, error) {
	return d.create("CreateSemaphore", &object{kind: driver.KindSemaphore})
}

func (d *Device) Destroy(kind driver.ObjectKind, h driver.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[h]
	if !ok || o.kind != kind {
		d.misuse = append(d.misuse, fmt.Sprintf("destroy of unknown %s %d", kind, h))
		return
	}
	switch kind {
	case driver.KindCommandPool:
		for _, c := range o.children {
			if d.objects[c].inFlight {
				d.misuse = append(d.misuse, fmt.Sprintf("destroy of command pool %d with buffer %d in flight", h, c))
			}
			delete(d.objects, c)
		}
	case driver.KindDescriptorPool:
		for _, c := range o.children {
			delete(d.objects, c)
		}
	case driver.KindMemory:
		d.heapUsage[d.adapter.cfg.Memory.Types[o.typeIndex].HeapIndex] -= o.size
	}
	delete(d.objects, h)
	d.destroyed[kind]++
}

func (d *Device) submit(family uint32, info *driver.SubmitInfo) error {
	if err := d.adapter.injected("Submit"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range info.CommandBuffers {
		cb, err := d.commandBufferLocked(h)
		if err != nil {
			return err
		}
		if !cb.ended || cb.inFlight {
			d.misuse = append(d.misuse, fmt.Sprintf("submit of command buffer %d in wrong state", h))
			return driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d not executable", h)
		}
		if cb.family != family {
			return driver.Errorf(driver.ErrInvalidArgument, "mock: command buffer %d belongs to family %d", h, cb.family)
		}
	}
	for _, h := range append(slices.Clone(info.WaitSemaphores), info.SignalSemaphores...) {
		if _, err := d.getLocked(h, driver.KindSemaphore); err != nil {
			return err
		}
	}
	if info.Fence != driver.NullHandle {
		f, err := d.getLocked(info.Fence, driver.KindFence)
		if err != nil {
			return err
		}
		if f.signaled {
			d.misuse = append(d.misuse, fmt.Sprintf("submit with signaled fence %d", info.Fence))
		}
	}
	for _, h := range info.CommandBuffers {
		d.objects[h].inFlight = true
	}
	s := submission{family: family, cmds: slices.Clone(info.CommandBuffers), fence: info.Fence}
	d.submits++
	if d.hold {
		d.pending = append(d.pending, s)
		return nil
	}
	d.completeLocked(s)
	return nil
}

// Queue is a mock queue. Submissions complete immediately unless the device
// holds fences.
type Queue struct {
	dev    *Device
	family uint32
}

var _ driver.Queue = (*Queue)(nil)

func (q *Queue) Family() uint32 { return q.family }

func (q *Queue) Submit(info *driver.SubmitInfo) error {
	if info == nil {
		return driver.Errorf(driver.ErrInvalidArgument, "mock: nil submit")
	}
	return q.dev.submit(q.family, info)
}

// WaitIdle completes every pending submission of the device.
func (q *Queue) WaitIdle() error {
	q.dev.CompleteAll()
	return nil
}

func (o *object) write(offset uint64, data []byte) {
	if o.pages == nil {
		o.pages = make(map[uint64][]byte)
	}
	for len(data) > 0 {
		page, in := offset/pageSize, offset%pageSize
		p, ok := o.pages[page]
		if !ok {
			p = make([]byte, pageSize)
			o.pages[page] = p
		}
		n := copy(p[in:], data)
		data = data[n:]
		offset += uint64(n)
	}
}

func (o *object) read(offset, size uint64) []byte {
	out := make([]byte, size)
	for done := uint64(0); done < size; {
		page, in := (offset+done)/pageSize, (offset+done)%pageSize
		n := min(pageSize-in, size-done)
		if p, ok := o.pages[page]; ok {
			copy(out[done:done+n], p[in:in+n])
		}
		done += n
	}
	return out
}
