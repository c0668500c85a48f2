package rhi

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/release"
)

// Object is a reference-counted native object. A new Object holds one
// reference. When the last reference is released the native object is not
// destroyed inline: it is handed to the device release queue and destroyed
// once no in-flight frame can use it.
type Object struct {
	refs    atomic.Int64
	kind    driver.ObjectKind
	handle  driver.Handle
	queue   *release.Queue
	destroy func()
}

func (o *Object) init(kind driver.ObjectKind, h driver.Handle, q *release.Queue, destroy func()) {
	o.kind, o.handle, o.queue, o.destroy = kind, h, q, destroy
	o.refs.Store(1)
}

// Handle returns the native handle.
func (o *Object) Handle() driver.Handle { return o.handle }

// Kind returns the native object kind.
func (o *Object) Kind() driver.ObjectKind { return o.kind }

// RefCount returns the current number of references.
func (o *Object) RefCount() int64 { return o.refs.Load() }

// Retain adds a reference.
func (o *Object) Retain() {
	if o.refs.Add(1) <= 1 {
		panic(errors.AssertionFailedf("rhi: retain of released %s %d", o.kind, o.handle))
	}
}

// Release drops a reference. Releasing more often than retaining panics
// with an assertion failure.
func (o *Object) Release() {
	n := o.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(errors.AssertionFailedf("rhi: %s %d released below zero", o.kind, o.handle))
	}
	o.queue.QueueForRelease(release.Func(o.destroy))
}

// RenderPass is a cached render pass.
type RenderPass struct {
	Object
	Desc RenderPassDesc
}

// Framebuffer is a cached framebuffer.
type Framebuffer struct {
	Object
	Desc FramebufferDesc
}

// Sampler is a cached sampler.
type Sampler struct {
	Object
	Desc SamplerDesc
}

// DescriptorSetLayout is a cached descriptor set layout.
type DescriptorSetLayout struct {
	Object
	Desc DescriptorSetLayoutDesc
}

// PipelineLayout is a cached pipeline layout.
type PipelineLayout struct {
	Object
	Desc PipelineLayoutDesc
}

// CommandList is a command buffer borrowed from the per-frame allocator.
// It is valid until the frame slot it was acquired in comes around again.
type CommandList struct {
	Handle driver.Handle
	Family uint32
	Level  driver.CommandBufferLevel
}
