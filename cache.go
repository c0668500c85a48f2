package rhi

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/cache"
)

// cachedObject is the part of a cached value the caches need.
type cachedObject interface {
	Retain()
	Release()
	RefCount() int64
}

// newObjectCache creates a cache that holds one reference to each value.
// Values referenced elsewhere are never evicted; eviction drops the cache's
// reference, which routes destruction through the release queue.
func newObjectCache[V cachedObject](d *Device, name string, capacity int) *cache.ObjectCache[V] {
	return cache.NewObjectCache(cache.ObjectConfig[V]{
		Name:      name,
		Capacity:  capacity,
		InUse:     func(v V) bool { return v.RefCount() > 1 },
		OnAcquire: func(v V) { v.Retain() },
		OnEvict:   func(v V) { v.Release() },
		Logger:    d.component("cache"),
	})
}

func (d *Device) initCaches() {
	c := d.cfg.Caches
	d.renderPasses = newObjectCache[*RenderPass](d, "renderpass", c.RenderPass)
	d.framebuffers = newObjectCache[*Framebuffer](d, "framebuffer", c.Framebuffer)
	d.samplers = newObjectCache[*Sampler](d, "sampler", c.Sampler)
	d.setLayouts = newObjectCache[*DescriptorSetLayout](d, "setlayout", c.DescriptorSetLayout)
	d.pipeLayouts = newObjectCache[*PipelineLayout](d, "pipelinelayout", c.PipelineLayout)
	d.bufferReqs = cache.NewSharded[uint64, driver.MemoryRequirements](c.MemoryRequirements, cache.Uint64Hasher)
	d.imageReqs = cache.NewSharded[uint64, driver.MemoryRequirements](c.MemoryRequirements, cache.Uint64Hasher)
}

func (d *Device) clearCaches() {
	// Framebuffers reference render passes, pipeline layouts reference set
	// layouts.
	d.framebuffers.Clear()
	d.renderPasses.Clear()
	d.pipeLayouts.Clear()
	d.setLayouts.Clear()
	d.samplers.Clear()
	d.bufferReqs.Clear()
	d.imageReqs.Clear()
}

// destroyer returns the function that destroys h of kind on the native
// device.
func (d *Device) destroyer(kind driver.ObjectKind, h driver.Handle) func() {
	native := d.native
	return func() { native.Destroy(kind, h) }
}

// AcquireRenderPass returns the render pass for desc, creating it on the
// first request. Identical descriptors yield the same *RenderPass. The
// caller owns one reference and must Release it.
func (d *Device) AcquireRenderPass(desc *RenderPassDesc) (*RenderPass, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil render pass descriptor")
	}
	return d.renderPasses.Acquire(desc.Hash(), func() (*RenderPass, error) {
		h, err := d.native.CreateRenderPass((*driver.RenderPassDesc)(desc))
		if err != nil {
			return nil, errors.Wrap(err, "rhi: create render pass")
		}
		rp := &RenderPass{Desc: cloneRenderPassDesc(desc)}
		rp.init(driver.KindRenderPass, h, d.releases, d.destroyer(driver.KindRenderPass, h))
		return rp, nil
	})
}

// AcquireFramebuffer returns the framebuffer for desc. The caller owns one
// reference.
func (d *Device) AcquireFramebuffer(desc *FramebufferDesc) (*Framebuffer, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil framebuffer descriptor")
	}
	return d.framebuffers.Acquire(desc.Hash(), func() (*Framebuffer, error) {
		h, err := d.native.CreateFramebuffer((*driver.FramebufferDesc)(desc))
		if err != nil {
			return nil, errors.Wrap(err, "rhi: create framebuffer")
		}
		fb := &Framebuffer{Desc: *desc}
		fb.Desc.Attachments = append([]driver.Handle(nil), desc.Attachments...)
		fb.init(driver.KindFramebuffer, h, d.releases, d.destroyer(driver.KindFramebuffer, h))
		return fb, nil
	})
}

// AcquireSampler returns the sampler for desc. The caller owns one
// reference.
func (d *Device) AcquireSampler(desc *SamplerDesc) (*Sampler, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil sampler descriptor")
	}
	if limit := d.Limits().MaxSamplerAnisotropy; desc.MaxAnisotropy > limit {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: anisotropy %g above limit %g",
			desc.MaxAnisotropy, limit)
	}
	return d.samplers.Acquire(desc.Hash(), func() (*Sampler, error) {
		h, err := d.native.CreateSampler((*driver.SamplerDesc)(desc))
		if err != nil {
			return nil, errors.Wrap(err, "rhi: create sampler")
		}
		s := &Sampler{Desc: *desc}
		s.init(driver.KindSampler, h, d.releases, d.destroyer(driver.KindSampler, h))
		return s, nil
	})
}

// AcquireDescriptorSetLayout returns the set layout for desc. The caller
// owns one reference.
func (d *Device) AcquireDescriptorSetLayout(desc *DescriptorSetLayoutDesc) (*DescriptorSetLayout, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil descriptor set layout descriptor")
	}
	return d.setLayouts.Acquire(desc.Hash(), func() (*DescriptorSetLayout, error) {
		h, err := d.native.CreateDescriptorSetLayout((*driver.DescriptorSetLayoutDesc)(desc))
		if err != nil {
			return nil, errors.Wrap(err, "rhi: create descriptor set layout")
		}
		l := &DescriptorSetLayout{Desc: *desc}
		l.Desc.Bindings = append([]driver.DescriptorBinding(nil), desc.Bindings...)
		l.init(driver.KindDescriptorSetLayout, h, d.releases, d.destroyer(driver.KindDescriptorSetLayout, h))
		return l, nil
	})
}

// AcquirePipelineLayout returns the pipeline layout for desc. The caller
// owns one reference.
func (d *Device) AcquirePipelineLayout(desc *PipelineLayoutDesc) (*PipelineLayout, error) {
	if err := d.requireInit(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "rhi: nil pipeline layout descriptor")
	}
	return d.pipeLayouts.Acquire(desc.Hash(), func() (*PipelineLayout, error) {
		h, err := d.native.CreatePipelineLayout((*driver.PipelineLayoutDesc)(desc))
		if err != nil {
			return nil, errors.Wrap(err, "rhi: create pipeline layout")
		}
		l := &PipelineLayout{Desc: *desc}
		l.Desc.SetLayouts = append([]driver.Handle(nil), desc.SetLayouts...)
		l.init(driver.KindPipelineLayout, h, d.releases, d.destroyer(driver.KindPipelineLayout, h))
		return l, nil
	})
}

func cloneRenderPassDesc(desc *RenderPassDesc) RenderPassDesc {
	c := *desc
	c.Colors = append([]driver.AttachmentDesc(nil), desc.Colors...)
	if desc.DepthStencil != nil {
		ds := *desc.DepthStencil
		c.DepthStencil = &ds
	}
	if desc.ShadingRate != nil {
		sr := *desc.ShadingRate
		c.ShadingRate = &sr
	}
	return c
}

// CacheStats returns statistics of every object cache keyed by cache name.
func (d *Device) CacheStats() map[string]cache.Stats {
	if d.requireInit() != nil {
		return nil
	}
	return map[string]cache.Stats{
		d.renderPasses.Name(): d.renderPasses.Stats(),
		d.framebuffers.Name(): d.framebuffers.Stats(),
		d.samplers.Name():     d.samplers.Stats(),
		d.setLayouts.Name():   d.setLayouts.Stats(),
		d.pipeLayouts.Name():  d.pipeLayouts.Stats(),
		"buffer-requirements": d.bufferReqs.Stats(),
		"image-requirements":  d.imageReqs.Stats(),
	}
}
