package rhi

import (
	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/cache"
)

// Descriptors identify cached objects. Hash covers every field except
// Label, so objects that differ only by label share one cache entry.

// RenderPassDesc describes a render pass.
type RenderPassDesc driver.RenderPassDesc

func hashAttachment(h *cache.KeyHasher, a *driver.AttachmentDesc) {
	if a == nil {
		h.Bool(false)
		return
	}
	h.Bool(true).
		Uint64(uint64(a.Format)).
		Uint32(a.Samples).
		Uint64(uint64(a.Load)).
		Uint64(uint64(a.Store))
}

// Hash returns the cache key of d.
func (d *RenderPassDesc) Hash() uint64 {
	h := cache.NewKeyHasher("renderpass").Uint32(uint32(len(d.Colors)))
	for i := range d.Colors {
		hashAttachment(h, &d.Colors[i])
	}
	hashAttachment(h, d.DepthStencil)
	hashAttachment(h, d.ShadingRate)
	return h.Uint32(d.ShadingRateTexel[0]).Uint32(d.ShadingRateTexel[1]).Sum()
}

// FramebufferDesc describes a framebuffer.
type FramebufferDesc driver.FramebufferDesc

// Hash returns the cache key of d.
func (d *FramebufferDesc) Hash() uint64 {
	h := cache.NewKeyHasher("framebuffer").
		Uint64(uint64(d.RenderPass)).
		Uint32(d.Width).
		Uint32(d.Height).
		Uint32(d.Layers).
		Uint32(uint32(len(d.Attachments)))
	for _, a := range d.Attachments {
		h.Uint64(uint64(a))
	}
	return h.Sum()
}

// SamplerDesc describes a sampler.
type SamplerDesc driver.SamplerDesc

// Hash returns the cache key of d.
func (d *SamplerDesc) Hash() uint64 {
	return cache.NewKeyHasher("sampler").
		Bool(d.MagLinear).
		Bool(d.MinLinear).
		Bool(d.MipLinear).
		Uint32(uint32(d.AddressU)).
		Uint32(uint32(d.AddressV)).
		Uint32(uint32(d.AddressW)).
		Float32(d.MaxAnisotropy).
		Uint64(uint64(d.Compare)).
		Float32(d.MinLOD).
		Float32(d.MaxLOD).
		Uint32(uint32(d.Border)).
		Sum()
}

// DescriptorSetLayoutDesc describes a descriptor set layout.
type DescriptorSetLayoutDesc driver.DescriptorSetLayoutDesc

// Hash returns the cache key of d.
func (d *DescriptorSetLayoutDesc) Hash() uint64 {
	h := cache.NewKeyHasher("setlayout").Uint32(uint32(len(d.Bindings)))
	for _, b := range d.Bindings {
		h.Uint32(b.Binding).
			Uint32(uint32(b.Type)).
			Uint32(b.Count).
			Uint32(uint32(b.Stages)).
			Uint32(uint32(b.Flags))
	}
	return h.Sum()
}

// PipelineLayoutDesc describes a pipeline layout.
type PipelineLayoutDesc driver.PipelineLayoutDesc

// Hash returns the cache key of d.
func (d *PipelineLayoutDesc) Hash() uint64 {
	h := cache.NewKeyHasher("pipelinelayout").
		Uint32(d.PushConstantSize).
		Uint32(uint32(len(d.SetLayouts)))
	for _, l := range d.SetLayouts {
		h.Uint64(uint64(l))
	}
	return h.Sum()
}

// BufferDesc describes a buffer.
type BufferDesc driver.BufferDesc

// Hash returns the memory-requirement cache key of d.
func (d *BufferDesc) Hash() uint64 {
	return cache.NewKeyHasher("buffer").Uint64(d.Size).Uint64(uint64(d.Usage)).Sum()
}

// ImageDesc describes an image.
type ImageDesc driver.ImageDesc

// Hash returns the memory-requirement cache key of d.
func (d *ImageDesc) Hash() uint64 {
	return cache.NewKeyHasher("image").
		Uint64(uint64(d.Dimension)).
		Uint64(uint64(d.Format)).
		Uint32(d.Width).
		Uint32(d.Height).
		Uint32(d.DepthOrLayers).
		Uint32(d.MipLevels).
		Uint32(d.Samples).
		Uint64(uint64(d.Usage)).
		Bool(d.Cube).
		Sum()
}
