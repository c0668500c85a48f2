// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import "github.com/gogpu/gputypes"

// QueueRequest asks for Count queues from one family at device creation.
type QueueRequest struct {
	Family uint32
	Count  uint32
}

// DeviceCreateInfo is the negotiated configuration a Device is opened with.
type DeviceCreateInfo struct {
	Queues     []QueueRequest
	Extensions []string
	Features   Feature
}

// BufferDesc describes a native buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// ImageDesc describes a native image.
type ImageDesc struct {
	Label         string
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Width         uint32
	Height        uint32
	DepthOrLayers uint32
	MipLevels     uint32
	Samples       uint32
	Usage         gputypes.TextureUsage
	Cube          bool
}

// AttachmentDesc describes one render pass attachment.
type AttachmentDesc struct {
	Format  gputypes.TextureFormat
	Samples uint32
	Load    gputypes.LoadOp
	Store   gputypes.StoreOp
}

// RenderPassDesc describes a single-subpass render pass.
type RenderPassDesc struct {
	Label        string
	Colors       []AttachmentDesc
	DepthStencil *AttachmentDesc
	// ShadingRate is the optional shading-rate or density-map attachment.
	ShadingRate *AttachmentDesc
	// ShadingRateTexel is the texel size of the shading-rate attachment.
	ShadingRateTexel [2]uint32
}

// FramebufferDesc binds image handles to a render pass.
type FramebufferDesc struct {
	Label       string
	RenderPass  Handle
	Attachments []Handle
	Width       uint32
	Height      uint32
	Layers      uint32
}

// AddressMode is a sampler addressing mode.
type AddressMode uint8

const (
	AddressRepeat AddressMode = iota
	AddressMirrorRepeat
	AddressClampToEdge
	AddressClampToBorder
)

// BorderColor is a sampler border color for AddressClampToBorder.
type BorderColor uint8

const (
	BorderTransparentBlack BorderColor = iota
	BorderOpaqueBlack
	BorderOpaqueWhite
)

// SamplerDesc describes a native sampler.
type SamplerDesc struct {
	Label         string
	MagLinear     bool
	MinLinear     bool
	MipLinear     bool
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy float32
	// Compare enables depth comparison when non-zero.
	Compare gputypes.CompareFunction
	MinLOD  float32
	MaxLOD  float32
	Border  BorderColor
}

// DescriptorType is the resource type of a descriptor binding.
type DescriptorType uint8

const (
	DescriptorUniformBuffer DescriptorType = iota
	DescriptorStorageBuffer
	DescriptorReadOnlyStorageBuffer
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorSampler
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorUniformBuffer:
		return "uniform-buffer"
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorReadOnlyStorageBuffer:
		return "readonly-storage-buffer"
	case DescriptorSampledImage:
		return "sampled-image"
	case DescriptorStorageImage:
		return "storage-image"
	case DescriptorSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// ShaderStage is a bit set of shader stages.
type ShaderStage uint32

const (
	StageVertex ShaderStage = 1 << iota
	StageFragment
	StageCompute

	StageAll = StageVertex | StageFragment | StageCompute
)

// BindingFlags modify a descriptor binding.
type BindingFlags uint8

const (
	BindingPartiallyBound BindingFlags = 1 << iota
	BindingUpdateAfterBind
	BindingVariableCount
)

// DescriptorBinding is one binding of a descriptor set layout.
type DescriptorBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  ShaderStage
	Flags   BindingFlags
}

// DescriptorSetLayoutDesc describes a descriptor set layout.
type DescriptorSetLayoutDesc struct {
	Label    string
	Bindings []DescriptorBinding
}

// PipelineLayoutDesc describes a pipeline layout.
type PipelineLayoutDesc struct {
	Label            string
	SetLayouts       []Handle
	PushConstantSize uint32
}

// DescriptorPoolSize reserves Count descriptors of one type.
type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

// DescriptorPoolDesc describes a descriptor pool.
type DescriptorPoolDesc struct {
	Label           string
	MaxSets         uint32
	Sizes           []DescriptorPoolSize
	UpdateAfterBind bool
}

// DescriptorWrite points one array element of a binding at a resource.
// A NullHandle resource writes a null descriptor and is only valid when the
// device has FeatureNullDescriptor.
type DescriptorWrite struct {
	Binding      uint32
	ArrayElement uint32
	Type         DescriptorType
	Resource     Handle
	Offset       uint64
	Range        uint64
}

// CommandBufferLevel is the level of a command buffer.
type CommandBufferLevel uint8

const (
	LevelPrimary CommandBufferLevel = iota
	LevelSecondary
)

func (l CommandBufferLevel) String() string {
	if l == LevelSecondary {
		return "secondary"
	}
	return "primary"
}

// BufferCopy is one buffer-to-buffer copy region.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy is one buffer-to-image copy region.
type BufferImageCopy struct {
	BufferOffset uint64
	BytesPerRow  uint32
	RowsPerImage uint32
	MipLevel     uint32
	ArrayLayer   uint32
	X, Y, Z      uint32
	Width        uint32
	Height       uint32
	Depth        uint32
}

// SubmitInfo is one queue submission.
type SubmitInfo struct {
	CommandBuffers   []Handle
	WaitSemaphores   []Handle
	SignalSemaphores []Handle
	// Fence is signaled when the submission completes. May be NullHandle.
	Fence Handle
}
