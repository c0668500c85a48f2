// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Adapter is a physical device. All query methods are cheap and return
// values that do not change for the adapter's lifetime.
type Adapter interface {
	Info() AdapterInfo
	QueueFamilies() []QueueFamily

	// Extensions lists the device extensions the adapter advertises.
	Extensions() []string

	// CoreFeatures reports the features of the core feature query. Some
	// drivers report these unreliably for features that were promoted from
	// extensions, so the negotiation only trusts them past a version gate.
	CoreFeatures() Feature

	// ExtensionFeatures reports the feature bits exposed by the given
	// extension's feature structure. ok is false if the extension is not
	// advertised.
	ExtensionFeatures(ext string) (f Feature, ok bool)

	Limits() Limits
	MemoryProperties() MemoryProperties
	FormatProperties(format gputypes.TextureFormat) FormatProperties

	// CreateDevice opens a logical device. The returned Device owns every
	// object it creates; Close destroys the device itself.
	CreateDevice(info *DeviceCreateInfo) (Device, error)
}

// Device is a logical device. Methods are safe for concurrent use unless
// noted otherwise; command buffer recording on a single command buffer must
// be externally serialized.
type Device interface {
	// Queue returns a queue created at device creation.
	Queue(family, index uint32) (Queue, error)
	WaitIdle() error
	// Close destroys the native device. Objects still alive are leaked.
	Close()

	AllocateMemory(typeIndex uint32, size uint64) (Handle, error)
	// WriteMemory copies data into host-visible memory.
	WriteMemory(mem Handle, offset uint64, data []byte) error
	// HeapBudgets returns the driver-reported heap budgets, or nil if the
	// memory budget feature is not enabled.
	HeapBudgets() []HeapBudget

	CreateBuffer(desc *BufferDesc) (Handle, error)
	BufferMemoryRequirements(buf Handle) (MemoryRequirements, error)
	BindBufferMemory(buf, mem Handle, offset uint64) error

	CreateImage(desc *ImageDesc) (Handle, error)
	ImageMemoryRequirements(img Handle) (MemoryRequirements, error)
	BindImageMemory(img, mem Handle, offset uint64) error

	CreateRenderPass(desc *RenderPassDesc) (Handle, error)
	CreateFramebuffer(desc *FramebufferDesc) (Handle, error)
	CreateSampler(desc *SamplerDesc) (Handle, error)
	CreateDescriptorSetLayout(desc *DescriptorSetLayoutDesc) (Handle, error)
	CreatePipelineLayout(desc *PipelineLayoutDesc) (Handle, error)

	CreateDescriptorPool(desc *DescriptorPoolDesc) (Handle, error)
	// AllocateDescriptorSet allocates a set from pool. variableCount is the
	// element count of a variable-count last binding, 0 otherwise.
	AllocateDescriptorSet(pool, layout Handle, variableCount uint32) (Handle, error)
	UpdateDescriptorSet(set Handle, writes []DescriptorWrite) error

	CreateCommandPool(family uint32) (Handle, error)
	AllocateCommandBuffer(pool Handle, level CommandBufferLevel) (Handle, error)
	// ResetCommandPool returns every command buffer of pool to the initial
	// state. The buffers stay allocated.
	ResetCommandPool(pool Handle) error
	BeginCommandBuffer(cmd Handle) error
	EndCommandBuffer(cmd Handle) error
	CmdCopyBuffer(cmd, src, dst Handle, regions []BufferCopy) error
	CmdCopyBufferToImage(cmd, src, dst Handle, regions []BufferImageCopy) error

	CreateFence(signaled bool) (Handle, error)
	FenceSignaled(fence Handle) (bool, error)
	// WaitFences blocks until every fence is signaled or timeout elapses.
	// It reports false on timeout.
	WaitFences(fences []Handle, timeout time.Duration) (bool, error)
	ResetFence(fence Handle) error
	CreateSemaphore() (Handle, error)

	// Destroy destroys a native object. Destroying a command pool frees its
	// command buffers; destroying a descriptor pool frees its sets.
	Destroy(kind ObjectKind, h Handle)
}

// Queue is a submission endpoint.
type Queue interface {
	Family() uint32
	Submit(info *SubmitInfo) error
	WaitIdle() error
}
