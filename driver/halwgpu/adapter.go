// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halwgpu implements the driver interfaces on top of the wgpu
// hardware abstraction layer.
//
// The HAL follows the WebGPU object model, so a few driver concepts are
// emulated: device memory is a host-side record that resources are created
// against at bind time, render passes and framebuffers are descriptor
// records, binary semaphores are no-ops on the single HAL queue and every
// driver fence maps onto one timeline fence.
//
// Importing the package registers the "noop" driver. The "vulkan" driver is
// registered as well and becomes usable once the HAL Vulkan backend is
// linked in:
//
//	import _ "github.com/gogpu/wgpu/hal/vulkan"
package halwgpu

import (
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi/driver"
)

// Backend selects the HAL backend an adapter is opened on.
type Backend uint8

const (
	BackendNoop Backend = iota
	BackendVulkan
)

func (b Backend) String() string {
	if b == BackendVulkan {
		return driver.NameVulkan
	}
	return driver.NameNoop
}

// WebGPU baseline limits for values the HAL does not report.
const (
	baselineArrayLayers       = 256
	baselineBindGroups        = 4
	baselineSampledPerStage   = 16
	baselineSamplersPerStage  = 16
	baselineStoragePerStage   = 8
	baselineStorageTexPerStg  = 4
	baselineColorAttachments  = 8
	baselineWorkgroupsPerDim  = 65535
	baselineOffsetAlignment   = 256
	baselineMaxAnisotropy     = 16
	bufferAlignment           = 256
	imageAlignment            = 4096
	defaultMaxAllocationCount = 4096
)

func init() {
	driver.Register(driver.NameNoop, func() (driver.Adapter, error) {
		return Open(BackendNoop, nil)
	})
	driver.Register(driver.NameVulkan, func() (driver.Adapter, error) {
		return Open(BackendVulkan, nil)
	})
}

// instanceFactory is the part of a HAL backend used to create instances.
type instanceFactory interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Adapter is a HAL adapter. Close releases the HAL instance once every
// device created from the adapter is closed.
type Adapter struct {
	backend  Backend
	instance hal.Instance
	exposed  hal.ExposedAdapter
	limits   driver.Limits
	memory   driver.MemoryProperties
	logger   *slog.Logger
}

// Ensure Adapter implements driver.Adapter.
var _ driver.Adapter = (*Adapter)(nil)

// Open creates a HAL instance for backend and picks its first discrete or
// integrated GPU, falling back to the first adapter. A nil logger discards
// output.
func Open(backend Backend, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var factory instanceFactory
	switch backend {
	case BackendNoop:
		factory = &noop.API{}
	case BackendVulkan:
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, driver.Errorf(driver.ErrUnsupported, "halwgpu: vulkan backend not linked")
		}
		factory = b
	default:
		return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: unknown backend %d", backend)
	}

	instance, err := factory.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, driver.Mark(errors.Wrapf(err, "halwgpu: create %s instance", backend), driver.ErrFailed)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, driver.Errorf(driver.ErrUnsupported, "halwgpu: no %s adapters", backend)
	}
	selected := adapters[0]
	for _, a := range adapters {
		if a.Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			a.Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = a
			break
		}
	}

	a := &Adapter{
		backend:  backend,
		instance: instance,
		exposed:  selected,
		limits:   translateLimits(gputypes.DefaultLimits()),
		memory:   memoryProperties(),
		logger:   logger,
	}
	logger.Info("halwgpu adapter opened", "backend", backend.String(), "name", selected.Info.Name)
	return a, nil
}

// Close destroys the HAL instance.
func (a *Adapter) Close() {
	if a.instance != nil {
		a.instance.Destroy()
		a.instance = nil
	}
}

func (a *Adapter) Info() driver.AdapterInfo {
	return driver.AdapterInfo{
		Name:       a.exposed.Info.Name,
		Type:       deviceType(a.exposed.Info.DeviceType),
		APIVersion: driver.Version1_2,
		Driver:     "wgpu-hal/" + a.backend.String(),
	}
}

// QueueFamilies reports the single HAL queue as one all-purpose family.
func (a *Adapter) QueueFamilies() []driver.QueueFamily {
	return []driver.QueueFamily{{
		Index:   0,
		Count:   1,
		Classes: driver.QueueGraphics | driver.QueueCompute | driver.QueueCopy | driver.QueuePresent,
	}}
}

func (a *Adapter) Extensions() []string {
	if a.backend == BackendVulkan {
		return []string{driver.ExtSwapchain}
	}
	return nil
}

func (a *Adapter) CoreFeatures() driver.Feature {
	return driver.FeatureSamplerAnisotropy |
		driver.FeatureIndependentBlend |
		driver.FeatureFragmentStoresAndAtomics
}

func (a *Adapter) ExtensionFeatures(ext string) (driver.Feature, bool) {
	return 0, slices.Contains(a.Extensions(), ext)
}

func (a *Adapter) Limits() driver.Limits { return a.limits }

func (a *Adapter) MemoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		Types: slices.Clone(a.memory.Types),
		Heaps: slices.Clone(a.memory.Heaps),
	}
}

func (a *Adapter) FormatProperties(format gputypes.TextureFormat) driver.FormatProperties {
	if format == gputypes.TextureFormatUndefined {
		return driver.FormatProperties{}
	}
	transfer := driver.FormatTransferSrc | driver.FormatTransferDst
	if isDepthFormat(format) {
		return driver.FormatProperties{
			OptimalTiling: driver.FormatDepthStencilAttachment | driver.FormatSampledImage | transfer,
		}
	}
	return driver.FormatProperties{
		LinearTiling: driver.FormatSampledImage | transfer,
		OptimalTiling: driver.FormatSampledImage | driver.FormatSampledImageFilterLinear |
			driver.FormatColorAttachment | driver.FormatColorAttachmentBlend | transfer,
	}
}

// CreateDevice opens a HAL device. Only family 0 exists and the
// negotiated features are recorded but not forwarded to the HAL, which
// enables its own baseline.
func (a *Adapter) CreateDevice(info *driver.DeviceCreateInfo) (driver.Device, error) {
	if info == nil {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: nil device create info")
	}
	for _, q := range info.Queues {
		if q.Family != 0 || q.Count > 1 {
			return nil, driver.Errorf(driver.ErrInvalidArgument, "halwgpu: queue family %d count %d", q.Family, q.Count)
		}
	}
	for _, ext := range info.Extensions {
		if !slices.Contains(a.Extensions(), ext) {
			return nil, driver.Errorf(driver.ErrUnsupported, "halwgpu: extension %s", ext)
		}
	}
	if a.instance == nil {
		return nil, errors.AssertionFailedf("halwgpu: CreateDevice on closed adapter")
	}

	open, err := a.exposed.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, driver.Mark(errors.Wrap(err, "halwgpu: open device"), driver.ErrFailed)
	}
	return newDevice(a, open.Device, open.Queue, info)
}

func translateLimits(l gputypes.Limits) driver.Limits {
	dim := l.MaxTextureDimension2D
	return driver.Limits{
		MaxImageDimension1D:   dim,
		MaxImageDimension2D:   dim,
		MaxImageDimension3D:   min(dim, 2048),
		MaxImageDimensionCube: dim,
		MaxImageArrayLayers:   baselineArrayLayers,

		MaxFramebufferWidth:  dim,
		MaxFramebufferHeight: dim,
		MaxFramebufferLayers: baselineArrayLayers,
		MaxColorAttachments:  baselineColorAttachments,

		MaxBoundDescriptorSets:    baselineBindGroups,
		MaxPerStageSampledImages:  baselineSampledPerStage,
		MaxPerStageStorageImages:  baselineStorageTexPerStg,
		MaxPerStageStorageBuffers: baselineStoragePerStage,
		MaxPerStageSamplers:       baselineSamplersPerStage,

		MaxDrawIndirectCount:     1,
		MaxMemoryAllocationCount: defaultMaxAllocationCount,
		MaxSamplerAnisotropy:     baselineMaxAnisotropy,

		MinUniformBufferOffsetAlignment:  baselineOffsetAlignment,
		MinStorageBufferOffsetAlignment:  baselineOffsetAlignment,
		MinTexelBufferOffsetAlignment:    baselineOffsetAlignment,
		OptimalBufferCopyOffsetAlignment: bufferAlignment,
		BufferImageGranularity:           1,
		NonCoherentAtomSize:              4,

		MaxComputeWorkGroupCount: [3]uint32{baselineWorkgroupsPerDim, baselineWorkgroupsPerDim, baselineWorkgroupsPerDim},
	}
}

// memoryProperties describes the emulated memory: one device-local heap
// and one host-visible heap. Host-visible memory is shadowed in process
// memory, which bounds its heap.
func memoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		Heaps: []driver.MemoryHeap{
			{Size: 2 << 30, DeviceLocal: true},
			{Size: 256 << 20},
		},
		Types: []driver.MemoryType{
			{Properties: driver.MemoryDeviceLocal, HeapIndex: 0},
			{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
		},
	}
}

func deviceType(t gputypes.DeviceType) driver.DeviceType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return driver.DeviceTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return driver.DeviceTypeIntegrated
	default:
		return driver.DeviceTypeOther
	}
}

func isDepthFormat(f gputypes.TextureFormat) bool {
	switch f {
	case gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatDepth24Plus,
		gputypes.TextureFormatDepth32Float,
		gputypes.TextureFormatDepth16Unorm:
		return true
	}
	return false
}
