// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"fmt"
	"strings"
)

// Version is a packed major.minor.patch API version.
type Version uint32

// Well-known API versions used as core-feature gates.
const (
	Version1_0 Version = 1 << 22
	Version1_1 Version = 1<<22 | 1<<12
	Version1_2 Version = 1<<22 | 2<<12
	Version1_3 Version = 1<<22 | 3<<12
)

// MakeVersion packs a version number.
func MakeVersion(major, minor, patch uint32) Version {
	return Version(major<<22 | (minor&0x3ff)<<12 | patch&0xfff)
}

func (v Version) Major() uint32 { return uint32(v) >> 22 }
func (v Version) Minor() uint32 { return (uint32(v) >> 12) & 0x3ff }
func (v Version) Patch() uint32 { return uint32(v) & 0xfff }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// QueueClass is the set of operation classes a queue family supports.
type QueueClass uint32

const (
	QueueGraphics QueueClass = 1 << iota
	QueueCompute
	QueueCopy
	QueuePresent
)

// Has reports whether c includes every class in o.
func (c QueueClass) Has(o QueueClass) bool { return c&o == o }

func (c QueueClass) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		bit  QueueClass
		name string
	}{
		{QueueGraphics, "graphics"},
		{QueueCompute, "compute"},
		{QueueCopy, "copy"},
		{QueuePresent, "present"},
	} {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// QueueFamily describes one hardware queue family. Immutable once reported.
type QueueFamily struct {
	Index   uint32
	Count   uint32
	Classes QueueClass
}

// DeviceType classifies an adapter.
type DeviceType uint8

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegrated:
		return "integrated"
	case DeviceTypeDiscrete:
		return "discrete"
	case DeviceTypeVirtual:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// AdapterInfo identifies a physical device.
type AdapterInfo struct {
	Name       string
	VendorID   uint32
	DeviceID   uint32
	Type       DeviceType
	APIVersion Version
	Driver     string
}

// Feature is a bit set of optional device capabilities.
type Feature uint64

const (
	FeatureSamplerAnisotropy Feature = 1 << iota
	FeatureIndependentBlend
	FeatureGeometryShader
	FeatureTessellationShader
	FeatureMultiDrawIndirect
	FeatureDrawIndirectCount
	FeatureFragmentStoresAndAtomics
	FeatureShaderFloat16
	FeatureTimelineSemaphore
	FeatureBufferDeviceAddress
	FeatureDescriptorIndexing
	FeatureRuntimeDescriptorArray
	FeatureNullDescriptor
	FeatureMemoryBudget
	FeaturePipelineShadingRate
	FeatureAttachmentShadingRate
	FeatureFragmentDensityMap
	FeatureSampleLocations
)

var featureNames = []string{
	"SamplerAnisotropy",
	"IndependentBlend",
	"GeometryShader",
	"TessellationShader",
	"MultiDrawIndirect",
	"DrawIndirectCount",
	"FragmentStoresAndAtomics",
	"ShaderFloat16",
	"TimelineSemaphore",
	"BufferDeviceAddress",
	"DescriptorIndexing",
	"RuntimeDescriptorArray",
	"NullDescriptor",
	"MemoryBudget",
	"PipelineShadingRate",
	"AttachmentShadingRate",
	"FragmentDensityMap",
	"SampleLocations",
}

// Has reports whether f includes every bit of o.
func (f Feature) Has(o Feature) bool { return f&o == o }

// Names lists the set bits by name, lowest bit first.
func (f Feature) Names() []string {
	var out []string
	for i, n := range featureNames {
		if f&(1<<uint(i)) != 0 {
			out = append(out, n)
		}
	}
	return out
}

func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// Extension names understood by the negotiation rules.
const (
	ExtSwapchain           = "VK_KHR_swapchain"
	ExtFragmentShadingRate = "VK_KHR_fragment_shading_rate"
	ExtFragmentDensityMap  = "VK_EXT_fragment_density_map"
	ExtDescriptorIndexing  = "VK_EXT_descriptor_indexing"
	ExtRobustness2         = "VK_EXT_robustness2"
	ExtMemoryBudget        = "VK_EXT_memory_budget"
	ExtTimelineSemaphore   = "VK_KHR_timeline_semaphore"
	ExtDrawIndirectCount   = "VK_KHR_draw_indirect_count"
	ExtBufferDeviceAddress = "VK_KHR_buffer_device_address"
	ExtShaderFloat16Int8   = "VK_KHR_shader_float16_int8"
	ExtSampleLocations     = "VK_EXT_sample_locations"
)

// Limits are the numeric limits reported by an adapter.
type Limits struct {
	MaxImageDimension1D   uint32
	MaxImageDimension2D   uint32
	MaxImageDimension3D   uint32
	MaxImageDimensionCube uint32
	MaxImageArrayLayers   uint32

	MaxFramebufferWidth  uint32
	MaxFramebufferHeight uint32
	MaxFramebufferLayers uint32
	MaxColorAttachments  uint32

	MaxBoundDescriptorSets    uint32
	MaxPerStageSampledImages  uint32
	MaxPerStageStorageImages  uint32
	MaxPerStageStorageBuffers uint32
	MaxPerStageSamplers       uint32

	// Update-after-bind limits; they size the bindless arrays.
	MaxBindlessSampledImages  uint32
	MaxBindlessStorageImages  uint32
	MaxBindlessStorageBuffers uint32
	MaxBindlessSamplers       uint32

	MaxDrawIndirectCount     uint32
	MaxMemoryAllocationCount uint32
	MaxSamplerAnisotropy     float32

	MinUniformBufferOffsetAlignment  uint64
	MinStorageBufferOffsetAlignment  uint64
	MinTexelBufferOffsetAlignment    uint64
	OptimalBufferCopyOffsetAlignment uint64
	BufferImageGranularity           uint64
	NonCoherentAtomSize              uint64

	MaxComputeWorkGroupCount [3]uint32

	// Shading-rate attachment texel size range (region attachment mode).
	MinShadingRateTexelSize [2]uint32
	MaxShadingRateTexelSize [2]uint32
	// Fragment density texel size range (density map mode).
	MinDensityTexelSize [2]uint32
	MaxDensityTexelSize [2]uint32

	TimestampPeriod float32
}

// MemoryProperty is a bit set of memory-type properties.
type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

// Has reports whether p includes every bit of o.
func (p MemoryProperty) Has(o MemoryProperty) bool { return p&o == o }

func (p MemoryProperty) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		bit  MemoryProperty
		name string
	}{
		{MemoryDeviceLocal, "device-local"},
		{MemoryHostVisible, "host-visible"},
		{MemoryHostCoherent, "host-coherent"},
		{MemoryHostCached, "host-cached"},
		{MemoryLazilyAllocated, "lazy"},
	} {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// MemoryType is one allocatable memory type.
type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  uint32
}

// MemoryHeap is one physical memory heap.
type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// MemoryProperties lists an adapter's memory types and heaps.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// HeapBudget is the driver-reported budget and usage of one heap.
type HeapBudget struct {
	Budget uint64
	Usage  uint64
}

// MemoryRequirements is what a buffer or image needs from its backing memory.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	// TypeBits has bit i set when memory type i can back the resource.
	TypeBits uint32
}

// FormatFeature is a bit set of per-format capabilities.
type FormatFeature uint32

const (
	FormatSampledImage FormatFeature = 1 << iota
	FormatSampledImageFilterLinear
	FormatStorageImage
	FormatStorageImageAtomic
	FormatUniformTexelBuffer
	FormatStorageTexelBuffer
	FormatStorageTexelBufferAtomic
	FormatVertexBuffer
	FormatColorAttachment
	FormatColorAttachmentBlend
	FormatDepthStencilAttachment
	FormatTransferSrc
	FormatTransferDst
	FormatShadingRateAttachment
	FormatFragmentDensityMap
)

// Has reports whether f includes every bit of o.
func (f FormatFeature) Has(o FormatFeature) bool { return f&o == o }

// FormatProperties are the feature bits of one format per tiling/usage.
type FormatProperties struct {
	LinearTiling  FormatFeature
	OptimalTiling FormatFeature
	Buffer        FormatFeature
}
