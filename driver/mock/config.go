// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package mock

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
)

// Config scripts what an Adapter reports.
type Config struct {
	Info     driver.AdapterInfo
	Families []driver.QueueFamily

	// Core is the result of the core feature query.
	Core driver.Feature
	// Extensions maps each advertised extension to the feature bits its
	// feature structure reports.
	Extensions map[string]driver.Feature

	Limits  driver.Limits
	Memory  driver.MemoryProperties
	Formats map[gputypes.TextureFormat]driver.FormatProperties

	// BufferAlignment and ImageAlignment are the alignments reported by the
	// memory requirement queries.
	BufferAlignment uint64
	ImageAlignment  uint64
}

// DefaultConfig describes a discrete GPU with two queue families
// (graphics and copy), no optional extensions, two heaps and four memory
// types.
func DefaultConfig() Config {
	return Config{
		Info: driver.AdapterInfo{
			Name:       "Mock GPU",
			VendorID:   0x1d1d,
			DeviceID:   0x0001,
			Type:       driver.DeviceTypeDiscrete,
			APIVersion: driver.Version1_3,
			Driver:     "mock",
		},
		Families: []driver.QueueFamily{
			{Index: 0, Count: 1, Classes: driver.QueueGraphics | driver.QueueCompute | driver.QueueCopy | driver.QueuePresent},
			{Index: 1, Count: 1, Classes: driver.QueueCopy},
		},
		Core: driver.FeatureSamplerAnisotropy |
			driver.FeatureIndependentBlend |
			driver.FeatureMultiDrawIndirect |
			driver.FeatureFragmentStoresAndAtomics,
		Extensions: map[string]driver.Feature{},
		Limits:     DefaultLimits(),
		Memory: driver.MemoryProperties{
			Heaps: []driver.MemoryHeap{
				{Size: 1 << 30, DeviceLocal: true},
				{Size: 512 << 20},
			},
			Types: []driver.MemoryType{
				{Properties: driver.MemoryDeviceLocal, HeapIndex: 0},
				{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
				{Properties: driver.MemoryHostVisible | driver.MemoryHostCoherent | driver.MemoryHostCached, HeapIndex: 1},
				{Properties: driver.MemoryDeviceLocal | driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 0},
			},
		},
		Formats:         DefaultFormats(),
		BufferAlignment: 256,
		ImageAlignment:  4096,
	}
}

// WithExtension returns a copy of c advertising ext with the given features.
func (c Config) WithExtension(ext string, features driver.Feature) Config {
	exts := make(map[string]driver.Feature, len(c.Extensions)+1)
	for k, v := range c.Extensions {
		exts[k] = v
	}
	exts[ext] = features
	c.Extensions = exts
	return c
}

// WithBindless returns a copy of c advertising descriptor indexing.
// nullDescriptor additionally advertises native null descriptors.
func (c Config) WithBindless(nullDescriptor bool) Config {
	c = c.WithExtension(driver.ExtDescriptorIndexing,
		driver.FeatureDescriptorIndexing|driver.FeatureRuntimeDescriptorArray)
	if nullDescriptor {
		c = c.WithExtension(driver.ExtRobustness2, driver.FeatureNullDescriptor)
	}
	return c
}

// DefaultLimits returns the limits of the default mock adapter.
func DefaultLimits() driver.Limits {
	return driver.Limits{
		MaxImageDimension1D:   16384,
		MaxImageDimension2D:   16384,
		MaxImageDimension3D:   2048,
		MaxImageDimensionCube: 16384,
		MaxImageArrayLayers:   2048,

		MaxFramebufferWidth:  16384,
		MaxFramebufferHeight: 16384,
		MaxFramebufferLayers: 2048,
		MaxColorAttachments:  8,

		MaxBoundDescriptorSets:    8,
		MaxPerStageSampledImages:  1 << 20,
		MaxPerStageStorageImages:  1 << 20,
		MaxPerStageStorageBuffers: 1 << 20,
		MaxPerStageSamplers:       1 << 20,

		MaxBindlessSampledImages:  1 << 20,
		MaxBindlessStorageImages:  1 << 20,
		MaxBindlessStorageBuffers: 1 << 20,
		MaxBindlessSamplers:       4000,

		MaxDrawIndirectCount:     1 << 30,
		MaxMemoryAllocationCount: 4096,
		MaxSamplerAnisotropy:     16,

		MinUniformBufferOffsetAlignment:  256,
		MinStorageBufferOffsetAlignment:  64,
		MinTexelBufferOffsetAlignment:    64,
		OptimalBufferCopyOffsetAlignment: 4,
		BufferImageGranularity:           1024,
		NonCoherentAtomSize:              64,

		MaxComputeWorkGroupCount: [3]uint32{65535, 65535, 65535},

		MinShadingRateTexelSize: [2]uint32{8, 8},
		MaxShadingRateTexelSize: [2]uint32{32, 32},
		MinDensityTexelSize:     [2]uint32{16, 16},
		MaxDensityTexelSize:     [2]uint32{64, 64},

		TimestampPeriod: 1,
	}
}

const (
	colorOptimal = driver.FormatSampledImage | driver.FormatSampledImageFilterLinear |
		driver.FormatColorAttachment | driver.FormatColorAttachmentBlend |
		driver.FormatTransferSrc | driver.FormatTransferDst
	depthOptimal = driver.FormatSampledImage | driver.FormatDepthStencilAttachment |
		driver.FormatTransferSrc | driver.FormatTransferDst
)

// DefaultFormats returns the format table of the default mock adapter.
func DefaultFormats() map[gputypes.TextureFormat]driver.FormatProperties {
	return map[gputypes.TextureFormat]driver.FormatProperties{
		gputypes.TextureFormatRGBA8Unorm: {
			LinearTiling:  driver.FormatSampledImage | driver.FormatTransferSrc | driver.FormatTransferDst,
			OptimalTiling: colorOptimal | driver.FormatStorageImage,
			Buffer:        driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer | driver.FormatStorageTexelBuffer,
		},
		gputypes.TextureFormatBGRA8Unorm: {
			OptimalTiling: colorOptimal,
			Buffer:        driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer,
		},
		gputypes.TextureFormatR8Unorm: {
			OptimalTiling: colorOptimal,
			Buffer:        driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer,
		},
		gputypes.TextureFormatR8Uint: {
			OptimalTiling: driver.FormatSampledImage | driver.FormatColorAttachment | driver.FormatStorageImage |
				driver.FormatTransferSrc | driver.FormatTransferDst,
			Buffer: driver.FormatVertexBuffer,
		},
		gputypes.TextureFormatRG8Unorm: {
			OptimalTiling: colorOptimal,
			Buffer:        driver.FormatVertexBuffer,
		},
		gputypes.TextureFormatR16Uint: {
			OptimalTiling: driver.FormatSampledImage | driver.FormatColorAttachment |
				driver.FormatTransferSrc | driver.FormatTransferDst,
			Buffer: driver.FormatVertexBuffer,
		},
		gputypes.TextureFormatR32Uint: {
			OptimalTiling: driver.FormatSampledImage | driver.FormatColorAttachment |
				driver.FormatStorageImage | driver.FormatStorageImageAtomic |
				driver.FormatTransferSrc | driver.FormatTransferDst,
			Buffer: driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer |
				driver.FormatStorageTexelBuffer | driver.FormatStorageTexelBufferAtomic,
		},
		gputypes.TextureFormatR32Float: {
			OptimalTiling: driver.FormatSampledImage | driver.FormatColorAttachment | driver.FormatStorageImage |
				driver.FormatTransferSrc | driver.FormatTransferDst,
			Buffer: driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer | driver.FormatStorageTexelBuffer,
		},
		gputypes.TextureFormatRGBA16Float: {
			OptimalTiling: colorOptimal | driver.FormatStorageImage,
			Buffer:        driver.FormatVertexBuffer,
		},
		gputypes.TextureFormatRGBA32Float: {
			OptimalTiling: driver.FormatSampledImage | driver.FormatColorAttachment | driver.FormatStorageImage |
				driver.FormatTransferSrc | driver.FormatTransferDst,
			Buffer: driver.FormatVertexBuffer | driver.FormatUniformTexelBuffer | driver.FormatStorageTexelBuffer,
		},
		gputypes.TextureFormatDepth24PlusStencil8: {OptimalTiling: depthOptimal},
		gputypes.TextureFormatDepth32Float:        {OptimalTiling: depthOptimal},
	}
}
