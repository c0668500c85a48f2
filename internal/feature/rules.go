// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package feature

import "github.com/gogpu/rhi/driver"

// Rule tells the negotiation how one feature bit is discovered.
type Rule struct {
	Feature driver.Feature
	// Extension is the extension whose feature structure reports the bit.
	// Empty for features that only exist in the core query.
	Extension string
	// CoreSince is the API version from which the core query is trusted
	// for this feature. Zero means the core query is never used.
	CoreSince driver.Version
}

// Exclusion names two mechanisms that cannot be enabled together. When both
// are negotiated, Low and its extension are dropped.
type Exclusion struct {
	High, Low driver.Feature
	// LowExtension is removed from the enabled extensions together with Low.
	LowExtension string
}

// DefaultRules is the table of features this layer knows how to use.
var DefaultRules = []Rule{
	{Feature: driver.FeatureSamplerAnisotropy, CoreSince: driver.Version1_0},
	{Feature: driver.FeatureIndependentBlend, CoreSince: driver.Version1_0},
	{Feature: driver.FeatureGeometryShader, CoreSince: driver.Version1_0},
	{Feature: driver.FeatureTessellationShader, CoreSince: driver.Version1_0},
	{Feature: driver.FeatureMultiDrawIndirect, CoreSince: driver.Version1_0},
	{Feature: driver.FeatureFragmentStoresAndAtomics, CoreSince: driver.Version1_0},

	{Feature: driver.FeatureDrawIndirectCount, Extension: driver.ExtDrawIndirectCount, CoreSince: driver.Version1_2},
	{Feature: driver.FeatureTimelineSemaphore, Extension: driver.ExtTimelineSemaphore, CoreSince: driver.Version1_2},
	{Feature: driver.FeatureBufferDeviceAddress, Extension: driver.ExtBufferDeviceAddress, CoreSince: driver.Version1_2},
	{Feature: driver.FeatureShaderFloat16, Extension: driver.ExtShaderFloat16Int8, CoreSince: driver.Version1_2},
	{Feature: driver.FeatureDescriptorIndexing, Extension: driver.ExtDescriptorIndexing, CoreSince: driver.Version1_2},
	{Feature: driver.FeatureRuntimeDescriptorArray, Extension: driver.ExtDescriptorIndexing, CoreSince: driver.Version1_2},

	{Feature: driver.FeatureNullDescriptor, Extension: driver.ExtRobustness2},
	{Feature: driver.FeatureMemoryBudget, Extension: driver.ExtMemoryBudget},
	{Feature: driver.FeaturePipelineShadingRate, Extension: driver.ExtFragmentShadingRate},
	{Feature: driver.FeatureAttachmentShadingRate, Extension: driver.ExtFragmentShadingRate},
	{Feature: driver.FeatureFragmentDensityMap, Extension: driver.ExtFragmentDensityMap},
	{Feature: driver.FeatureSampleLocations, Extension: driver.ExtSampleLocations},
}

// DefaultExclusions resolves competing shading-rate mechanisms: the region
// attachment wins over the density map.
var DefaultExclusions = []Exclusion{
	{
		High:         driver.FeatureAttachmentShadingRate,
		Low:          driver.FeatureFragmentDensityMap,
		LowExtension: driver.ExtFragmentDensityMap,
	},
}
