// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package feature

import (
	"slices"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/format"
)

// SetVersion is the layout version of FeatureSet and LimitSet. It changes
// whenever a field is added so serialized capability reports can be told
// apart.
const SetVersion = 1

// FeatureSet is the flat, immutable result of feature negotiation.
type FeatureSet struct {
	SetVersion int
	APIVersion driver.Version
	Enabled    driver.Feature
	// Extensions are the enabled device extensions, sorted.
	Extensions  []string
	ShadingRate format.ShadingRateMode

	SamplerAnisotropy        bool
	IndependentBlend         bool
	GeometryShader           bool
	TessellationShader       bool
	MultiDrawIndirect        bool
	DrawIndirectCount        bool
	FragmentStoresAndAtomics bool
	ShaderFloat16            bool
	TimelineSemaphore        bool
	BufferDeviceAddress      bool
	// Bindless is set when descriptor indexing and runtime descriptor
	// arrays are both enabled.
	Bindless              bool
	NullDescriptor        bool
	MemoryBudget          bool
	PipelineShadingRate   bool
	AttachmentShadingRate bool
	FragmentDensityMap    bool
	SampleLocations       bool
}

func newFeatureSet(api driver.Version, enabled driver.Feature, exts []string) FeatureSet {
	return FeatureSet{
		SetVersion:  SetVersion,
		APIVersion:  api,
		Enabled:     enabled,
		Extensions:  exts,
		ShadingRate: format.ModeFor(enabled),

		SamplerAnisotropy:        enabled.Has(driver.FeatureSamplerAnisotropy),
		IndependentBlend:         enabled.Has(driver.FeatureIndependentBlend),
		GeometryShader:           enabled.Has(driver.FeatureGeometryShader),
		TessellationShader:       enabled.Has(driver.FeatureTessellationShader),
		MultiDrawIndirect:        enabled.Has(driver.FeatureMultiDrawIndirect),
		DrawIndirectCount:        enabled.Has(driver.FeatureDrawIndirectCount),
		FragmentStoresAndAtomics: enabled.Has(driver.FeatureFragmentStoresAndAtomics),
		ShaderFloat16:            enabled.Has(driver.FeatureShaderFloat16),
		TimelineSemaphore:        enabled.Has(driver.FeatureTimelineSemaphore),
		BufferDeviceAddress:      enabled.Has(driver.FeatureBufferDeviceAddress),
		Bindless:                 enabled.Has(driver.FeatureDescriptorIndexing | driver.FeatureRuntimeDescriptorArray),
		NullDescriptor:           enabled.Has(driver.FeatureNullDescriptor),
		MemoryBudget:             enabled.Has(driver.FeatureMemoryBudget),
		PipelineShadingRate:      enabled.Has(driver.FeaturePipelineShadingRate),
		AttachmentShadingRate:    enabled.Has(driver.FeatureAttachmentShadingRate),
		FragmentDensityMap:       enabled.Has(driver.FeatureFragmentDensityMap),
		SampleLocations:          enabled.Has(driver.FeatureSampleLocations),
	}
}

// Has reports whether every bit of f is enabled.
func (s FeatureSet) Has(f driver.Feature) bool { return s.Enabled.Has(f) }

// HasExtension reports whether ext is enabled.
func (s FeatureSet) HasExtension(ext string) bool {
	_, found := slices.BinarySearch(s.Extensions, ext)
	return found
}

// LimitSet holds the adapter limits as seen through the enabled features:
// limits of disabled features are zero.
type LimitSet struct {
	SetVersion int
	driver.Limits

	// ShadingRateTexelMin and ShadingRateTexelMax bound the texel size of
	// the active shading-rate image.
	ShadingRateTexelMin [2]uint32
	ShadingRateTexelMax [2]uint32
}

// NewLimitSet derives the LimitSet for the negotiated features.
func NewLimitSet(l driver.Limits, fs FeatureSet) LimitSet {
	if !fs.Bindless {
		l.MaxBindlessSampledImages = 0
		l.MaxBindlessStorageImages = 0
		l.MaxBindlessStorageBuffers = 0
		l.MaxBindlessSamplers = 0
	}
	if !fs.SamplerAnisotropy {
		l.MaxSamplerAnisotropy = 1
	}
	if !fs.MultiDrawIndirect {
		l.MaxDrawIndirectCount = 1
	}

	ls := LimitSet{SetVersion: SetVersion, Limits: l}
	switch fs.ShadingRate {
	case format.ShadingRateAttachment:
		ls.ShadingRateTexelMin = l.MinShadingRateTexelSize
		ls.ShadingRateTexelMax = l.MaxShadingRateTexelSize
	case format.ShadingRateDensityMap:
		ls.ShadingRateTexelMin = l.MinDensityTexelSize
		ls.ShadingRateTexelMax = l.MaxDensityTexelSize
	}
	return ls
}
