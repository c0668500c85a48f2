// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package format derives per-format capabilities from driver format-feature
// bits and encodes logical shading rates for the active shading-rate
// mechanism.
package format

import (
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
)

// Capability is a bit set of what a pixel format can be used for.
type Capability uint32

const (
	CapVertexBuffer Capability = 1 << iota
	CapIndexBuffer
	CapRenderTarget
	CapDepthStencil
	CapBlend
	CapSample
	CapFilter
	CapTypedLoadBuffer
	CapTypedStoreBuffer
	CapAtomicBuffer
	CapStorage
	CapStorageAtomic
	CapCopySrc
	CapCopyDst
	CapShadingRate
)

var capNames = []string{
	"VertexBuffer", "IndexBuffer", "RenderTarget", "DepthStencil", "Blend",
	"Sample", "Filter", "TypedLoadBuffer", "TypedStoreBuffer", "AtomicBuffer",
	"Storage", "StorageAtomic", "CopySrc", "CopyDst", "ShadingRate",
}

// Has reports whether c includes every bit of o.
func (c Capability) Has(o Capability) bool { return c&o == o }

// Names lists the set capabilities.
func (c Capability) Names() []string {
	var out []string
	for i, n := range capNames {
		if c&(1<<uint(i)) != 0 {
			out = append(out, n)
		}
	}
	return out
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Names(), "|")
}

// Source reports driver format properties. driver.Adapter satisfies it.
type Source interface {
	FormatProperties(f gputypes.TextureFormat) driver.FormatProperties
}

// Known lists the formats the device reports capabilities for.
var Known = []gputypes.TextureFormat{
	gputypes.TextureFormatR8Unorm,
	gputypes.TextureFormatR8Uint,
	gputypes.TextureFormatRG8Unorm,
	gputypes.TextureFormatR16Uint,
	gputypes.TextureFormatR32Uint,
	gputypes.TextureFormatR32Float,
	gputypes.TextureFormatRGBA8Unorm,
	gputypes.TextureFormatBGRA8Unorm,
	gputypes.TextureFormatRGBA16Float,
	gputypes.TextureFormatRGBA32Float,
	gputypes.TextureFormatDepth24PlusStencil8,
	gputypes.TextureFormatDepth32Float,
}

// IsIndexFormat reports whether f is usable as an index buffer element.
// Index formats are fixed by index width, not reported by drivers.
func IsIndexFormat(f gputypes.TextureFormat) bool {
	return f == gputypes.TextureFormatR16Uint || f == gputypes.TextureFormatR32Uint
}

// Derive computes the capabilities of one format. Shading-rate capability
// depends on which mechanism is active.
func Derive(f gputypes.TextureFormat, p driver.FormatProperties, mode ShadingRateMode) Capability {
	var c Capability
	opt, buf := p.OptimalTiling, p.Buffer

	set := func(cond bool, bit Capability) {
		if cond {
			c |= bit
		}
	}
	set(buf.Has(driver.FormatVertexBuffer), CapVertexBuffer)
	set(IsIndexFormat(f), CapIndexBuffer)
	set(opt.Has(driver.FormatColorAttachment), CapRenderTarget)
	set(opt.Has(driver.FormatDepthStencilAttachment), CapDepthStencil)
	set(opt.Has(driver.FormatColorAttachmentBlend), CapBlend)
	set(opt.Has(driver.FormatSampledImage), CapSample)
	set(opt.Has(driver.FormatSampledImageFilterLinear), CapFilter)
	set(buf.Has(driver.FormatUniformTexelBuffer), CapTypedLoadBuffer)
	set(buf.Has(driver.FormatStorageTexelBuffer), CapTypedStoreBuffer)
	set(buf.Has(driver.FormatStorageTexelBufferAtomic), CapAtomicBuffer)
	set(opt.Has(driver.FormatStorageImage), CapStorage)
	set(opt.Has(driver.FormatStorageImageAtomic), CapStorageAtomic)
	set(opt.Has(driver.FormatTransferSrc), CapCopySrc)
	set(opt.Has(driver.FormatTransferDst), CapCopyDst)

	switch mode {
	case ShadingRateAttachment:
		set(opt.Has(driver.FormatShadingRateAttachment), CapShadingRate)
	case ShadingRateDensityMap:
		set(opt.Has(driver.FormatFragmentDensityMap), CapShadingRate)
	}
	return c
}

// FillCapabilities derives the capabilities of every format in formats.
// Formats with no capabilities are left out.
func FillCapabilities(src Source, formats []gputypes.TextureFormat, mode ShadingRateMode) map[gputypes.TextureFormat]Capability {
	out := make(map[gputypes.TextureFormat]Capability, len(formats))
	for _, f := range formats {
		if c := Derive(f, src.FormatProperties(f), mode); c != 0 {
			out[f] = c
		}
	}
	return out
}
