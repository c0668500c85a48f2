// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package format

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
)

// ShadingRateMode is the active per-region shading-rate mechanism. At most
// one mechanism is active on a device.
type ShadingRateMode uint8

const (
	ShadingRateNone ShadingRateMode = iota
	// ShadingRateAttachment uses a shading-rate attachment whose texels hold
	// encoded fragment sizes.
	ShadingRateAttachment
	// ShadingRateDensityMap uses a fragment density map whose texels hold
	// normalized densities.
	ShadingRateDensityMap
)

func (m ShadingRateMode) String() string {
	switch m {
	case ShadingRateAttachment:
		return "attachment"
	case ShadingRateDensityMap:
		return "density-map"
	default:
		return "none"
	}
}

// ModeFor picks the shading-rate mode from enabled features. The region
// attachment takes priority over the density map.
func ModeFor(enabled driver.Feature) ShadingRateMode {
	switch {
	case enabled.Has(driver.FeatureAttachmentShadingRate):
		return ShadingRateAttachment
	case enabled.Has(driver.FeatureFragmentDensityMap):
		return ShadingRateDensityMap
	default:
		return ShadingRateNone
	}
}

// ShadingRate is a logical fragment size.
type ShadingRate uint8

const (
	Rate1x1 ShadingRate = iota
	Rate1x2
	Rate2x1
	Rate2x2
	Rate2x4
	Rate4x2
	Rate1x4
	Rate4x1
	Rate4x4
	rateCount
)

var rateSizes = [rateCount][2]uint32{
	Rate1x1: {1, 1},
	Rate1x2: {1, 2},
	Rate2x1: {2, 1},
	Rate2x2: {2, 2},
	Rate2x4: {2, 4},
	Rate4x2: {4, 2},
	Rate1x4: {1, 4},
	Rate4x1: {4, 1},
	Rate4x4: {4, 4},
}

// Size returns the fragment width and height in pixels.
func (r ShadingRate) Size() (w, h uint32) {
	if r >= rateCount {
		return 0, 0
	}
	return rateSizes[r][0], rateSizes[r][1]
}

func (r ShadingRate) String() string {
	w, h := r.Size()
	if w == 0 {
		return fmt.Sprintf("ShadingRate(%d)", uint8(r))
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// ShadingRateImageFormat returns the texel format of the shading-rate image
// for mode, or TextureFormatUndefined when no mechanism is active.
func ShadingRateImageFormat(mode ShadingRateMode) gputypes.TextureFormat {
	switch mode {
	case ShadingRateAttachment:
		return gputypes.TextureFormatR8Uint
	case ShadingRateDensityMap:
		return gputypes.TextureFormatRG8Unorm
	default:
		return gputypes.TextureFormatUndefined
	}
}

// ConvertShadingRate encodes rate as the texel bytes of the shading-rate
// image for mode.
//
// Attachment mode yields one R8Uint texel log2(w)<<2 | log2(h).
// Density map mode yields two UNORM8 texels 255/w and 255/h.
func ConvertShadingRate(mode ShadingRateMode, rate ShadingRate) ([]byte, error) {
	w, h := rate.Size()
	if w == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "format: invalid shading rate %d", uint8(rate))
	}
	switch mode {
	case ShadingRateAttachment:
		lw := bits.TrailingZeros32(w)
		lh := bits.TrailingZeros32(h)
		return []byte{byte(lw<<2 | lh)}, nil
	case ShadingRateDensityMap:
		return []byte{byte(255 / w), byte(255 / h)}, nil
	default:
		return nil, driver.Errorf(driver.ErrUnsupported, "format: shading rate not supported")
	}
}
