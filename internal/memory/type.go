// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"math"

	"github.com/gogpu/rhi/driver"
)

// TypeNotFound is returned by FindMemoryTypeIndex when no memory type
// qualifies. It is never a valid index.
const TypeNotFound uint32 = math.MaxUint32

// FindMemoryTypeIndex returns the first memory type that is allowed by
// typeBits and has every required property flag, or TypeNotFound.
func FindMemoryTypeIndex(props driver.MemoryProperties, required driver.MemoryProperty, typeBits uint32) uint32 {
	for i, t := range props.Types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) != 0 && t.Properties.Has(required) {
			return uint32(i)
		}
	}
	return TypeNotFound
}

// FindPreferredMemoryTypeIndex is FindMemoryTypeIndex that favors types that
// also have the preferred flags, falling back to required only.
func FindPreferredMemoryTypeIndex(props driver.MemoryProperties, required, preferred driver.MemoryProperty, typeBits uint32) uint32 {
	if preferred != 0 {
		if i := FindMemoryTypeIndex(props, required|preferred, typeBits); i != TypeNotFound {
			return i
		}
	}
	return FindMemoryTypeIndex(props, required, typeBits)
}
