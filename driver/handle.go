// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import "fmt"

// Handle is an opaque reference to a native object owned by a Device.
type Handle uint64

// NullHandle never refers to a live object.
const NullHandle Handle = 0

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h == NullHandle }

// ObjectKind identifies the type of native object behind a Handle.
// Device.Destroy needs it because handles of different kinds may share
// numeric values in some drivers.
type ObjectKind uint8

const (
	KindUnknown ObjectKind = iota
	KindMemory
	KindBuffer
	KindImage
	KindRenderPass
	KindFramebuffer
	KindSampler
	KindDescriptorSetLayout
	KindPipelineLayout
	KindDescriptorPool
	KindCommandPool
	KindFence
	KindSemaphore
)

var kindNames = [...]string{
	KindUnknown:             "Unknown",
	KindMemory:              "Memory",
	KindBuffer:              "Buffer",
	KindImage:               "Image",
	KindRenderPass:          "RenderPass",
	KindFramebuffer:         "Framebuffer",
	KindSampler:             "Sampler",
	KindDescriptorSetLayout: "DescriptorSetLayout",
	KindPipelineLayout:      "PipelineLayout",
	KindDescriptorPool:      "DescriptorPool",
	KindCommandPool:         "CommandPool",
	KindFence:               "Fence",
	KindSemaphore:           "Semaphore",
}

// String returns the kind name.
func (k ObjectKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}
