// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package driver defines the native graphics surface that the rhi device is
// layered on top of.
//
// A driver exposes three objects:
//
//   - [Adapter]: a physical GPU. It reports queue families, feature bits,
//     extensions, limits, memory types and per-format feature bits, and it
//     opens a [Device].
//   - [Device]: a negotiated logical device. Every native object it creates
//     is returned as an opaque [Handle] and destroyed through
//     [Device.Destroy].
//   - [Queue]: a submission endpoint belonging to one queue family.
//
// Handles are plain integers. The zero handle ([NullHandle]) never names a
// live object, which lets callers use it as "unbound".
//
// # Registration
//
// Drivers register a factory under a name, usually from an init function:
//
//	func init() {
//		driver.Register("mock", func() (driver.Adapter, error) {
//			return mock.NewAdapter(mock.DefaultConfig()), nil
//		})
//	}
//
// Use [Open] to instantiate a named driver, or [OpenDefault] to pick the
// highest-priority one that is registered.
//
// # Errors
//
// Drivers mark every failure with one of the category errors ([ErrFailed],
// [ErrOutOfMemory], [ErrUnsupported], [ErrInvalidArgument], [ErrDeviceLost])
// so that callers can classify it with errors.Is regardless of how much
// context was wrapped around it.
package driver
