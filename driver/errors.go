// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import "github.com/cockroachdb/errors"

// Error categories. Driver and device errors are marked with exactly one of
// these so errors.Is can classify them through any amount of wrapping.
var (
	// ErrFailed is a generic driver failure.
	ErrFailed = errors.New("driver: failed")

	// ErrOutOfMemory is returned when host or device memory is exhausted,
	// including when a heap budget would be exceeded.
	ErrOutOfMemory = errors.New("driver: out of memory")

	// ErrUnsupported is returned when the adapter lacks a required
	// capability (queue class, extension, memory type, format feature).
	ErrUnsupported = errors.New("driver: unsupported")

	// ErrInvalidArgument is returned for malformed descriptors and unknown
	// handles.
	ErrInvalidArgument = errors.New("driver: invalid argument")

	// ErrDeviceLost is reported by backends when the native device became
	// unusable. The rhi layer surfaces it unchanged and does not recover.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrNotRegistered is returned by Open for an unknown driver name.
	ErrNotRegistered = errors.New("driver: not registered")
)

// Mark attaches category to err, keeping err's message and chain.
// A nil err yields nil.
func Mark(err, category error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, category)
}

// Errorf creates a new error of the given category.
func Errorf(category error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), category)
}
