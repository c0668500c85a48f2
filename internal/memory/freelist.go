// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import "sort"

type span struct {
	offset uint64
	size   uint64
}

// FreeList is a first-fit range allocator over [0, size). Freed ranges are
// coalesced with their neighbours. Not safe for concurrent use.
type FreeList struct {
	size uint64
	used uint64
	free []span // sorted by offset, never adjacent
}

// NewFreeList creates a free list with the whole range available.
func NewFreeList(size uint64) *FreeList {
	return &FreeList{size: size, free: []span{{0, size}}}
}

// Allocate reserves size bytes at an offset aligned to align (a power of
// two, or 0/1 for none). ok is false if no free range fits.
func (f *FreeList) Allocate(size, align uint64) (offset uint64, ok bool) {
	if size == 0 {
		return 0, false
	}
	if align == 0 {
		align = 1
	}
	for i, s := range f.free {
		start := alignUp(s.offset, align)
		end := start + size
		if end > s.offset+s.size || end < start {
			continue
		}
		// Split the span into the alignment padding, the allocation and
		// the tail. Padding stays free.
		var rest []span
		if start > s.offset {
			rest = append(rest, span{s.offset, start - s.offset})
		}
		if tail := s.offset + s.size - end; tail > 0 {
			rest = append(rest, span{end, tail})
		}
		f.free = append(f.free[:i], append(rest, f.free[i+1:]...)...)
		f.used += size
		return start, true
	}
	return 0, false
}

// Free returns [offset, offset+size) to the list.
func (f *FreeList) Free(offset, size uint64) {
	i := sort.Search(len(f.free), func(i int) bool { return f.free[i].offset > offset })
	f.free = append(f.free, span{})
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = span{offset, size}
	f.used -= size

	// Merge with the following span, then with the preceding one.
	if i+1 < len(f.free) && f.free[i].offset+f.free[i].size == f.free[i+1].offset {
		f.free[i].size += f.free[i+1].size
		f.free = append(f.free[:i+1], f.free[i+2:]...)
	}
	if i > 0 && f.free[i-1].offset+f.free[i-1].size == f.free[i].offset {
		f.free[i-1].size += f.free[i].size
		f.free = append(f.free[:i], f.free[i+1:]...)
	}
}

// Size returns the managed range size.
func (f *FreeList) Size() uint64 { return f.size }

// Used returns the number of allocated bytes.
func (f *FreeList) Used() uint64 { return f.used }

// FreeBytes returns the number of free bytes, including alignment padding.
func (f *FreeList) FreeBytes() uint64 { return f.size - f.used }

// LargestFree returns the size of the largest free range.
func (f *FreeList) LargestFree() uint64 {
	var largest uint64
	for _, s := range f.free {
		largest = max(largest, s.size)
	}
	return largest
}

// Ranges returns the number of disjoint free ranges.
func (f *FreeList) Ranges() int { return len(f.free) }

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
