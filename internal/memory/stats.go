// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// HeapStats describes one memory heap.
type HeapStats struct {
	Index       int
	Size        uint64
	DeviceLocal bool
	// Budget is the byte budget: driver-reported or a share of Size.
	Budget uint64
	// Usage is the driver-reported usage when available, BlockBytes
	// otherwise.
	Usage           uint64
	BlockBytes      uint64
	AllocationBytes uint64
	BlockCount      int
	AllocationCount int
	// Fragmentation is 1 - largest free range / total free bytes over the
	// heap's shared blocks, 0 when nothing is free.
	Fragmentation float64
}

// PoolStats describes one pool.
type PoolStats struct {
	Name            string
	TypeIndex       uint32
	Budget          uint64
	Used            uint64
	BlockCount      int
	AllocationCount int
}

// Statistics is a snapshot of the allocator.
type Statistics struct {
	Heaps []HeapStats
	Pools []PoolStats
}

// Statistics takes a snapshot.
func (a *Allocator) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	var budgets []uint64
	var usage []uint64
	if a.cfg.DriverBudget {
		for _, b := range a.dev.HeapBudgets() {
			budgets = append(budgets, b.Budget)
			usage = append(usage, b.Usage)
		}
	}

	s := Statistics{Heaps: make([]HeapStats, len(a.heaps))}
	for i, h := range a.heaps {
		hs := HeapStats{
			Index:           i,
			Size:            h.size,
			DeviceLocal:     a.props.Heaps[i].DeviceLocal,
			Budget:          h.limit,
			Usage:           h.blockBytes,
			BlockBytes:      h.blockBytes,
			AllocationBytes: h.allocBytes,
			BlockCount:      h.blocks,
			AllocationCount: h.allocs,
		}
		if i < len(budgets) {
			hs.Budget, hs.Usage = budgets[i], usage[i]
		}
		s.Heaps[i] = hs
	}

	totalFree := make([]uint64, len(a.heaps))
	largestFree := make([]uint64, len(a.heaps))
	visit := func(b *block) {
		if b.dedicated {
			return
		}
		h := a.props.Types[b.typeIndex].HeapIndex
		totalFree[h] += b.free.FreeBytes()
		largestFree[h] = max(largestFree[h], b.free.LargestFree())
	}
	for _, list := range a.blocks {
		for _, b := range list {
			visit(b)
		}
	}
	for _, p := range a.pools {
		for _, b := range p.blocks {
			visit(b)
		}
		s.Pools = append(s.Pools, PoolStats{
			Name:            p.name,
			TypeIndex:       p.typeIndex,
			Budget:          p.budget,
			Used:            p.used,
			BlockCount:      len(p.blocks),
			AllocationCount: p.allocs,
		})
	}
	for i := range s.Heaps {
		if totalFree[i] > 0 {
			s.Heaps[i].Fragmentation = 1 - float64(largestFree[i])/float64(totalFree[i])
		}
	}
	return s
}

// WriteJSON writes s as a JSON object.
func (s Statistics) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	s.WriteFields(&obj)
	obj.End()
}

// WriteFields writes the Heaps and Pools members into an open JSON object so
// callers can add members of their own next to them.
func (s Statistics) WriteFields(obj *jwriter.ObjectState) {
	heaps := obj.Name("Heaps").Object()
	for _, h := range s.Heaps {
		ho := heaps.Name(fmt.Sprintf("Heap %d", h.Index)).Object()
		ho.Name("Size").Float64(float64(h.Size))
		ho.Name("DeviceLocal").Bool(h.DeviceLocal)
		ho.Name("Budget").Float64(float64(h.Budget))
		ho.Name("Usage").Float64(float64(h.Usage))
		ho.Name("BlockBytes").Float64(float64(h.BlockBytes))
		ho.Name("AllocationBytes").Float64(float64(h.AllocationBytes))
		ho.Name("BlockCount").Int(h.BlockCount)
		ho.Name("AllocationCount").Int(h.AllocationCount)
		ho.Name("Fragmentation").Float64(h.Fragmentation)
		ho.End()
	}
	heaps.End()

	pools := obj.Name("Pools").Object()
	for _, p := range s.Pools {
		po := pools.Name(p.Name).Object()
		po.Name("MemoryTypeIndex").Int(int(p.TypeIndex))
		po.Name("Budget").Float64(float64(p.Budget))
		po.Name("Used").Float64(float64(p.Used))
		po.Name("BlockCount").Int(p.BlockCount)
		po.Name("AllocationCount").Int(p.AllocationCount)
		po.End()
	}
	pools.End()
}

// JSON renders s as a JSON document.
func (s Statistics) JSON() ([]byte, error) {
	w := jwriter.NewWriter()
	s.WriteJSON(&w)
	return w.Bytes(), w.Error()
}
