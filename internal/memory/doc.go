// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package memory sub-allocates device memory for the rhi device.
//
// The Allocator groups allocations into blocks of device memory per memory
// type, tracks how much of each heap's budget is in use, and exposes named
// pools with a fixed memory type and an optional byte budget. Allocations
// larger than half a block get a dedicated block of their own.
//
//	a, err := memory.New(memory.Config{Device: dev, Properties: props})
//	staging, err := a.CreatePool(memory.PoolConfig{
//		Name:     "staging",
//		Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
//		Budget:   256 << 20,
//	})
//	alloc, err := staging.Allocate(req)
//	defer a.Free(alloc)
package memory
