// Package rhi is a logical GPU device layer.
//
// A [Device] sits between a renderer and a native graphics API. It
// negotiates hardware features, sub-allocates device memory, caches
// expensive driver objects, recycles per-frame command buffers and
// synchronization primitives, defers resource destruction until the GPU is
// done with it and streams uploads on a background worker.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rhi"
//	    "github.com/gogpu/rhi/driver"
//	    _ "github.com/gogpu/rhi/driver/halwgpu" // registers vulkan and noop
//	)
//
//	adapter, _, err := driver.OpenDefault()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dev, err := rhi.New(rhi.WithFrameCountMax(2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := dev.Init(adapter); err != nil {
//	    log.Fatalf("init: %v (%s)", err, rhi.Result(err))
//	}
//	defer dev.Close()
//
//	for running {
//	    dev.BeginFrame()
//	    rp, _ := dev.AcquireRenderPass(&rhi.RenderPassDesc{...})
//	    // record and submit
//	    rp.Release()
//	    dev.EndFrame()
//	}
//
// # Ownership
//
// Cached objects, buffers and images are reference counted. Acquire and
// Create calls return one reference owned by the caller. When the last
// reference is released the native object is queued and destroyed
// FrameCountMax-1 frames later, when no in-flight frame can still use it.
//
// # Frames
//
// BeginFrame waits for the frame that last used the current ring slot and
// then recycles its command lists, semaphores and fences and collects the
// release queue. EndFrame signals one slot fence on the queue of every family.
//
// # Errors
//
// Errors carry one of the categories ErrFailed, ErrOutOfMemory,
// ErrUnsupported or ErrInvalidArgument; [Result] maps an error to a
// [ResultCode]. Misuse of the API is reported as an assertion failure
// (see github.com/cockroachdb/errors), or a panic where no error can be
// returned.
//
// # Logging
//
// rhi is silent by default. Use [SetLogger] or [WithLogger] to enable
// structured logging through log/slog.
package rhi
