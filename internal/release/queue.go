// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package release defers the destruction of GPU objects until in-flight
// work can no longer reference them.
package release

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/rhi/internal/collect"
)

// Releasable is an object whose native resources can be destroyed.
type Releasable interface {
	Destroy()
}

// Func adapts a function to Releasable.
type Func func()

func (f Func) Destroy() { f() }

// Queue holds the final reference of released objects for a fixed number
// of frames. It is safe for concurrent use; the upload worker and the
// render thread both queue into it.
type Queue struct {
	c         *collect.Collector[Releasable]
	logger    *slog.Logger
	destroyed atomic.Uint64
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// New creates a queue that destroys objects latency frames after they were
// queued.
func New(latency uint64, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{logger: logger}
	q.c = collect.New(latency, func(obj Releasable) {
		obj.Destroy()
		q.destroyed.Add(1)
	})
	return q
}

// QueueForRelease takes over the final reference of obj. After Close the
// object is dropped and an error is logged: the device that owned it is
// gone.
func (q *Queue) QueueForRelease(obj Releasable) {
	if obj == nil {
		return
	}
	if q.closed.Load() {
		n := q.dropped.Add(1)
		q.logger.Error("object released after shutdown, dropped", "dropped", n)
		return
	}
	q.c.Queue(obj)
}

// Close destroys everything pending and makes later releases no-ops. The
// device must be idle.
func (q *Queue) Close() int {
	q.closed.Store(true)
	return q.Collect(true)
}

// Dropped returns how many objects were released after Close.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Collect advances one frame and destroys every object older than the
// latency. With force, everything pending is destroyed; use it only once
// the device is idle.
func (q *Queue) Collect(force bool) int {
	n := q.c.Collect(force)
	if n > 0 {
		q.logger.Debug("release queue collected", "objects", n, "force", force, "pending", q.c.Pending())
	}
	return n
}

// Pending returns how many objects await destruction.
func (q *Queue) Pending() int { return q.c.Pending() }

// Iteration returns the current frame iteration of the queue.
func (q *Queue) Iteration() uint64 { return q.c.Iteration() }

// Latency returns the release latency in frames.
func (q *Queue) Latency() uint64 { return q.c.Latency() }

// Destroyed returns the total number of objects destroyed.
func (q *Queue) Destroyed() uint64 { return q.destroyed.Load() }
