// Package collect implements the frame-latency collector shared by the
// release queue and the synchronization-object pools.
//
// A Collector stamps every queued object with the current iteration.
// Collect advances the iteration and releases every object whose age now
// exceeds the latency, so an object queued during iteration N is released
// by the Collect that starts iteration N+L+1 and never earlier.
package collect

import "sync"

type entry[T any] struct {
	obj       T
	iteration uint64
}

// Collector defers the release of objects by a fixed number of iterations.
// It is safe for concurrent use.
type Collector[T any] struct {
	mu        sync.Mutex
	latency   uint64
	iteration uint64
	pending   []entry[T]
	release   func(T)
}

// New creates a collector that hands objects to release once they are
// older than latency iterations.
func New[T any](latency uint64, release func(T)) *Collector[T] {
	return &Collector[T]{latency: latency, release: release}
}

// Queue schedules obj for release.
func (c *Collector[T]) Queue(obj T) {
	c.mu.Lock()
	c.pending = append(c.pending, entry[T]{obj: obj, iteration: c.iteration})
	c.mu.Unlock()
}

// Collect advances the iteration and releases every object older than the
// latency. With force, every pending object is released. release runs
// without the collector lock held, so it may queue new objects.
func (c *Collector[T]) Collect(force bool) int {
	c.mu.Lock()
	c.iteration++
	n := 0
	if force {
		n = len(c.pending)
	} else {
		// Entries are in queue order, so ages only decrease along the slice.
		for n < len(c.pending) && c.iteration-c.pending[n].iteration > c.latency {
			n++
		}
	}
	ready := make([]T, n)
	for i := range ready {
		ready[i] = c.pending[i].obj
	}
	c.pending = append(c.pending[:0], c.pending[n:]...)
	c.mu.Unlock()

	for _, obj := range ready {
		c.release(obj)
	}
	return n
}

// Iteration returns the current iteration.
func (c *Collector[T]) Iteration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// Pending returns how many objects await release.
func (c *Collector[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Latency returns the configured latency.
func (c *Collector[T]) Latency() uint64 {
	return c.latency
}
