// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package upload streams host data into device buffers and images on a
// background worker.
//
// Data is copied into a staging buffer of fixed size, recorded into a
// command buffer of the queue's own command pools and submitted with a
// fence. The staging range is reused once the fence signals. Admission is
// bounded by the staging budget: PolicyBlock waits for space, PolicyReject
// fails with ErrStagingExhausted.
package upload

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/memory"
)

// Policy selects what an upload does when the staging budget is exhausted.
type Policy uint8

const (
	// PolicyBlock waits until in-flight uploads retire or the context ends.
	PolicyBlock Policy = iota
	// PolicyReject fails immediately with ErrStagingExhausted.
	PolicyReject
)

func (p Policy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "block"
}

// ErrStagingExhausted is returned under PolicyReject when the staging budget
// cannot hold a request. It is marked driver.ErrOutOfMemory.
var ErrStagingExhausted = errors.Mark(errors.New("upload: staging budget exhausted"), driver.ErrOutOfMemory)

const (
	// DefaultMaxInFlight is the number of batches that may be on the GPU.
	DefaultMaxInFlight = 4
	// DefaultAlignment is the staging offset alignment when the device
	// reports none.
	DefaultAlignment = 4

	maxBatch     = 64
	pollInterval = 500 * time.Microsecond
	waitStep     = time.Second
)

// Config configures a Queue.
type Config struct {
	Device driver.Device
	Queue  driver.Queue
	// Staging provides the host-visible memory for the staging buffer.
	Staging *memory.Pool
	// Budget is the staging buffer size in bytes.
	Budget      uint64
	Alignment   uint64
	MaxInFlight int
	Policy      Policy
	Logger      *slog.Logger
}

type request struct {
	ticket  *Ticket
	offset  uint64 // in the staging buffer
	size    uint64
	reserve int64

	dst       driver.Handle
	dstOffset uint64
	image     bool
	region    driver.BufferImageCopy
}

type batch struct {
	pool  driver.Handle
	cmd   driver.Handle
	fence driver.Handle
	reqs  []*request
	busy  bool
}

// Stats describes queue activity.
type Stats struct {
	Budget      uint64
	StagingUsed uint64
	Batches     uint64
	Completed   uint64
	Failed      uint64
	Bytes       uint64
	InFlight    int
}

// Queue is an asynchronous upload queue. It is safe for concurrent use.
type Queue struct {
	dev    driver.Device
	queue  driver.Queue
	cfg    Config
	logger *slog.Logger

	budget  *semaphore.Weighted
	staging driver.Handle
	alloc   *memory.Allocation

	// mu guards the staging free list and the retired channel.
	mu      sync.Mutex
	free    *memory.FreeList
	retired chan struct{}

	// sendMu orders request sends against Close.
	sendMu sync.RWMutex
	closed bool

	reqs    chan *request
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}

	// Worker-owned.
	batches []*batch
	next    int

	batchCount atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	bytes      atomic.Uint64
	inFlight   atomic.Int64
}

// New creates the staging buffer, command pools and fences and starts the
// worker.
func New(cfg Config) (*Queue, error) {
	if cfg.Device == nil || cfg.Queue == nil || cfg.Staging == nil {
		return nil, errors.AssertionFailedf("upload: device, queue and staging pool are required")
	}
	if cfg.Budget == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "upload: zero staging budget")
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = DefaultAlignment
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	q := &Queue{
		dev:     cfg.Device,
		queue:   cfg.Queue,
		cfg:     cfg,
		logger:  cfg.Logger,
		budget:  semaphore.NewWeighted(int64(cfg.Budget)),
		free:    memory.NewFreeList(cfg.Budget),
		retired: make(chan struct{}),
		reqs:    make(chan *request, maxBatch),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := q.createObjects(); err != nil {
		q.destroy()
		return nil, err
	}

	go q.run()
	q.logger.Debug("upload queue started",
		"family", q.queue.Family(), "budget", cfg.Budget, "in_flight", cfg.MaxInFlight, "policy", cfg.Policy.String())
	return q, nil
}

// createObjects leaves every handle it failed to create null.
func (q *Queue) createObjects() error {
	staging, err := q.dev.CreateBuffer(&driver.BufferDesc{
		Label: "upload staging",
		Size:  q.cfg.Budget,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	})
	if err != nil {
		return errors.Wrap(err, "upload: create staging buffer")
	}
	q.staging = staging
	req, err := q.dev.BufferMemoryRequirements(q.staging)
	if err != nil {
		return errors.Wrap(err, "upload: staging requirements")
	}
	alloc, err := q.cfg.Staging.Allocate(req)
	if err != nil {
		return errors.Wrap(err, "upload: staging memory")
	}
	q.alloc = alloc
	if err := q.dev.BindBufferMemory(q.staging, q.alloc.Memory, q.alloc.Offset); err != nil {
		return errors.Wrap(err, "upload: bind staging memory")
	}

	family := q.queue.Family()
	for range q.cfg.MaxInFlight {
		b := &batch{}
		q.batches = append(q.batches, b)
		pool, err := q.dev.CreateCommandPool(family)
		if err != nil {
			return errors.Wrap(err, "upload: command pool")
		}
		b.pool = pool
		if b.cmd, err = q.dev.AllocateCommandBuffer(b.pool, driver.LevelPrimary); err != nil {
			return errors.Wrap(err, "upload: command buffer")
		}
		fence, err := q.dev.CreateFence(false)
		if err != nil {
			return errors.Wrap(err, "upload: fence")
		}
		b.fence = fence
	}
	return nil
}

// UploadBuffer copies data into dst at dstOffset.
func (q *Queue) UploadBuffer(ctx context.Context, dst driver.Handle, dstOffset uint64, data []byte) (*Ticket, error) {
	return q.enqueue(ctx, &request{dst: dst, dstOffset: dstOffset}, data)
}

// UploadImage copies data into the image region. region.BufferOffset is
// ignored.
func (q *Queue) UploadImage(ctx context.Context, dst driver.Handle, region driver.BufferImageCopy, data []byte) (*Ticket, error) {
	return q.enqueue(ctx, &request{dst: dst, image: true, region: region}, data)
}

func (q *Queue) enqueue(ctx context.Context, r *request, data []byte) (*Ticket, error) {
	size := uint64(len(data))
	switch {
	case r.dst == driver.NullHandle:
		return nil, driver.Errorf(driver.ErrInvalidArgument, "upload: null destination")
	case size == 0:
		return nil, driver.Errorf(driver.ErrInvalidArgument, "upload: empty upload")
	case size > q.cfg.Budget:
		return nil, driver.Errorf(driver.ErrInvalidArgument,
			"upload: %d bytes exceed the staging budget of %d", size, q.cfg.Budget)
	}
	r.size = size
	r.reserve = int64(min(size+q.cfg.Alignment-1, q.cfg.Budget))

	// Close waits for in-progress enqueues before stopping the worker.
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		return nil, errors.AssertionFailedf("upload: queue closed")
	}

	if err := q.admit(ctx, r.reserve); err != nil {
		return nil, err
	}
	offset, err := q.reserveRange(ctx, size)
	if err != nil {
		q.budget.Release(r.reserve)
		return nil, err
	}
	r.offset = offset
	if err := q.alloc.Write(offset, data); err != nil {
		q.releaseRange(r)
		return nil, errors.Wrap(err, "upload: write staging")
	}

	r.ticket = newTicket(size)
	q.reqs <- r
	return r.ticket, nil
}

func (q *Queue) admit(ctx context.Context, n int64) error {
	if q.cfg.Policy == PolicyReject {
		if !q.budget.TryAcquire(n) {
			return ErrStagingExhausted
		}
		return nil
	}
	if err := q.budget.Acquire(ctx, n); err != nil {
		return errors.Wrap(err, "upload: waiting for staging space")
	}
	return nil
}

// reserveRange finds a contiguous staging range. Admission guarantees the
// bytes exist but fragmentation can still defer the range until a batch
// retires.
func (q *Queue) reserveRange(ctx context.Context, size uint64) (uint64, error) {
	for {
		q.mu.Lock()
		offset, ok := q.free.Allocate(size, q.cfg.Alignment)
		retired := q.retired
		q.mu.Unlock()
		if ok {
			return offset, nil
		}
		if q.cfg.Policy == PolicyReject {
			return 0, ErrStagingExhausted
		}
		select {
		case <-retired:
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "upload: waiting for staging space")
		}
	}
}

func (q *Queue) releaseRange(r *request) {
	q.mu.Lock()
	q.free.Free(r.offset, r.size)
	close(q.retired)
	q.retired = make(chan struct{})
	q.mu.Unlock()
	q.budget.Release(r.reserve)
}

// Flush waits until every upload enqueued before the call has completed.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case q.flushes <- done:
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for all in-flight uploads and destroys the queue's objects.
// Uploads after Close fail.
func (q *Queue) Close() {
	q.sendMu.Lock()
	if q.closed {
		q.sendMu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.sendMu.Unlock()

	<-q.done
	q.destroy()
	q.logger.Debug("upload queue closed", "batches", q.batchCount.Load(), "bytes", q.bytes.Load())
}

func (q *Queue) destroy() {
	for _, b := range q.batches {
		if b.fence != driver.NullHandle {
			q.dev.Destroy(driver.KindFence, b.fence)
		}
		if b.pool != driver.NullHandle {
			q.dev.Destroy(driver.KindCommandPool, b.pool)
		}
	}
	q.batches = nil
	if q.staging != driver.NullHandle {
		q.dev.Destroy(driver.KindBuffer, q.staging)
		q.staging = driver.NullHandle
	}
	if q.alloc != nil {
		if err := q.cfg.Staging.Free(q.alloc); err != nil {
			q.logger.Error("upload: free staging memory", "err", err)
		}
		q.alloc = nil
	}
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	used := q.free.Used()
	q.mu.Unlock()
	return Stats{
		Budget:      q.cfg.Budget,
		StagingUsed: used,
		Batches:     q.batchCount.Load(),
		Completed:   q.completed.Load(),
		Failed:      q.failed.Load(),
		Bytes:       q.bytes.Load(),
		InFlight:    int(q.inFlight.Load()),
	}
}

// Policy returns the admission policy.
func (q *Queue) Policy() Policy { return q.cfg.Policy }

// Family returns the queue family uploads run on.
func (q *Queue) Family() uint32 { return q.queue.Family() }
