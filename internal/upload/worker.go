// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package upload

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

// run is the worker loop. It owns the batch ring.
func (q *Queue) run() {
	defer close(q.done)

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		var poll <-chan time.Time
		if q.inFlight.Load() > 0 {
			timer.Reset(pollInterval)
			poll = timer.C
		}

		select {
		case r := <-q.reqs:
			q.submit(q.gather(r))
		case done := <-q.flushes:
			q.submitQueued()
			q.drain()
			close(done)
		case <-poll:
		case <-q.stop:
			q.submitQueued()
			q.drain()
			return
		}
		q.retireSignaled()
	}
}

// gather collects r and whatever else is already queued, up to maxBatch.
func (q *Queue) gather(r *request) []*request {
	reqs := []*request{r}
	for len(reqs) < maxBatch {
		select {
		case r := <-q.reqs:
			reqs = append(reqs, r)
		default:
			return reqs
		}
	}
	return reqs
}

func (q *Queue) submitQueued() {
	for {
		select {
		case r := <-q.reqs:
			q.submit(q.gather(r))
		default:
			return
		}
	}
}

// submit records reqs into the next batch of the ring and submits it. When
// the ring is full the oldest batch is waited for first.
func (q *Queue) submit(reqs []*request) {
	b := q.batches[q.next]
	q.next = (q.next + 1) % len(q.batches)
	if b.busy {
		q.wait(b)
	}

	if err := q.record(b, reqs); err != nil {
		q.logger.Error("upload batch failed", "requests", len(reqs), "err", err)
		q.finish(reqs, err)
		return
	}
	b.reqs = reqs
	b.busy = true
	q.inFlight.Add(1)
	q.batchCount.Add(1)
}

func (q *Queue) record(b *batch, reqs []*request) error {
	if err := q.dev.ResetCommandPool(b.pool); err != nil {
		return errors.Wrap(err, "upload: reset command pool")
	}
	if err := q.dev.BeginCommandBuffer(b.cmd); err != nil {
		return errors.Wrap(err, "upload: begin")
	}
	for _, r := range reqs {
		var err error
		if r.image {
			region := r.region
			region.BufferOffset = r.offset
			err = q.dev.CmdCopyBufferToImage(b.cmd, q.staging, r.dst, []driver.BufferImageCopy{region})
		} else {
			err = q.dev.CmdCopyBuffer(b.cmd, q.staging, r.dst, []driver.BufferCopy{{
				SrcOffset: r.offset,
				DstOffset: r.dstOffset,
				Size:      r.size,
			}})
		}
		if err != nil {
			_ = q.dev.EndCommandBuffer(b.cmd)
			return errors.Wrap(err, "upload: record copy")
		}
	}
	if err := q.dev.EndCommandBuffer(b.cmd); err != nil {
		return errors.Wrap(err, "upload: end")
	}
	if err := q.queue.Submit(&driver.SubmitInfo{CommandBuffers: []driver.Handle{b.cmd}, Fence: b.fence}); err != nil {
		return errors.Wrap(err, "upload: submit")
	}
	return nil
}

// retireSignaled retires busy batches whose fence has signaled.
func (q *Queue) retireSignaled() {
	for _, b := range q.batches {
		if !b.busy {
			continue
		}
		ok, err := q.dev.FenceSignaled(b.fence)
		if err != nil {
			q.retire(b, errors.Wrap(err, "upload: fence status"))
			continue
		}
		if ok {
			q.retire(b, nil)
		}
	}
}

// drain waits for every busy batch.
func (q *Queue) drain() {
	for _, b := range q.batches {
		if b.busy {
			q.wait(b)
		}
	}
}

func (q *Queue) wait(b *batch) {
	for {
		ok, err := q.dev.WaitFences([]driver.Handle{b.fence}, waitStep)
		if err != nil {
			q.retire(b, errors.Wrap(err, "upload: wait fence"))
			return
		}
		if ok {
			q.retire(b, nil)
			return
		}
		q.logger.Warn("upload batch still in flight", "waited", waitStep, "requests", len(b.reqs))
	}
}

func (q *Queue) retire(b *batch, err error) {
	if rerr := q.dev.ResetFence(b.fence); rerr != nil && err == nil {
		err = errors.Wrap(rerr, "upload: reset fence")
	}
	reqs := b.reqs
	b.reqs = nil
	b.busy = false
	q.inFlight.Add(-1)
	q.finish(reqs, err)
}

// finish frees the staging ranges of reqs and completes their tickets.
func (q *Queue) finish(reqs []*request, err error) {
	for _, r := range reqs {
		q.releaseRange(r)
		if err != nil {
			q.failed.Add(1)
		} else {
			q.completed.Add(1)
			q.bytes.Add(r.size)
		}
		r.ticket.complete(err)
	}
}
