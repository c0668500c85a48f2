// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package release

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type tracked struct {
	destroyedAt *uint64
	frame       *uint64
}

func (o tracked) Destroy() { *o.destroyedAt = *o.frame }

// An object queued at frame N survives through frame N+L and is destroyed
// at N+L+1 when Collect runs at the start of every frame.
func TestReleaseLatency(t *testing.T) {
	const latency = 2
	q := New(latency, nil)

	var frame, destroyedAt uint64
	beginFrame := func() {
		frame++
		q.Collect(false)
	}

	beginFrame()
	beginFrame()
	queuedAt := frame
	q.QueueForRelease(tracked{destroyedAt: &destroyedAt, frame: &frame})

	for frame < queuedAt+latency {
		beginFrame()
		if destroyedAt != 0 {
			t.Fatalf("destroyed at frame %d, queued at %d with latency %d", destroyedAt, queuedAt, latency)
		}
	}
	beginFrame()
	if destroyedAt != queuedAt+latency+1 {
		t.Errorf("destroyed at %d, want %d", destroyedAt, queuedAt+latency+1)
	}
	if q.Destroyed() != 1 || q.Pending() != 0 {
		t.Errorf("Destroyed=%d Pending=%d", q.Destroyed(), q.Pending())
	}
}

func TestReleaseForce(t *testing.T) {
	q := New(3, nil)
	n := 0
	for range 5 {
		q.QueueForRelease(Func(func() { n++ }))
	}
	q.QueueForRelease(nil)
	if q.Pending() != 5 {
		t.Fatalf("Pending = %d", q.Pending())
	}
	if got := q.Collect(true); got != 5 || n != 5 {
		t.Errorf("Collect(force) = %d, destroyed %d", got, n)
	}
}

func TestReleaseAfterClose(t *testing.T) {
	var buf bytes.Buffer
	q := New(2, slog.New(slog.NewTextHandler(&buf, nil)))
	n := 0
	q.QueueForRelease(Func(func() { n++ }))
	if got := q.Close(); got != 1 || n != 1 {
		t.Fatalf("Close destroyed %d (ran %d), want 1", got, n)
	}

	q.QueueForRelease(Func(func() { n++ }))
	if n != 1 || q.Pending() != 0 {
		t.Errorf("release after Close ran=%d pending=%d", n, q.Pending())
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d", q.Dropped())
	}
	if !strings.Contains(buf.String(), "released after shutdown") {
		t.Errorf("late release not logged: %q", buf.String())
	}
}
