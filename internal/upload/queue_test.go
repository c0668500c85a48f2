// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/driver/mock"
	"github.com/gogpu/rhi/internal/memory"
)

type fixture struct {
	dev   *mock.Device
	alloc *memory.Allocator
	q     *Queue
}

func newFixture(t *testing.T, budget uint64, policy Policy) *fixture {
	t.Helper()
	adapter := mock.NewAdapter(mock.DefaultConfig())
	d, err := adapter.CreateDevice(&driver.DeviceCreateInfo{
		Queues: []driver.QueueRequest{{Family: 0, Count: 1}, {Family: 1, Count: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	dev := d.(*mock.Device)

	alloc, err := memory.New(memory.Config{Device: dev, Properties: adapter.MemoryProperties()})
	if err != nil {
		t.Fatal(err)
	}
	pool, err := alloc.CreatePool(memory.PoolConfig{
		Name:     "upload",
		Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
	})
	if err != nil {
		t.Fatal(err)
	}
	copyQueue, err := dev.Queue(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	q, err := New(Config{Device: dev, Queue: copyQueue, Staging: pool, Budget: budget, Policy: policy})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dev.HoldFences(false)
		q.Close()
		alloc.Close()
		d.Close()
	})
	return &fixture{dev: dev, alloc: alloc, q: q}
}

func (f *fixture) buffer(t *testing.T, size uint64) driver.Handle {
	t.Helper()
	buf, err := f.dev.CreateBuffer(&driver.BufferDesc{Size: size, Usage: gputypes.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.dev.BufferMemoryRequirements(buf)
	al, err := f.alloc.Allocate(req, memory.AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.dev.BindBufferMemory(buf, al.Memory, al.Offset); err != nil {
		t.Fatal(err)
	}
	return buf
}

// waitPending blocks until the worker has submitted n batches.
func (f *fixture) waitPending(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.dev.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not submit %d batches", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUploadBufferRoundTrip(t *testing.T) {
	f := newFixture(t, 1<<16, PolicyBlock)
	dst := f.buffer(t, 4096)
	ctx := context.Background()

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 200)
	ticket, err := f.q.UploadBuffer(ctx, dst, 128, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := ticket.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	got, err := f.dev.ReadBuffer(dst, 128, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("destination does not hold the uploaded bytes")
	}

	s := f.q.Stats()
	if s.Completed != 1 || s.Bytes != uint64(len(data)) || s.StagingUsed != 0 {
		t.Errorf("Stats = %+v", s)
	}
	if f.q.Family() != 1 {
		t.Errorf("uploads run on family %d, want the copy family", f.q.Family())
	}
}

func TestUploadImage(t *testing.T) {
	f := newFixture(t, 1<<16, PolicyBlock)
	img, err := f.dev.CreateImage(&driver.ImageDesc{
		Dimension: gputypes.TextureDimension2D,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Width:     4, Height: 4, DepthOrLayers: 1, MipLevels: 1, Samples: 1,
		Usage: gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := f.q.UploadImage(context.Background(), img,
		driver.BufferImageCopy{BytesPerRow: 16, Width: 4, Height: 4, Depth: 1}, make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ticket.Done():
	default:
		t.Fatal("ticket not done after Flush")
	}
	if f.dev.ImageCopies() != 1 {
		t.Errorf("ImageCopies = %d, want 1", f.dev.ImageCopies())
	}
}

func TestRejectPolicy(t *testing.T) {
	f := newFixture(t, 4096, PolicyReject)
	dst := f.buffer(t, 8192)
	ctx := context.Background()
	f.dev.HoldFences(true)

	first, err := f.q.UploadBuffer(ctx, dst, 0, make([]byte, 4096))
	if err != nil {
		t.Fatal(err)
	}
	f.waitPending(t, 1)

	_, err = f.q.UploadBuffer(ctx, dst, 4096, make([]byte, 16))
	if !errors.Is(err, ErrStagingExhausted) {
		t.Fatalf("second upload = %v, want ErrStagingExhausted", err)
	}
	if !errors.Is(err, driver.ErrOutOfMemory) {
		t.Errorf("ErrStagingExhausted is not marked OutOfMemory")
	}

	f.dev.HoldFences(false)
	if err := first.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	third, err := f.q.UploadBuffer(ctx, dst, 4096, make([]byte, 16))
	if err != nil {
		t.Fatalf("upload after retire = %v", err)
	}
	if err := third.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestBlockPolicyWaitsForRetire(t *testing.T) {
	f := newFixture(t, 4096, PolicyBlock)
	dst := f.buffer(t, 8192)
	ctx := context.Background()
	f.dev.HoldFences(true)

	if _, err := f.q.UploadBuffer(ctx, dst, 0, make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	f.waitPending(t, 1)

	type result struct {
		ticket *Ticket
		err    error
	}
	out := make(chan result, 1)
	go func() {
		ticket, err := f.q.UploadBuffer(ctx, dst, 4096, []byte("blocked"))
		out <- result{ticket, err}
	}()

	select {
	case r := <-out:
		t.Fatalf("upload returned while budget exhausted: %v", r.err)
	case <-time.After(20 * time.Millisecond):
	}

	f.dev.HoldFences(false)
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if err := r.ticket.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked upload never admitted")
	}
	got, _ := f.dev.ReadBuffer(dst, 4096, 7)
	if string(got) != "blocked" {
		t.Errorf("destination = %q", got)
	}
}

func TestBlockPolicyHonorsContext(t *testing.T) {
	f := newFixture(t, 4096, PolicyBlock)
	dst := f.buffer(t, 8192)
	f.dev.HoldFences(true)

	if _, err := f.q.UploadBuffer(context.Background(), dst, 0, make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.q.UploadBuffer(ctx, dst, 4096, make([]byte, 8))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("upload = %v, want deadline exceeded", err)
	}
}

func TestInvalidUploads(t *testing.T) {
	f := newFixture(t, 4096, PolicyBlock)
	dst := f.buffer(t, 8192)
	ctx := context.Background()

	tests := []struct {
		name string
		dst  driver.Handle
		size int
	}{
		{"larger than budget", dst, 4097},
		{"empty", dst, 0},
		{"null destination", driver.NullHandle, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.q.UploadBuffer(ctx, tt.dst, 0, make([]byte, tt.size))
			if !errors.Is(err, driver.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestCloseDestroysObjects(t *testing.T) {
	f := newFixture(t, 4096, PolicyBlock)
	dst := f.buffer(t, 4096)
	if _, err := f.q.UploadBuffer(context.Background(), dst, 0, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	f.q.Close()

	if n := f.dev.Live(driver.KindFence); n != 0 {
		t.Errorf("%d fences survive Close", n)
	}
	if n := f.dev.Live(driver.KindCommandPool); n != 0 {
		t.Errorf("%d command pools survive Close", n)
	}
	if _, err := f.q.UploadBuffer(context.Background(), dst, 0, make([]byte, 64)); !errors.IsAssertionFailure(err) {
		t.Errorf("upload after Close = %v", err)
	}
	if m := f.dev.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestNewReleasesObjectsOnFailure(t *testing.T) {
	for _, op := range []string{"CreateBuffer", "CreateCommandPool", "AllocateCommandBuffer", "CreateFence"} {
		t.Run(op, func(t *testing.T) {
			adapter := mock.NewAdapter(mock.DefaultConfig())
			d, err := adapter.CreateDevice(&driver.DeviceCreateInfo{
				Queues: []driver.QueueRequest{{Family: 0, Count: 1}, {Family: 1, Count: 1}},
			})
			if err != nil {
				t.Fatal(err)
			}
			dev := d.(*mock.Device)
			defer dev.Close()
			alloc, err := memory.New(memory.Config{Device: dev, Properties: adapter.MemoryProperties()})
			if err != nil {
				t.Fatal(err)
			}
			defer alloc.Close()
			pool, err := alloc.CreatePool(memory.PoolConfig{
				Name:     "upload",
				Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
			})
			if err != nil {
				t.Fatal(err)
			}
			copyQueue, err := dev.Queue(1, 0)
			if err != nil {
				t.Fatal(err)
			}

			adapter.FailNext(op, nil)
			q, err := New(Config{Device: dev, Queue: copyQueue, Staging: pool, Budget: 4096, MaxInFlight: 2})
			if q != nil || !errors.Is(err, driver.ErrFailed) {
				t.Fatalf("New = %v, %v; want a driver failure", q, err)
			}
			for _, kind := range []driver.ObjectKind{driver.KindBuffer, driver.KindCommandPool, driver.KindFence} {
				if n := dev.Live(kind); n != 0 {
					t.Errorf("%d objects of kind %v survive the failed New", n, kind)
				}
			}
			if pool.Used() != 0 {
				t.Errorf("staging pool still holds %d bytes", pool.Used())
			}
			if m := dev.Misuse(); len(m) != 0 {
				t.Errorf("misuse: %v", m)
			}
		})
	}
}

func TestAfterDoneRunsOnCompletion(t *testing.T) {
	f := newFixture(t, 4096, PolicyBlock)
	dst := f.buffer(t, 4096)
	f.dev.HoldFences(true)

	ticket, err := f.q.UploadBuffer(context.Background(), dst, 0, make([]byte, 128))
	if err != nil {
		t.Fatal(err)
	}
	ran := make(chan struct{})
	ticket.AfterDone(func() {
		select {
		case <-ticket.Done():
			t.Error("AfterDone ran after Done was closed")
		default:
		}
		close(ran)
	})
	select {
	case <-ran:
		t.Fatal("AfterDone ran before the upload finished")
	default:
	}

	f.dev.HoldFences(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ticket.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("AfterDone did not run by the time Wait returned")
	}

	late := false
	ticket.AfterDone(func() { late = true })
	if !late {
		t.Error("AfterDone on a finished ticket did not run immediately")
	}
}
