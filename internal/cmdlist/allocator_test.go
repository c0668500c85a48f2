package cmdlist

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/driver/mock"
)

func newDevice(t *testing.T) *mock.Device {
	t.Helper()
	a := mock.NewAdapter(mock.DefaultConfig())
	d, err := a.CreateDevice(&driver.DeviceCreateInfo{Queues: []driver.QueueRequest{{Family: 0, Count: 1}, {Family: 1, Count: 1}}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Close)
	return d.(*mock.Device)
}

func TestNoAliasingAcrossFrames(t *testing.T) {
	const frames = 3
	dev := newDevice(t)
	a, err := New(dev, frames, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown()

	handedOut := make(map[driver.Handle]int)
	for frame := 0; frame < 4*frames; frame++ {
		if frame > 0 {
			if err := a.Collect(); err != nil {
				t.Fatalf("frame %d: Collect: %v", frame, err)
			}
		}
		seen := make(map[driver.Handle]bool)
		for i := 0; i < 3; i++ {
			for _, family := range []uint32{0, 1} {
				cmd, err := a.Allocate(family, driver.LevelPrimary)
				if err != nil {
					t.Fatalf("frame %d: Allocate: %v", frame, err)
				}
				if seen[cmd] {
					t.Fatalf("frame %d: command list %d returned twice", frame, cmd)
				}
				seen[cmd] = true
				if prev, ok := handedOut[cmd]; ok && frame-prev < frames {
					t.Fatalf("command list %d reused after %d frames, want >= %d", cmd, frame-prev, frames)
				}
				handedOut[cmd] = frame
			}
		}
	}

	// 3 lists x 2 families x 3 slots, all recycled after the first lap.
	if _, buffers := a.Stats(); buffers != 18 {
		t.Errorf("buffers = %d, want 18", buffers)
	}
}

func TestRecycledListsAreReset(t *testing.T) {
	dev := newDevice(t)
	a, _ := New(dev, 1, 1, nil)

	cmd, _ := a.Allocate(0, driver.LevelPrimary)
	if err := dev.BeginCommandBuffer(cmd); err != nil {
		t.Fatal(err)
	}
	_ = dev.EndCommandBuffer(cmd)
	q, _ := dev.Queue(0, 0)
	if err := q.Submit(&driver.SubmitInfo{CommandBuffers: []driver.Handle{cmd}}); err != nil {
		t.Fatal(err)
	}

	if err := a.Collect(); err != nil {
		t.Fatal(err)
	}
	again, _ := a.Allocate(0, driver.LevelPrimary)
	if again != cmd {
		t.Fatalf("got %d, want recycled %d", again, cmd)
	}
	if err := dev.BeginCommandBuffer(again); err != nil {
		t.Errorf("recycled list not ready for recording: %v", err)
	}
}

func TestCollectWhileInFlight(t *testing.T) {
	dev := newDevice(t)
	dev.HoldFences(true)
	a, _ := New(dev, 1, 1, nil)

	cmd, _ := a.Allocate(0, driver.LevelPrimary)
	_ = dev.BeginCommandBuffer(cmd)
	_ = dev.EndCommandBuffer(cmd)
	q, _ := dev.Queue(0, 0)
	_ = q.Submit(&driver.SubmitInfo{CommandBuffers: []driver.Handle{cmd}})

	if err := a.Collect(); !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("Collect with list in flight = %v", err)
	}
	dev.CompleteAll()
	if err := a.Collect(); err != nil {
		t.Errorf("Collect after completion = %v", err)
	}
}

func TestInvalidFamily(t *testing.T) {
	dev := newDevice(t)
	a, _ := New(dev, 2, 2, nil)
	if _, err := a.Allocate(7, driver.LevelPrimary); !errors.IsAssertionFailure(err) {
		t.Errorf("Allocate(family 7) = %v, want assertion failure", err)
	}
}

func TestShutdownDestroysPools(t *testing.T) {
	dev := newDevice(t)
	a, _ := New(dev, 2, 2, nil)
	_, _ = a.Allocate(0, driver.LevelPrimary)
	_, _ = a.Allocate(1, driver.LevelSecondary)
	_ = a.Collect()
	_, _ = a.Allocate(0, driver.LevelPrimary)

	if pools, _ := a.Stats(); pools != 3 {
		t.Fatalf("pools = %d, want 3", pools)
	}
	a.Shutdown()
	if n := dev.Live(driver.KindCommandPool); n != 0 {
		t.Errorf("%d command pools survive Shutdown", n)
	}
	if len(dev.Misuse()) != 0 {
		t.Errorf("misuse: %v", dev.Misuse())
	}
}
