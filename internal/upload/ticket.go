package upload

import (
	"context"
	"sync"
)

// Ticket tracks one upload until the GPU has consumed its staging data.
type Ticket struct {
	size uint64
	done chan struct{}

	mu       sync.Mutex
	finished bool
	err      error
	after    []func()
}

func newTicket(size uint64) *Ticket {
	return &Ticket{size: size, done: make(chan struct{})}
}

// complete runs the AfterDone functions before Done is closed.
func (t *Ticket) complete(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished, t.err = true, err
	after := t.after
	t.after = nil
	t.mu.Unlock()

	for _, f := range after {
		f()
	}
	close(t.done)
}

// AfterDone arranges for f to run once the upload has completed or failed,
// on the goroutine completing it. If the ticket is already done f runs
// immediately.
func (t *Ticket) AfterDone(f func()) {
	t.mu.Lock()
	if !t.finished {
		t.after = append(t.after, f)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	f()
}

// Size returns the number of bytes uploaded.
func (t *Ticket) Size() uint64 { return t.size }

// Done is closed once the upload has completed or failed.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the upload error. It is nil until Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the upload completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
