package channel

import (
	"context"
	"sync"
)

// Watch holds the latest value of something and lets any number of receivers
// read it or wait for the next change. Older values are never queued.
type Watch[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

func NewWatch[T any]() *Watch[T] {
	return &Watch[T]{changed: make(chan struct{})}
}

// Store replaces the current value and wakes every waiting receiver.
func (w *Watch[T]) Store(v T) {
	w.mu.Lock()
	w.value = v
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Load returns the current value and false when nothing was stored yet.
func (w *Watch[T]) Load() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.version > 0
}

// Version counts the stores so far.
func (w *Watch[T]) Version() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Subscribe returns a receiver that has seen nothing yet, so a value stored
// before the call is reported as a change.
func (w *Watch[T]) Subscribe() *Receiver[T] {
	return &Receiver[T]{watch: w}
}

func (w *Watch[T]) snapshot() (T, uint64, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.version, w.changed
}

// Receiver tracks which version of a Watch its owner has observed.
// A Receiver is not safe for concurrent use; subscribe once per goroutine.
type Receiver[T any] struct {
	watch *Watch[T]
	seen  uint64
}

// Borrow returns the latest value without marking it seen.
func (r *Receiver[T]) Borrow() (T, bool) {
	return r.watch.Load()
}

// BorrowAndUpdate returns the latest value and marks it seen.
func (r *Receiver[T]) BorrowAndUpdate() (T, bool) {
	v, version, _ := r.watch.snapshot()
	r.seen = version
	return v, version > 0
}

// Changed blocks until a value newer than the last one seen is stored, then
// returns it and marks it seen.
func (r *Receiver[T]) Changed(ctx context.Context) (T, error) {
	for {
		v, version, changed := r.watch.snapshot()
		if version > r.seen {
			r.seen = version
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// WaitFor blocks until the latest value satisfies ok.
func (r *Receiver[T]) WaitFor(ctx context.Context, ok func(T) bool) (T, error) {
	if v, stored := r.BorrowAndUpdate(); stored && ok(v) {
		return v, nil
	}
	for {
		v, err := r.Changed(ctx)
		if err != nil {
			return v, err
		}
		if ok(v) {
			return v, nil
		}
	}
}
