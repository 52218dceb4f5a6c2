package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReceiverSeesNothingBeforeFirstStore(t *testing.T) {
	w := NewWatch[[]string]()
	rx := w.Subscribe()

	if _, ok := rx.Borrow(); ok {
		t.Fatalf("expected no value before the first store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rx.Changed(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLateSubscriberObservesLatestValue(t *testing.T) {
	w := NewWatch[int]()
	w.Store(1)
	w.Store(2)

	rx := w.Subscribe()
	v, err := rx.Changed(context.Background())
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected only the latest value, got %d", v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rx.Changed(ctx); err == nil {
		t.Fatalf("no further change expected")
	}
}

func TestChangedWakesWaitingReceivers(t *testing.T) {
	w := NewWatch[int]()
	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		rx := w.Subscribe()
		go func() {
			v, err := rx.Changed(context.Background())
			if err != nil {
				results <- -1
				return
			}
			results <- v
		}()
	}

	time.Sleep(10 * time.Millisecond)
	w.Store(7)

	for i := 0; i < 3; i++ {
		select {
		case v := <-results:
			if v != 7 {
				t.Fatalf("unexpected value %d", v)
			}
		case <-time.After(time.Second):
			t.Fatal("receiver not woken")
		}
	}
	if w.Version() != 1 {
		t.Fatalf("expected version 1, got %d", w.Version())
	}
}

func TestWaitFor(t *testing.T) {
	w := NewWatch[[]string]()
	rx := w.Subscribe()

	go func() {
		w.Store(nil)
		time.Sleep(5 * time.Millisecond)
		w.Store([]string{"BTCUSDT"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := rx.WaitFor(ctx, func(s []string) bool { return len(s) > 0 })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(v) != 1 || v[0] != "BTCUSDT" {
		t.Fatalf("unexpected value %v", v)
	}
}
