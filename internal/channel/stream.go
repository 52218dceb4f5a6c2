package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrReceiverGone is returned to a producer whose consumer abandoned the stream.
var ErrReceiverGone = errors.New("stream receiver is gone")

// StreamStats counts traffic through a Stream.
type StreamStats struct {
	Sent    int64
	Aborted int64
}

// Stream is a bounded, multi-producer single-consumer queue. Producers block
// while it is full. The consumer can abandon it, after which every Send fails
// with ErrReceiverGone instead of blocking forever.
type Stream[T any] struct {
	ch        chan T
	abandoned chan struct{}
	abandon   sync.Once
	closeOnce sync.Once

	sent    atomic.Int64
	aborted atomic.Int64
}

func NewStream[T any](buffer int) *Stream[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream[T]{
		ch:        make(chan T, buffer),
		abandoned: make(chan struct{}),
	}
}

// Send enqueues v, waiting for room.
func (s *Stream[T]) Send(ctx context.Context, v T) error {
	select {
	case <-s.abandoned:
		s.aborted.Add(1)
		return ErrReceiverGone
	default:
	}

	select {
	case s.ch <- v:
		s.sent.Add(1)
		return nil
	case <-s.abandoned:
		s.aborted.Add(1)
		return ErrReceiverGone
	case <-ctx.Done():
		s.aborted.Add(1)
		return ctx.Err()
	}
}

// C is the receiving side. It is closed once the producers are done.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Close is called by the producing side once no more values will be sent.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Abandon tells producers that nobody will read any more.
func (s *Stream[T]) Abandon() {
	s.abandon.Do(func() { close(s.abandoned) })
}

// Abandoned reports whether the consumer has gone away.
func (s *Stream[T]) Abandoned() bool {
	select {
	case <-s.abandoned:
		return true
	default:
		return false
	}
}

func (s *Stream[T]) Len() int {
	return len(s.ch)
}

func (s *Stream[T]) Cap() int {
	return cap(s.ch)
}

// Remaining is the number of free slots.
func (s *Stream[T]) Remaining() int {
	return cap(s.ch) - len(s.ch)
}

// Occupancy matches metrics.Occupancy.
func (s *Stream[T]) Occupancy() (int, int) {
	return len(s.ch), cap(s.ch)
}

func (s *Stream[T]) Stats() StreamStats {
	return StreamStats{Sent: s.sent.Load(), Aborted: s.aborted.Load()}
}
