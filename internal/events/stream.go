// Package events provides the typed, buffered channels joining pipeline
// stages: source adapters to the analysis queue, and the trackers to the
// alert dispatcher. Each stream has a single consumer; publishing never
// blocks the producer.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 100

// Stream is a typed buffered event channel with one consumer. Overflow
// drops the newest event and counts it rather than blocking the producer.
type Stream[T any] struct {
	name      string
	ch        chan T
	dropped   atomic.Uint64
	published atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewStream creates a stream with the given buffer size (default 100).
func NewStream[T any](name string, buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream[T]{
		name: name,
		ch:   make(chan T, buffer),
	}
}

// Publish offers an event without blocking. Returns false when the buffer
// is full or the stream is closed; a slow consumer loses events rather
// than stalling discovery.
func (s *Stream[T]) Publish(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		s.published.Add(1)
		return true
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("event stream overflow",
				slog.String("stream", s.name),
				slog.Uint64("dropped", n))
		}
		return false
	}
}

// C returns the consumer side. The channel is closed by Close.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Close ends the stream; the consumer's range loop terminates once the
// buffer drains. Publish calls after Close are dropped.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Name returns the stream name.
func (s *Stream[T]) Name() string {
	return s.name
}

// Len returns the number of buffered, unconsumed events.
func (s *Stream[T]) Len() int {
	return len(s.ch)
}

// Published returns how many events were accepted.
func (s *Stream[T]) Published() uint64 {
	return s.published.Load()
}

// Dropped returns how many events were lost to overflow.
func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}
