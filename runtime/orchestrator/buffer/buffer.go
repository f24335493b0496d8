// Package buffer provides the bounded replay buffer that fans one producer's
// payloads out to any number of subscribers. A late subscriber receives
// everything published so far, in order, followed by subsequent live payloads,
// up to the first terminal payload.
//
// The buffer is the synchronization point between the executor task (single
// producer) and subscriber iterators (many consumers); it never blocks the
// producer.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
)

// DefaultCapacity bounds the number of retained payloads. When full, the
// oldest non-terminal payloads are dropped; nothing is dropped once a terminal
// payload has been published.
const DefaultCapacity = 2000

// ErrClosed is returned by Publish after the buffer has closed.
var ErrClosed = errors.New("buffer closed")

type (
	// Buffer is a bounded single-producer/multi-consumer replay buffer.
	Buffer struct {
		mu       sync.Mutex
		items    []payload.Payload
		base     int // absolute index of items[0]
		capacity int
		terminal bool
		closed   bool
		wake     chan struct{} // closed and replaced on every publish/close
	}

	// Subscription iterates the buffered payloads followed by live ones.
	Subscription struct {
		buf  *Buffer
		next int // absolute index of the next payload to deliver
	}
)

// New constructs a Buffer with the given capacity. Zero or negative uses
// DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, wake: make(chan struct{})}
}

// Publish appends p and wakes all waiting subscribers. Publishing a terminal
// payload closes the buffer after delivery. Publish never blocks; when the
// buffer is full the oldest payload is dropped instead.
func (b *Buffer) Publish(p payload.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.items) >= b.capacity && !b.terminal {
		b.items = b.items[1:]
		b.base++
	}
	b.items = append(b.items, p)
	if p.Terminal() {
		b.terminal = true
		b.closed = true
	}
	b.broadcast()
	return nil
}

// Close ends the stream without a terminal payload (shutdown path).
// Subscribers drain what is buffered and then observe end-of-stream.
// Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// Closed reports whether the buffer has stopped accepting payloads.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Terminal reports whether a terminal payload has been published.
func (b *Buffer) Terminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Len returns the number of currently retained payloads.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Subscribe returns an iterator positioned at the oldest retained payload.
func (b *Buffer) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{buf: b, next: b.base}
}

// broadcast wakes every waiter. Callers hold b.mu.
func (b *Buffer) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Next returns the next payload in publication order. It blocks until a
// payload is available, the stream ends (ok == false) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (payload.Payload, bool, error) {
	for {
		s.buf.mu.Lock()
		if s.next < s.buf.base {
			// Dropped behind the retention window; resume at the oldest.
			s.next = s.buf.base
		}
		if idx := s.next - s.buf.base; idx < len(s.buf.items) {
			p := s.buf.items[idx]
			s.next++
			s.buf.mu.Unlock()
			return p, true, nil
		}
		if s.buf.closed {
			s.buf.mu.Unlock()
			return nil, false, nil
		}
		wake := s.buf.wake
		s.buf.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wake:
		}
	}
}

// Drain collects every remaining payload until end-of-stream or ctx expiry.
// Intended for tests and batch consumers.
func (s *Subscription) Drain(ctx context.Context) ([]payload.Payload, error) {
	var out []payload.Payload
	for {
		p, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}
