// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package broadcast implements a bounded, lossy fan-out channel.
//
// A Channel delivers every sent value to every subscriber that keeps up.
// Each subscriber owns a bounded buffer; when a slow subscriber's buffer
// overflows, the oldest pending value is dropped and the skip is surfaced
// on the next Recv. Senders never block.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer size used by New.
const DefaultCapacity = 1000

// ErrClosed is returned by Recv after the receiver has been closed.
var ErrClosed = errors.New("broadcast: receiver closed")

// Channel is a multi-producer, multi-subscriber lossy broadcast channel.
type Channel[T any] struct {
	mu       sync.RWMutex
	capacity int
	subs     map[*Receiver[T]]struct{}
}

// New creates a channel whose subscribers buffer up to capacity values.
// A non-positive capacity falls back to DefaultCapacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel[T]{
		capacity: capacity,
		subs:     make(map[*Receiver[T]]struct{}),
	}
}

// Send delivers v to all current subscribers. It never blocks: a subscriber
// whose buffer is full loses its oldest pending value instead.
func (c *Channel[T]) Send(v T) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for r := range c.subs {
		select {
		case r.ch <- v:
			continue
		default:
		}

		// Buffer full. Drop the oldest pending value, then retry once.
		// A concurrent Recv may have drained the buffer in between, so
		// both selects stay non-blocking.
		select {
		case <-r.ch:
			r.skipped.Add(1)
		default:
		}
		select {
		case r.ch <- v:
		default:
			r.skipped.Add(1)
		}
	}
}

// Subscribe registers a new receiver. The receiver observes only values
// sent after subscription. Callers must Close the receiver when done.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{
		ch:     make(chan T, c.capacity),
		parent: c,
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[r] = struct{}{}
	c.mu.Unlock()
	return r
}

// Subscribers returns the current subscriber count.
func (c *Channel[T]) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Receiver is one subscriber's view of a Channel.
type Receiver[T any] struct {
	ch        chan T
	parent    *Channel[T]
	skipped   atomic.Uint64
	closeOnce sync.Once
	closed    chan struct{}
}

// Recv blocks until a value is available, the context is done, or the
// receiver is closed. The returned skipped count is the number of values
// dropped since the previous Recv; a non-zero count signals lag.
func (r *Receiver[T]) Recv(ctx context.Context) (T, uint64, error) {
	var zero T
	select {
	case v := <-r.ch:
		return v, r.skipped.Swap(0), nil
	case <-ctx.Done():
		return zero, r.skipped.Swap(0), ctx.Err()
	case <-r.closed:
		return zero, r.skipped.Swap(0), ErrClosed
	}
}

// Chan exposes the receive buffer for use in select loops. Pair with
// Skipped to observe lag when consuming directly.
func (r *Receiver[T]) Chan() <-chan T {
	return r.ch
}

// Skipped returns and resets the number of values dropped due to lag.
func (r *Receiver[T]) Skipped() uint64 {
	return r.skipped.Swap(0)
}

// Close unsubscribes the receiver. Safe to call more than once.
func (r *Receiver[T]) Close() {
	r.closeOnce.Do(func() {
		r.parent.mu.Lock()
		delete(r.parent.subs, r)
		r.parent.mu.Unlock()
		close(r.closed)
	})
}
