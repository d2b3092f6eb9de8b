// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the broadcast ring that fans live items out to
// subscribers.
//
// RingBuffer is a lock-free SPMC (Single-Producer-Multi-Consumer) broadcast
// ring. One producer appends; any number of consumers read the live tail
// through their own cursor. Consumers never block the producer and never
// consume on behalf of each other: an item stays in the ring until a newer
// item overwrites its slot or it ages past MaxAge.
//
// Key properties:
// - Single producer (Add)
// - Unbounded consumers, O(1) state each
// - Fixed capacity, memory independent of consumer count
// - Slots hold immutable entries stamped with their sequence, so readers
//   validate instead of lock
// - Lossy: a slow consumer skips what was evicted and resumes at the tail
package queue

import (
	"sync/atomic"
	"time"

	"github.com/absmach/fluxhub/clock"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Config holds ring sizing and eviction settings.
type Config struct {
	// Capacity is the number of slots. Zero selects DefaultCapacity.
	Capacity uint64

	// MaxAge evicts items older than this regardless of capacity.
	// Zero disables age eviction.
	MaxAge time.Duration
}

// entry is one published slot value. Entries are never mutated after
// publication; the producer replaces them wholesale.
type entry[T any] struct {
	seq        uint64
	insertedAt int64
	item       T
}

// RingBuffer is the broadcast ring. The zero value is not usable; use New.
type RingBuffer[T any] struct {
	slots    []atomic.Pointer[entry[T]]
	capacity uint64
	maxAge   int64
	clock    clock.Clock

	// Cache-line padding keeps the hot producer counter off the line holding
	// the read-mostly fields above.
	_padding1 [7]uint64

	// tail is the sequence the next Add will assign. Written only by the
	// producer, after the slot is published.
	tail      atomic.Uint64
	_padding2 [7]uint64
}

// New creates a ring with the given configuration. A nil clock selects the
// real wall clock.
func New[T any](cfg Config, clk clock.Clock) *RingBuffer[T] {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &RingBuffer[T]{
		slots:    make([]atomic.Pointer[entry[T]], capacity),
		capacity: capacity,
		maxAge:   int64(cfg.MaxAge),
		clock:    clk,
	}
}

// Add appends an item (producer operation). It overwrites whatever occupied
// the slot one capacity behind and never waits on consumers.
//
// Add must only be called from one goroutine at a time.
func (rb *RingBuffer[T]) Add(item T) uint64 {
	seq := rb.tail.Load()

	rb.slots[seq%rb.capacity].Store(&entry[T]{
		seq:        seq,
		insertedAt: rb.clock.Now().UnixNano(),
		item:       item,
	})

	// Publish after the slot so a reader that sees seq+1 finds the slot written.
	rb.tail.Store(seq + 1)

	return seq
}

// NewConsumer returns a cursor positioned at the producer's current sequence.
// It sees only items added after this call.
func (rb *RingBuffer[T]) NewConsumer() *Consumer[T] {
	return &Consumer[T]{
		ring: rb,
		next: rb.tail.Load(),
	}
}

// Sequence returns the sequence the next Add will assign, which is also the
// total number of items ever added.
func (rb *RingBuffer[T]) Sequence() uint64 {
	return rb.tail.Load()
}

// Len returns the number of occupied slots, ignoring age.
func (rb *RingBuffer[T]) Len() int {
	tail := rb.tail.Load()
	if tail < rb.capacity {
		return int(tail)
	}
	return int(rb.capacity)
}

// Cap returns the capacity of the ring.
func (rb *RingBuffer[T]) Cap() int {
	return int(rb.capacity)
}

// MaxAge returns the age eviction bound, zero when disabled.
func (rb *RingBuffer[T]) MaxAge() time.Duration {
	return time.Duration(rb.maxAge)
}

// oldest returns the lowest sequence still resident for the given tail.
func (rb *RingBuffer[T]) oldest(tail uint64) uint64 {
	if tail < rb.capacity {
		return 0
	}
	return tail - rb.capacity
}

func (rb *RingBuffer[T]) stale(e *entry[T]) bool {
	if rb.maxAge <= 0 {
		return false
	}
	return rb.clock.Now().UnixNano()-e.insertedAt > rb.maxAge
}

// Consumer is one subscriber's cursor. It is owned by a single goroutine and
// is not safe for concurrent use; distinct consumers are fully independent.
// Dropping a consumer needs no cleanup.
type Consumer[T any] struct {
	ring    *RingBuffer[T]
	next    uint64
	dropped uint64
}

// Peek returns the next observable item without consuming it. It returns
// false when the cursor is caught up with the producer.
//
// Items the cursor can no longer observe, because their slot was overwritten
// or they aged out, are skipped and counted in Dropped.
func (c *Consumer[T]) Peek() (T, bool) {
	rb := c.ring
	for {
		tail := rb.tail.Load()
		if c.next >= tail {
			var zero T
			return zero, false
		}

		// Fell behind by more than a lap: jump to the oldest retained sequence.
		if tail-c.next > rb.capacity {
			c.skipTo(rb.oldest(tail))
			continue
		}

		e := rb.slots[c.next%rb.capacity].Load()
		if e == nil || e.seq != c.next {
			// Overwritten between the tail load and the slot load.
			c.skipTo(max(c.next+1, rb.oldest(rb.tail.Load())))
			continue
		}
		if rb.stale(e) {
			c.skipTo(c.next + 1)
			continue
		}

		return e.item, true
	}
}

// Seek marks the current item consumed for this cursor only. It is a no-op
// when the cursor is caught up.
func (c *Consumer[T]) Seek() {
	if c.next < c.ring.tail.Load() {
		c.next++
	}
}

// Position returns the sequence this cursor will read next.
func (c *Consumer[T]) Position() uint64 {
	return c.next
}

// Lag returns how many items the producer is ahead of this cursor.
func (c *Consumer[T]) Lag() uint64 {
	tail := c.ring.tail.Load()
	if c.next >= tail {
		return 0
	}
	return tail - c.next
}

// Dropped returns how many sequences this cursor skipped because they were
// evicted before it read them.
func (c *Consumer[T]) Dropped() uint64 {
	return c.dropped
}

func (c *Consumer[T]) skipTo(seq uint64) {
	if seq <= c.next {
		return
	}
	c.dropped += seq - c.next
	c.next = seq
}
