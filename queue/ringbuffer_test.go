// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxhub/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](c *Consumer[T]) []T {
	var out []T
	for {
		v, ok := c.Peek()
		if !ok {
			return out
		}
		out = append(out, v)
		c.Seek()
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		expected int
	}{
		{"explicit", 3, 3},
		{"non-power of 2 kept exact", 1000, 1000},
		{"zero selects default", 0, DefaultCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := New[int](Config{Capacity: tt.capacity}, nil)
			assert.Equal(t, tt.expected, rb.Cap())
			assert.Equal(t, 0, rb.Len())
			assert.Equal(t, uint64(0), rb.Sequence())
		})
	}
}

func TestRingBuffer_AppendOrder(t *testing.T) {
	rb := New[int](Config{Capacity: 16}, nil)
	c := rb.NewConsumer()

	for i := 0; i < 10; i++ {
		assert.Equal(t, uint64(i), rb.Add(i))
	}

	got := drain(c)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Equal(t, uint64(0), c.Dropped())

	_, ok := c.Peek()
	assert.False(t, ok)
}

func TestRingBuffer_PeekIsNonDestructive(t *testing.T) {
	rb := New[string](Config{Capacity: 4}, nil)
	c := rb.NewConsumer()
	rb.Add("a")

	for i := 0; i < 3; i++ {
		v, ok := c.Peek()
		require.True(t, ok)
		assert.Equal(t, "a", v)
	}

	c.Seek()
	_, ok := c.Peek()
	assert.False(t, ok)
}

func TestRingBuffer_SeekWhenCaughtUp(t *testing.T) {
	rb := New[int](Config{Capacity: 4}, nil)
	c := rb.NewConsumer()

	c.Seek()
	c.Seek()
	assert.Equal(t, uint64(0), c.Position())

	rb.Add(7)
	v, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestRingBuffer_NoBacklogForLateConsumer(t *testing.T) {
	rb := New[int](Config{Capacity: 8}, nil)
	for i := 0; i < 5; i++ {
		rb.Add(i)
	}

	c := rb.NewConsumer()
	_, ok := c.Peek()
	assert.False(t, ok, "late consumer must not see pre-existing items")

	rb.Add(100)
	assert.Equal(t, []int{100}, drain(c))
}

func TestRingBuffer_CapacityOverwrite(t *testing.T) {
	rb := New[string](Config{Capacity: 3}, nil)
	c := rb.NewConsumer()

	rb.Add("A")
	rb.Add("B")
	rb.Add("C")
	rb.Add("D") // overwrites A's slot

	assert.Equal(t, []string{"B", "C", "D"}, drain(c))
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, 3, rb.Len())
}

func TestRingBuffer_FarBehindResumesAtOldestRetained(t *testing.T) {
	rb := New[int](Config{Capacity: 4}, nil)
	c := rb.NewConsumer()

	for i := 0; i < 100; i++ {
		rb.Add(i)
	}
	assert.Equal(t, uint64(100), c.Lag())

	assert.Equal(t, []int{96, 97, 98, 99}, drain(c))
	assert.Equal(t, uint64(96), c.Dropped())
	assert.Equal(t, uint64(0), c.Lag())
}

func TestRingBuffer_OverwriteAfterPartialRead(t *testing.T) {
	rb := New[int](Config{Capacity: 3}, nil)
	c := rb.NewConsumer()

	rb.Add(0)
	rb.Add(1)
	v, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	c.Seek()

	for i := 2; i < 7; i++ {
		rb.Add(i)
	}

	// Sequences 1..3 were overwritten; resume at 4.
	assert.Equal(t, []int{4, 5, 6}, drain(c))
	assert.Equal(t, uint64(3), c.Dropped())
}

func TestRingBuffer_MaxAgeEviction(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rb := New[string](Config{Capacity: 16, MaxAge: 10 * time.Second}, clk)
	c := rb.NewConsumer()

	rb.Add("old-1")
	rb.Add("old-2")
	clk.Advance(8 * time.Second)
	rb.Add("fresh")
	clk.Advance(3 * time.Second)

	// old-* are 11s old, fresh is 3s old.
	assert.Equal(t, []string{"fresh"}, drain(c))
	assert.Equal(t, uint64(2), c.Dropped())
}

func TestRingBuffer_MaxAgeBoundaryIsInclusive(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rb := New[int](Config{Capacity: 4, MaxAge: time.Second}, clk)
	c := rb.NewConsumer()

	rb.Add(1)
	clk.Advance(time.Second)

	v, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Nanosecond)
	_, ok = c.Peek()
	assert.False(t, ok)
}

func TestRingBuffer_MaxAgeDisabled(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rb := New[int](Config{Capacity: 4}, clk)
	c := rb.NewConsumer()

	rb.Add(1)
	clk.Advance(24 * time.Hour)

	assert.Equal(t, []int{1}, drain(c))
	assert.Equal(t, time.Duration(0), rb.MaxAge())
}

func TestRingBuffer_IndependentConsumers(t *testing.T) {
	rb := New[int](Config{Capacity: 8}, nil)
	a := rb.NewConsumer()
	b := rb.NewConsumer()

	for i := 1; i <= 5; i++ {
		rb.Add(i)
	}

	// Advancing a never moves b.
	v, ok := a.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	a.Seek()
	a.Seek()
	assert.Equal(t, uint64(2), a.Position())
	assert.Equal(t, uint64(0), b.Position())

	assert.Equal(t, []int{1, 2, 3, 4, 5}, drain(b))
	assert.Equal(t, []int{3, 4, 5}, drain(a))
}

func TestRingBuffer_ConcurrentConsumers(t *testing.T) {
	const (
		items     = 20000
		consumers = 8
	)

	rb := New[int](Config{Capacity: 64}, nil)

	cursors := make([]*Consumer[int], consumers)
	for i := range cursors {
		cursors[i] = rb.NewConsumer()
	}

	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(c *Consumer[int]) {
			defer wg.Done()
			last := -1
			for {
				v, ok := c.Peek()
				if !ok {
					select {
					case <-done:
						if c.Lag() == 0 {
							return
						}
					default:
					}
					continue
				}
				// Strict append order; gaps allowed, duplicates and reordering not.
				if v <= last {
					t.Errorf("out of order: got %d after %d", v, last)
					return
				}
				last = v
				c.Seek()
			}
		}(cursors[i])
	}

	for i := 0; i < items; i++ {
		rb.Add(i)
	}
	close(done)
	wg.Wait()

	for _, c := range cursors {
		assert.Equal(t, uint64(items), c.Position())
	}
}
