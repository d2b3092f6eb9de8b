// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time sources used by the hub. Production code
// reads a coarse process-wide clock; tests inject a Fake and advance it by hand.
package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a source of the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

// Coarse is a clock whose value is refreshed on a fixed cadence instead of
// being read from the OS on every call. Now is a single atomic load, so
// sessions can check it on every loop iteration.
type Coarse struct {
	now        atomic.Int64
	resolution time.Duration
	source     Clock
	started    atomic.Bool
	startOnce  sync.Once
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// NewCoarse creates a coarse clock sampling source every resolution.
// Ticking does not begin until Start is called; until then Now returns the
// time observed at construction.
func NewCoarse(source Clock, resolution time.Duration) *Coarse {
	if source == nil {
		source = Real()
	}
	if resolution <= 0 {
		resolution = 500 * time.Millisecond
	}
	c := &Coarse{
		resolution: resolution,
		source:     source,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.now.Store(source.Now().UnixNano())
	return c
}

// Now returns the last sampled time.
func (c *Coarse) Now() time.Time {
	return time.Unix(0, c.now.Load())
}

// Resolution returns the sampling interval.
func (c *Coarse) Resolution() time.Duration {
	return c.resolution
}

// Start begins sampling in a background goroutine until ctx is done or Stop
// is called. Calling Start more than once has no effect.
func (c *Coarse) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run(ctx)
	})
}

// Stop halts sampling and waits for the goroutine to exit.
func (c *Coarse) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Coarse) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.now.Store(c.source.Now().UnixNano())
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Fake is a manually driven Clock for tests. It is safe for concurrent use.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
}

// NewFake returns a Fake set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.current = t
	f.mu.Unlock()
}
