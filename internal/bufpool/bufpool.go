// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers wire lines are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer the default pool keeps.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and drops any that grew past maxCap, so one
// oversized route table does not pin memory for every later encode.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New returns a pool keeping buffers of at most maxCap bytes.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

// Encode runs fn against a pooled buffer and returns a copy of what it wrote.
// The buffer goes back to the pool whether or not fn fails.
func (p *Pool) Encode(fn func(*bytes.Buffer) error) ([]byte, error) {
	b := p.Get()
	defer p.Put(b)
	if err := fn(b); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}

var lines = New(DefaultMaxCap)

// Get takes a buffer from the default pool.
func Get() *bytes.Buffer { return lines.Get() }

// Put returns a buffer to the default pool.
func Put(b *bytes.Buffer) { lines.Put(b) }

// Encode is Pool.Encode on the default pool.
func Encode(fn func(*bytes.Buffer) error) ([]byte, error) { return lines.Encode(fn) }
