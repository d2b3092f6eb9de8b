// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	p := New(0)
	b := p.Get()
	b.WriteString("hello")
	p.Put(b)

	b2 := p.Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	p.Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	p := New(16)
	b := p.Get()
	b.Grow(17)
	p.Put(b) // discarded, not pooled
	p.Put(nil)
}

func TestEncodeCopiesOutput(t *testing.T) {
	out, err := Encode(func(b *bytes.Buffer) error {
		b.WriteString("{\"_c\":\"Hello\"}\n")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A later encode reusing the same buffer must not alter earlier results.
	if _, err := Encode(func(b *bytes.Buffer) error {
		b.WriteString("0\n")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if string(out) != "{\"_c\":\"Hello\"}\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestEncodeError(t *testing.T) {
	errBoom := errors.New("boom")
	out, err := Encode(func(b *bytes.Buffer) error {
		b.WriteString("partial")
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if out != nil {
		t.Fatalf("expected no output, got %q", out)
	}
}

func TestConcurrentEncode(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Encode(func(b *bytes.Buffer) error {
				b.WriteString("concurrent test data")
				return nil
			})
			if err != nil || string(out) != "concurrent test data" {
				t.Errorf("unexpected result %q, %v", out, err)
			}
		}()
	}
	wg.Wait()
}
