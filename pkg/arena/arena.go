// Copyright 2024 The Fil Profiler Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package arena implements the profiler's own bookkeeping memory source.
// It reserves anonymous pages directly from the kernel, so recording an
// allocation never routes back through the allocator being intercepted.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// DefaultChunkSize is how much address space each mmap grabs at once.
	DefaultChunkSize = 4 * 1024 * 1024

	// DefaultSpareSize is the emergency reserve handed back to the kernel
	// when the host runs out of memory, so the dump itself has room to run.
	DefaultSpareSize = 16 * 1024 * 1024

	alignment = 8
)

// ErrExhausted is returned when the kernel refuses to grow the arena.
// Callers are expected to stop tracking and let the host program continue.
var ErrExhausted = errors.New("arena: cannot grow")

// Arena is a bump allocator over anonymous mappings. It is not safe for
// concurrent use; the session serializes access under its own lock.
type Arena struct {
	chunks    [][]byte
	current   []byte
	off       int
	chunkSize int

	spare []byte

	allocated uint64
	interned  map[string]string
}

// New returns an arena with the default chunk and spare-reserve sizes.
func New() (*Arena, error) {
	return NewWithSizes(DefaultChunkSize, DefaultSpareSize)
}

// NewWithSizes reserves the first chunk and the spare reserve up front, so
// a session that starts at all can always record at least some events.
func NewWithSizes(chunkSize, spareSize int) (*Arena, error) {
	a := &Arena{
		chunkSize: chunkSize,
		interned:  make(map[string]string),
	}
	if err := a.grow(chunkSize); err != nil {
		return nil, fmt.Errorf("arena: initial chunk: %w", err)
	}
	if spareSize > 0 {
		spare, err := mapAnon(spareSize)
		if err != nil {
			a.Release()
			return nil, fmt.Errorf("arena: spare reserve: %w", err)
		}
		a.spare = spare
	}
	return a, nil
}

func mapAnon(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Arena) grow(min int) error {
	size := a.chunkSize
	if min > size {
		size = min
	}
	b, err := mapAnon(size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	a.chunks = append(a.chunks, b)
	a.current = b
	a.off = 0
	return nil
}

// Alloc returns n zeroed bytes of arena memory, 8-byte aligned. The
// returned slice stays valid until Reset or Release.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: negative size %d", n)
	}
	need := (n + alignment - 1) &^ (alignment - 1)
	if a.off+need > len(a.current) {
		if err := a.grow(need); err != nil {
			return nil, err
		}
	}
	b := a.current[a.off : a.off+n : a.off+n]
	a.off += need
	a.allocated += uint64(n)
	return b, nil
}

// InternString copies s into arena memory and returns a string backed by
// it, deduplicating repeats. Frame names are interned so the tree and the
// address table never pin interpreter-owned buffers.
func (a *Arena) InternString(s string) (string, error) {
	if dup, ok := a.interned[s]; ok {
		return dup, nil
	}
	if len(s) == 0 {
		return "", nil
	}
	b, err := a.Alloc(len(s))
	if err != nil {
		return "", err
	}
	copy(b, s)
	out := unsafe.String(&b[0], len(b))
	a.interned[out] = out
	return out, nil
}

// AllocatedBytes reports the total payload handed out since the last reset.
func (a *Arena) AllocatedBytes() uint64 {
	return a.allocated
}

// BreakGlass returns the spare reserve to the kernel. Called on the
// out-of-memory path so the dump has memory to work with.
func (a *Arena) BreakGlass() {
	if a.spare == nil {
		return
	}
	_ = unix.Munmap(a.spare)
	a.spare = nil
}

// Release unmaps everything, including the spare reserve. The arena must
// not be used afterwards.
func (a *Arena) Release() {
	for _, c := range a.chunks {
		_ = unix.Munmap(c)
	}
	a.chunks = nil
	a.current = nil
	a.off = 0
	a.allocated = 0
	a.interned = nil
	a.BreakGlass()
}
