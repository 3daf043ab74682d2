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

// Package shim is the only code that touches the real allocation entry
// points. Every hook delegates straight to the real allocator while no
// session is active; with a session active it performs the real
// operation first, records the outcome, and routes allocation failures
// into the out-of-memory dump before propagating them.
package shim

import (
	"github.com/ra2003/filprofiler/pkg/callstack"
	"github.com/ra2003/filprofiler/pkg/session"
)

// Allocator is the real allocation interface being intercepted. A zero
// address means the operation failed, mirroring the null return of the
// underlying entry points.
type Allocator interface {
	Malloc(size uint64) uintptr
	Calloc(n, size uint64) uintptr
	Realloc(addr uintptr, size uint64) uintptr
	// AlignedAlloc covers the aligned and page-aligned variants.
	AlignedAlloc(alignment, size uint64) uintptr
	Free(addr uintptr)
	// MmapAnon maps anonymous memory; MunmapAnon unmaps it.
	MmapAnon(size uint64) uintptr
	MunmapAnon(addr uintptr, size uint64) error
}

// Hooks wraps a real allocator with profiling interception.
type Hooks struct {
	real Allocator
	sess *session.Session
}

func New(real Allocator, sess *session.Session) *Hooks {
	return &Hooks{real: real, sess: sess}
}

// record attributes a successful allocation to the calling thread's
// current path. The real operation already happened; bookkeeping runs
// strictly after it, on arena-backed structures, so it can never recurse
// into the allocator it observes.
func (h *Hooks) record(tid callstack.ThreadID, addr uintptr, size uint64) {
	t := h.sess.Tracker()
	if t == nil {
		return
	}
	t.RecordAllocation(h.sess.CaptureStack(tid, 0), addr, size)
}

// Malloc intercepts the generic heap allocation entry point.
func (h *Hooks) Malloc(tid callstack.ThreadID, size uint64) uintptr {
	if !h.sess.Active() {
		return h.real.Malloc(size)
	}
	addr := h.real.Malloc(size)
	if addr == 0 {
		h.sess.OutOfMemory()
		return 0
	}
	h.record(tid, addr, size)
	return addr
}

// Calloc intercepts the zeroing allocation entry point.
func (h *Hooks) Calloc(tid callstack.ThreadID, n, size uint64) uintptr {
	if !h.sess.Active() {
		return h.real.Calloc(n, size)
	}
	addr := h.real.Calloc(n, size)
	if addr == 0 {
		// Could be overflow of n*size rather than exhaustion; either way
		// the real allocator said no and the caller must see that.
		h.sess.OutOfMemory()
		return 0
	}
	h.record(tid, addr, n*size)
	return addr
}

// Realloc intercepts resize. A move retires the old record; the full new
// size is attributed to the path of this call, not the allocation site.
func (h *Hooks) Realloc(tid callstack.ThreadID, addr uintptr, size uint64) uintptr {
	if !h.sess.Active() {
		return h.real.Realloc(addr, size)
	}
	newAddr := h.real.Realloc(addr, size)
	if newAddr == 0 {
		// The old block is still valid after a failed realloc, so its
		// record stays.
		h.sess.OutOfMemory()
		return 0
	}
	if t := h.sess.Tracker(); t != nil {
		t.RecordRealloc(h.sess.CaptureStack(tid, 0), addr, newAddr, size)
	}
	return newAddr
}

// AlignedAlloc intercepts aligned and page-aligned allocation variants.
func (h *Hooks) AlignedAlloc(tid callstack.ThreadID, alignment, size uint64) uintptr {
	if !h.sess.Active() {
		return h.real.AlignedAlloc(alignment, size)
	}
	addr := h.real.AlignedAlloc(alignment, size)
	if addr == 0 {
		h.sess.OutOfMemory()
		return 0
	}
	h.record(tid, addr, size)
	return addr
}

// Free intercepts deallocation. Freeing an address we never tracked is
// fine; it predates the session.
func (h *Hooks) Free(tid callstack.ThreadID, addr uintptr) {
	h.real.Free(addr)
	if addr == 0 || !h.sess.Active() {
		return
	}
	if t := h.sess.Tracker(); t != nil {
		t.RecordDeallocation(addr)
	}
}

// MmapAnon intercepts anonymous memory mapping.
func (h *Hooks) MmapAnon(tid callstack.ThreadID, size uint64) uintptr {
	if !h.sess.Active() {
		return h.real.MmapAnon(size)
	}
	addr := h.real.MmapAnon(size)
	if addr == 0 {
		h.sess.OutOfMemory()
		return 0
	}
	if t := h.sess.Tracker(); t != nil {
		t.RecordAnonMmap(h.sess.CaptureStack(tid, 0), addr, size)
	}
	return addr
}

// MunmapAnon intercepts unmapping. Only the part of the range we tracked
// is retired; unmapping foreign memory is the host's business.
func (h *Hooks) MunmapAnon(tid callstack.ThreadID, addr uintptr, size uint64) error {
	err := h.real.MunmapAnon(addr, size)
	if err != nil || !h.sess.Active() {
		return err
	}
	if t := h.sess.Tracker(); t != nil {
		t.RecordMunmap(addr, size)
	}
	return err
}
