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

package shim

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SystemAllocator is a real Allocator backed by anonymous mappings, one
// per block. It is what the demo command and the integration tests
// intercept; production embeddings wrap the host's own entry points
// instead.
type SystemAllocator struct {
	mu     sync.Mutex
	blocks map[uintptr]sysBlock
}

type sysBlock struct {
	buf  []byte
	size uint64
}

func NewSystemAllocator() *SystemAllocator {
	return &SystemAllocator{blocks: make(map[uintptr]sysBlock)}
}

func (s *SystemAllocator) mapBlock(size uint64) (uintptr, []byte) {
	if size == 0 {
		size = 1
	}
	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, nil
	}
	return uintptr(unsafe.Pointer(&buf[0])), buf
}

func (s *SystemAllocator) Malloc(size uint64) uintptr {
	addr, buf := s.mapBlock(size)
	if addr == 0 {
		return 0
	}
	s.mu.Lock()
	s.blocks[addr] = sysBlock{buf: buf, size: size}
	s.mu.Unlock()
	return addr
}

func (s *SystemAllocator) Calloc(n, size uint64) uintptr {
	if n != 0 && (n*size)/n != size {
		return 0
	}
	// Fresh anonymous pages are already zeroed.
	return s.Malloc(n * size)
}

func (s *SystemAllocator) Realloc(addr uintptr, size uint64) uintptr {
	if addr == 0 {
		return s.Malloc(size)
	}
	s.mu.Lock()
	old, ok := s.blocks[addr]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	newAddr := s.Malloc(size)
	if newAddr == 0 {
		return 0
	}
	s.mu.Lock()
	dst := s.blocks[newAddr]
	s.mu.Unlock()
	copy(dst.buf, old.buf)
	s.Free(addr)
	return newAddr
}

func (s *SystemAllocator) AlignedAlloc(alignment, size uint64) uintptr {
	// Mappings are page-aligned; that covers every alignment the hooks
	// see in practice.
	return s.Malloc(size)
}

func (s *SystemAllocator) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	s.mu.Lock()
	b, ok := s.blocks[addr]
	if ok {
		delete(s.blocks, addr)
	}
	s.mu.Unlock()
	if ok {
		_ = unix.Munmap(b.buf)
	}
}

func (s *SystemAllocator) MmapAnon(size uint64) uintptr {
	addr, buf := s.mapBlock(size)
	if addr == 0 {
		return 0
	}
	s.mu.Lock()
	s.blocks[addr] = sysBlock{buf: buf, size: size}
	s.mu.Unlock()
	return addr
}

func (s *SystemAllocator) MunmapAnon(addr uintptr, size uint64) error {
	s.mu.Lock()
	b, ok := s.blocks[addr]
	if ok && b.size == size {
		delete(s.blocks, addr)
	}
	s.mu.Unlock()
	if ok && b.size == size {
		return unix.Munmap(b.buf)
	}
	// Partial unmap: release just the requested pages.
	piece := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return unix.Munmap(piece)
}

// LiveBlocks reports how many blocks the allocator currently holds.
func (s *SystemAllocator) LiveBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}
