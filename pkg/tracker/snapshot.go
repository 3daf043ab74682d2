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

package tracker

import (
	"github.com/ra2003/filprofiler/pkg/frame"
)

// Kind says which byte counters a snapshot froze.
type Kind int

const (
	// Current freezes live allocations, used for out-of-memory dumps.
	Current Kind = iota
	// Peak freezes the whole-process high-water mark, used after a normal
	// session end.
	Peak
)

func (k Kind) String() string {
	if k == Peak {
		return "peak"
	}
	return "current"
}

// Usage is the bytes attributed to one distinct call path.
type Usage struct {
	Stack frame.Callstack
	Bytes uint64
}

// Snapshot is a consistent frozen view of the tracker, handed to the
// report renderer. The live tracker keeps moving after it is taken, and
// the snapshot is self-contained: nothing in it references session-owned
// storage, so writers may keep it past the end of the session.
type Snapshot struct {
	Kind       Kind
	TotalBytes uint64

	// Usages lists bytes per distinct call path, in first-interning order.
	Usages []Usage

	// Root is a frozen copy of the attribution tree's counters.
	Root *TreeNode
}

// Snapshot freezes the tracker's state. Taking a snapshot first settles
// the global peak, so a Peak snapshot taken at the very top of memory use
// is exact.
func (t *Tracker) Snapshot(kind Kind) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capturePeakLocked()

	s := &Snapshot{
		Kind: kind,
		Root: t.root.CloneCounts(),
	}

	switch kind {
	case Peak:
		s.TotalBytes = t.peakBytes
		for id, bytes := range t.peakUsage {
			if bytes > 0 {
				s.Usages = append(s.Usages, Usage{
					Stack: t.interner.lookup(CallstackID(id)).Clone(),
					Bytes: bytes,
				})
			}
		}
	default:
		s.TotalBytes = t.currentBytes
		by := make(map[CallstackID]uint64)
		for _, alloc := range t.table.live {
			by[alloc.callstackID] += alloc.size()
		}
		t.mmaps.usageByCallstack(by)
		for id := 0; id < t.interner.len(); id++ {
			if bytes := by[CallstackID(id)]; bytes > 0 {
				s.Usages = append(s.Usages, Usage{
					Stack: t.interner.lookup(CallstackID(id)).Clone(),
					Bytes: bytes,
				})
			}
		}
	}
	return s
}
