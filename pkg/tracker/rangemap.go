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

import "sort"

// mmapRange is one tracked anonymous mapping, [start, start+size).
type mmapRange struct {
	start       uintptr
	size        uint64
	callstackID CallstackID
}

// rangeMap tracks anonymous mmap regions. Unlike the heap table it is
// keyed by intervals: munmap may cover part of a mapping, several
// mappings, or memory that was never mapped at all, and only the tracked
// overlap counts.
type rangeMap struct {
	// Sorted by start, non-overlapping.
	ranges []mmapRange
}

func newRangeMap() *rangeMap {
	return &rangeMap{}
}

// add records a mapping attributed to the given callstack.
func (m *rangeMap) add(start uintptr, size uint64, id CallstackID) {
	if size == 0 {
		return
	}
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].start >= start
	})
	m.ranges = append(m.ranges, mmapRange{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = mmapRange{start: start, size: size, callstackID: id}
}

// removed is the tracked overlap retired by one munmap, per callstack.
type removed struct {
	callstackID CallstackID
	bytes       uint64
}

// remove retires [start, start+size) and reports how many tracked bytes
// each affected callstack loses. Ranges straddling the boundary are
// trimmed or split.
func (m *rangeMap) remove(start uintptr, size uint64) []removed {
	if size == 0 {
		return nil
	}
	end := start + uintptr(size)
	var out []removed
	var keep []mmapRange
	for _, r := range m.ranges {
		rEnd := r.start + uintptr(r.size)
		if rEnd <= start || r.start >= end {
			keep = append(keep, r)
			continue
		}
		// Overlap. Keep the pieces outside [start, end).
		overlapStart := maxPtr(r.start, start)
		overlapEnd := minPtr(rEnd, end)
		out = append(out, removed{
			callstackID: r.callstackID,
			bytes:       uint64(overlapEnd - overlapStart),
		})
		if r.start < start {
			keep = append(keep, mmapRange{
				start:       r.start,
				size:        uint64(start - r.start),
				callstackID: r.callstackID,
			})
		}
		if rEnd > end {
			keep = append(keep, mmapRange{
				start:       end,
				size:        uint64(rEnd - end),
				callstackID: r.callstackID,
			})
		}
	}
	m.ranges = keep
	return out
}

// totalBytes sums all tracked mapping sizes.
func (m *rangeMap) totalBytes() uint64 {
	var total uint64
	for _, r := range m.ranges {
		total += r.size
	}
	return total
}

// usageByCallstack accumulates tracked mapping bytes into by.
func (m *rangeMap) usageByCallstack(by map[CallstackID]uint64) {
	for _, r := range m.ranges {
		by[r.callstackID] += r.size
	}
}

func maxPtr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minPtr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
