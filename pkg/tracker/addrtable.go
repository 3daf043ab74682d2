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

const (
	mib       = 1024 * 1024
	high32Bit = uint32(1) << 31
	maxExact  = uint64(high32Bit)
)

// allocation is one live heap allocation. Sizes of 2GiB and above are
// stored as rounded MiB with the high bit set; the lost resolution is
// noise at that scale and the compression halves the table's footprint.
type allocation struct {
	callstackID    CallstackID
	compressedSize uint32
}

func newAllocation(id CallstackID, size uint64) allocation {
	var compressed uint32
	if size >= maxExact {
		compressed = uint32((size+mib/2)/mib) | high32Bit
	} else {
		compressed = uint32(size)
	}
	return allocation{callstackID: id, compressedSize: compressed}
}

func (a allocation) size() uint64 {
	if a.compressedSize >= high32Bit {
		return uint64(a.compressedSize-high32Bit) * mib
	}
	return uint64(a.compressedSize)
}

// addressTable maps live addresses to their allocation records. At most
// one record exists per address; callers hold the tracker lock.
type addressTable struct {
	live map[uintptr]allocation
}

func newAddressTable() *addressTable {
	return &addressTable{live: make(map[uintptr]allocation)}
}

// record inserts or overwrites the record for addr.
func (t *addressTable) record(addr uintptr, a allocation) {
	t.live[addr] = a
}

// remove retires the record for addr. A miss is normal: the allocation
// may predate tracing.
func (t *addressTable) remove(addr uintptr) (allocation, bool) {
	a, ok := t.live[addr]
	if ok {
		delete(t.live, addr)
	}
	return a, ok
}

func (t *addressTable) get(addr uintptr) (allocation, bool) {
	a, ok := t.live[addr]
	return a, ok
}

func (t *addressTable) len() int {
	return len(t.live)
}
