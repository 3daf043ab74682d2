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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeMapRemoveWhole(t *testing.T) {
	m := newRangeMap()
	m.add(0x1000, 4096, 1)
	m.add(0x3000, 8192, 2)
	require.Equal(t, uint64(12288), m.totalBytes())

	out := m.remove(0x1000, 4096)
	require.Equal(t, []removed{{callstackID: 1, bytes: 4096}}, out)
	require.Equal(t, uint64(8192), m.totalBytes())
}

func TestRangeMapRemoveMiddleSplits(t *testing.T) {
	m := newRangeMap()
	m.add(0x1000, 0x3000, 7)

	out := m.remove(0x2000, 0x1000)
	require.Equal(t, []removed{{callstackID: 7, bytes: 0x1000}}, out)
	require.Equal(t, uint64(0x2000), m.totalBytes())

	// Both remaining pieces still belong to callstack 7.
	by := map[CallstackID]uint64{}
	m.usageByCallstack(by)
	require.Equal(t, map[CallstackID]uint64{7: 0x2000}, by)
}

func TestRangeMapRemoveSpanningSeveral(t *testing.T) {
	m := newRangeMap()
	m.add(0x1000, 0x1000, 1)
	m.add(0x2000, 0x1000, 2)
	m.add(0x3000, 0x1000, 3)

	out := m.remove(0x1800, 0x2000)
	require.Len(t, out, 3)
	var total uint64
	for _, r := range out {
		total += r.bytes
	}
	require.Equal(t, uint64(0x2000), total)
	require.Equal(t, uint64(0x1000), m.totalBytes())
}

func TestRangeMapRemoveUntracked(t *testing.T) {
	m := newRangeMap()
	m.add(0x1000, 4096, 1)
	require.Empty(t, m.remove(0x100000, 4096))
	require.Equal(t, uint64(4096), m.totalBytes())
}

func TestAllocationSizeRoundTrip(t *testing.T) {
	for _, size := range []uint64{0, 1, 4096, maxExact - 1} {
		require.Equal(t, size, newAllocation(0, size).size())
	}

	// Two gigabytes and above are rounded to the nearest MiB.
	big := maxExact + 123456
	got := newAllocation(0, big).size()
	diff := int64(big) - int64(got)
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(t, diff, int64(mib/2))
}
