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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ra2003/filprofiler/pkg/frame"
)

// Each worker allocates a known distinct total along a distinct path of
// distinct depth; every byte must land on its own path with no
// cross-contamination.
func TestConcurrentAttributionPerPath(t *testing.T) {
	tr := newTestTracker(t)

	const workers = 16
	const allocsPerWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Path depth varies per worker.
			frames := make([]frame.Frame, 0, w%4+1)
			for d := 0; d <= w%4; d++ {
				frames = append(frames, site(
					fmt.Sprintf("w%d.py", w),
					fmt.Sprintf("fn_%d_%d", w, d),
					d+1,
				))
			}
			cs := stack(frames...)
			base := uintptr((w + 1) << 20)
			for i := 0; i < allocsPerWorker; i++ {
				tr.RecordAllocation(cs, base+uintptr(i), uint64(w+1))
			}
			// Free half of them again.
			for i := 0; i < allocsPerWorker/2; i++ {
				tr.RecordDeallocation(base + uintptr(i))
			}
		}(w)
	}
	wg.Wait()

	var wantTotal uint64
	for w := 0; w < workers; w++ {
		wantLive := uint64(w+1) * allocsPerWorker / 2
		wantTotal += wantLive

		frames := []frame.Frame{frame.Root}
		for d := 0; d <= w%4; d++ {
			frames = append(frames, site(
				fmt.Sprintf("w%d.py", w),
				fmt.Sprintf("fn_%d_%d", w, d),
				d+1,
			))
		}
		node, ok := tr.PathNode(frames)
		require.True(t, ok, "worker %d path missing", w)
		require.Equal(t, wantLive, node.CurrentBytes, "worker %d", w)
		require.Equal(t, uint64(w+1)*allocsPerWorker, node.PeakBytes, "worker %d", w)
	}
	require.Equal(t, wantTotal, tr.TotalBytes())
}

func TestConcurrentMixedOperations(t *testing.T) {
	tr := newTestTracker(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			cs := stack(site("m.py", fmt.Sprintf("mixed_%d", w), 1))
			base := uintptr((w + 1) << 24)
			for i := 0; i < 100; i++ {
				tr.RecordAllocation(cs, base+uintptr(i), 64)
				tr.RecordAnonMmap(cs, base+uintptr(1<<20)+uintptr(i*4096), 4096)
				tr.SizeOf(base + uintptr(i))
				tr.RecordDeallocation(base + uintptr(i))
				tr.RecordMunmap(base+uintptr(1<<20)+uintptr(i*4096), 4096)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, uint64(0), tr.TotalBytes())
	require.GreaterOrEqual(t, tr.PeakTotalBytes(), uint64(64+4096))
}
