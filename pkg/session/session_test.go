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

package session

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ra2003/filprofiler/pkg/callstack"
	"github.com/ra2003/filprofiler/pkg/frame"
	"github.com/ra2003/filprofiler/pkg/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopWriter struct {
	mu    sync.Mutex
	snaps []*tracker.Snapshot
}

func (w *nopWriter) WriteSnapshot(snap *tracker.Snapshot, dir, base, title string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snaps = append(w.snaps, snap)
	return nil
}

func newSession(t *testing.T) (*Session, *nopWriter) {
	t.Helper()
	w := &nopWriter{}
	s := New(log.NewNopLogger(), prometheus.NewRegistry(), Options{
		Writer:         w,
		Exit:           func(int) {},
		ArenaChunkSize: 256 * 1024,
		ArenaSpareSize: 4096,
	})
	return s, w
}

func mainSite() frame.Frame {
	return frame.Frame{Filename: "a.py", Function: "main", Line: 1}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newSession(t)
	dir := t.TempDir()

	require.NoError(t, s.Start(dir))
	require.NoError(t, s.Start(dir))
	require.Equal(t, Active, s.State())

	require.NoError(t, s.Stop(dir))
	require.NoError(t, s.Stop(dir))
	require.Equal(t, Inactive, s.State())
}

func TestStopZeroesQueries(t *testing.T) {
	s, _ := newSession(t)
	dir := t.TempDir()

	require.NoError(t, s.Start(dir))
	s.StartCall(1, 0, mainSite())
	s.Tracker().RecordAllocation(s.CaptureStack(1, 0), 0x100, 500)
	require.Equal(t, uint64(500), s.SizeOf(0x100))

	require.NoError(t, s.Stop(dir))
	require.Equal(t, uint64(0), s.SizeOf(0x100))
	require.Nil(t, s.Tracker())

	// Frame pushes while inactive leave no trace.
	s.StartCall(1, 0, mainSite())
	require.Equal(t, []frame.Frame{frame.Root}, s.CaptureStack(1, 0).Frames)
}

func TestRepeatedStartStopCycles(t *testing.T) {
	s, w := newSession(t)
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Start(dir))
		s.Tracker().RecordAllocation(s.CaptureStack(1, 0), 0x1, 100)
		require.NoError(t, s.Stop(dir))
		require.Equal(t, uint64(0), s.SizeOf(0x1))
	}
	require.Len(t, w.snaps, 3)
	for _, snap := range w.snaps {
		require.Equal(t, tracker.Peak, snap.Kind)
		require.Equal(t, uint64(100), snap.TotalBytes)
	}
}

func TestStopWritesPeakSnapshot(t *testing.T) {
	s, w := newSession(t)
	dir := t.TempDir()

	require.NoError(t, s.Start(dir))
	s.StartCall(1, 0, mainSite())
	cs := s.CaptureStack(1, 0)
	s.Tracker().RecordAllocation(cs, 0x1, 3000)
	s.Tracker().RecordDeallocation(0x1)
	s.Tracker().RecordAllocation(cs, 0x2, 10)
	require.NoError(t, s.Stop(dir))

	require.Len(t, w.snaps, 1)
	require.Equal(t, tracker.Peak, w.snaps[0].Kind)
	require.Equal(t, uint64(3000), w.snaps[0].TotalBytes)
}

func TestSnapshotOutlivesStop(t *testing.T) {
	s, w := newSession(t)
	dir := t.TempDir()

	require.NoError(t, s.Start(dir))
	s.StartCall(1, 0, mainSite())
	s.Tracker().RecordAllocation(s.CaptureStack(1, 0), 0x1, 640)
	require.NoError(t, s.Stop(dir))

	// The writer kept the snapshot past the end of the session. Its
	// strings must not reference the released bookkeeping arena.
	require.Len(t, w.snaps, 1)
	snap := w.snaps[0]
	require.Len(t, snap.Usages, 1)
	require.Equal(t, "<entry>:0 (<program>);a.py:1 (main)", snap.Usages[0].Stack.Folded())

	node := snap.Root.Lookup(snap.Usages[0].Stack.Frames)
	require.NotNil(t, node)
	require.Equal(t, uint64(640), node.PeakBytes)
	require.Equal(t, "a.py", node.Frame.Filename)
}

func TestOutOfMemoryOnlyWhenActive(t *testing.T) {
	var exits []int
	w := &nopWriter{}
	s := New(log.NewNopLogger(), prometheus.NewRegistry(), Options{
		Writer:         w,
		Exit:           func(code int) { exits = append(exits, code) },
		ArenaChunkSize: 256 * 1024,
		ArenaSpareSize: 4096,
	})

	// Inactive: nothing to dump.
	s.OutOfMemory()
	require.Empty(t, exits)

	require.NoError(t, s.Start(t.TempDir()))
	s.OutOfMemory()
	s.OutOfMemory()
	require.Equal(t, []int{OOMExitCode}, exits)
	require.Len(t, w.snaps, 1)
	require.Equal(t, tracker.Current, w.snaps[0].Kind)
	require.Equal(t, Dumping, s.State())
}

func TestStopConcurrentWithHooks(t *testing.T) {
	s, _ := newSession(t)
	dir := t.TempDir()
	require.NoError(t, s.Start(dir))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tid := callstack.ThreadID(w + 1)
			for i := 0; i < 2000; i++ {
				if !s.Active() {
					return
				}
				tr := s.Tracker()
				if tr == nil {
					return
				}
				addr := uintptr(w<<20 + i)
				tr.RecordAllocation(s.CaptureStack(tid, 0), addr, 8)
				tr.RecordDeallocation(addr)
			}
		}(w)
	}

	require.NoError(t, s.Stop(dir))
	wg.Wait()
	require.Equal(t, Inactive, s.State())
	require.Equal(t, uint64(0), s.SizeOf(1<<20))
}

func TestThreadLifecycle(t *testing.T) {
	s, _ := newSession(t)
	dir := t.TempDir()
	require.NoError(t, s.Start(dir))
	defer s.Stop(dir)

	// Thread A allocates along its path and exits.
	s.StartCall(1, 0, frame.Frame{Filename: "a.py", Function: "thread_a", Line: 1})
	csA := s.CaptureStack(1, 0)
	s.Tracker().RecordAllocation(csA, 0x1, 30<<20)
	s.ThreadExited(1)

	// Thread B's path is unaffected by A's teardown.
	s.StartCall(2, 0, frame.Frame{Filename: "b.py", Function: "thread_b", Line: 1})
	csB := s.CaptureStack(2, 0)
	require.Equal(t, []frame.Frame{
		frame.Root,
		{Filename: "b.py", Function: "thread_b", Line: 1},
	}, csB.Frames)

	// A's allocation keeps its attribution after the thread is gone.
	node, ok := s.Tracker().PathNode(csA.Frames)
	require.True(t, ok)
	require.Equal(t, uint64(30<<20), node.CurrentBytes)
}

func TestScrubEnviron(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"FIL_OUTPUT_DIR=/tmp/fil",
		"LD_PRELOAD=/usr/lib/libfil.so",
		"HOME=/home/u",
		"FILTER=keepme", // not a profiler variable
	}
	got := ScrubEnviron(env)
	require.Equal(t, []string{"PATH=/usr/bin", "HOME=/home/u", "FILTER=keepme"}, got)
}

func TestCommandScrubbed(t *testing.T) {
	t.Setenv("FIL_MARKER", "1")
	t.Setenv("LD_PRELOAD", "/usr/lib/libfil.so")

	cmd := Command("/bin/true")
	for _, kv := range cmd.Env {
		require.NotContains(t, kv, "FIL_MARKER")
		require.NotContains(t, kv, "LD_PRELOAD")
	}
}
