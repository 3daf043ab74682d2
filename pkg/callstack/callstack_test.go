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

package callstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ra2003/filprofiler/pkg/frame"
)

func site(file, fn string, line int) frame.Frame {
	return frame.Frame{Filename: file, Function: fn, Line: line}
}

func TestSnapshotAlwaysRooted(t *testing.T) {
	var s ThreadStack

	cs := s.Snapshot(0)
	require.Equal(t, []frame.Frame{frame.Root}, cs.Frames)
	require.False(t, cs.InInterpreter())

	s.StartCall(0, site("a.py", "main", 1))
	cs = s.Snapshot(0)
	require.Equal(t, []frame.Frame{frame.Root, site("a.py", "main", 1)}, cs.Frames)
	require.True(t, cs.InInterpreter())
}

func TestParentLineRewrite(t *testing.T) {
	var s ThreadStack

	// A parent line on the first call has nothing to rewrite.
	s.StartCall(123, site("a.py", "main", 2))
	require.Equal(t, []frame.Frame{frame.Root, site("a.py", "main", 2)}, s.Snapshot(0).Frames)

	// Zero parent line leaves the caller untouched.
	s.StartCall(0, site("b.py", "helper", 45))
	require.Equal(t,
		[]frame.Frame{frame.Root, site("a.py", "main", 2), site("b.py", "helper", 45)},
		s.Snapshot(0).Frames)

	// Non-zero parent line rewrites the caller's frame.
	s.StartCall(10, site("c.py", "leaf", 6))
	require.Equal(t,
		[]frame.Frame{
			frame.Root,
			site("a.py", "main", 2),
			site("b.py", "helper", 10),
			site("c.py", "leaf", 6),
		},
		s.Snapshot(0).Frames)
}

func TestSnapshotLineOverrideDoesNotMutateStack(t *testing.T) {
	var s ThreadStack
	s.StartCall(0, site("a.py", "main", 1))

	cs := s.Snapshot(7)
	require.Equal(t, 7, cs.Frames[1].Line)
	require.Equal(t, 1, s.Snapshot(0).Frames[1].Line)
}

func TestFinishCallOnEmptyStack(t *testing.T) {
	var s ThreadStack
	s.FinishCall()
	require.Equal(t, 0, s.Depth())
}

func TestSetLine(t *testing.T) {
	var s ThreadStack
	s.SetLine(9) // no frames, no-op
	s.StartCall(0, site("a.py", "main", 1))
	s.SetLine(9)
	require.Equal(t, 9, s.Snapshot(0).Frames[1].Line)
}

func TestCapturePerThreadIsolation(t *testing.T) {
	c := NewCapture()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tid ThreadID) {
			defer wg.Done()
			s := c.ForThread(tid)
			s.StartCall(0, site("w.py", "worker", int(tid)))
			cs := s.Snapshot(0)
			if len(cs.Frames) != 2 || cs.Frames[1].Line != int(tid) {
				t.Errorf("thread %d saw foreign frames: %v", tid, cs.Frames)
			}
		}(ThreadID(i + 1))
	}
	wg.Wait()

	require.Equal(t, 8, c.Threads())
	c.Drop(3)
	require.Equal(t, 7, c.Threads())
}
