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

// Package callstack tracks the live call path of every thread in the
// profiled program. Each thread owns its own stack, so pushing and
// popping frames on the hot path takes no locks; only the registry that
// maps thread ids to stacks is shared.
package callstack

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ra2003/filprofiler/pkg/frame"
)

// ThreadID identifies one thread of the profiled program. For interpreter
// hosts this is the interpreter's thread id; tests use small integers.
type ThreadID uint64

// ThreadStack is the live call path of a single thread. It must only be
// mutated by the thread it belongs to.
type ThreadStack struct {
	frames []frame.Frame
}

// StartCall pushes a new call site. A non-zero parentLine updates the line
// number of the caller's frame first: the caller has advanced to the line
// that performed this call since its own frame was pushed.
func (s *ThreadStack) StartCall(parentLine int, site frame.Frame) {
	if parentLine != 0 && len(s.frames) > 0 {
		s.frames[len(s.frames)-1].Line = parentLine
	}
	s.frames = append(s.frames, site)
}

// FinishCall pops the innermost frame. Popping an empty stack is a no-op;
// it happens when tracing starts mid-call and the entry's return is seen
// without its call.
func (s *ThreadStack) FinishCall() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// SetLine updates the line number of the innermost frame.
func (s *ThreadStack) SetLine(line int) {
	if len(s.frames) > 0 {
		s.frames[len(s.frames)-1].Line = line
	}
}

// Depth returns the number of real frames on the stack.
func (s *ThreadStack) Depth() int {
	return len(s.frames)
}

// Snapshot returns an independent copy of the thread's call path, rooted
// at the synthetic entry frame. A non-zero line overrides the innermost
// frame's line number, reflecting where within the function the
// allocation call happened. With no real frames the path degenerates to
// just the root.
func (s *ThreadStack) Snapshot(line int) frame.Callstack {
	frames := make([]frame.Frame, 0, len(s.frames)+1)
	frames = append(frames, frame.Root)
	frames = append(frames, s.frames...)
	if line != 0 && len(s.frames) > 0 {
		frames[len(frames)-1].Line = line
	}
	return frame.NewCallstack(frames...)
}

// Capture is the registry of per-thread stacks. Lookups from concurrent
// threads go through a lock-free map; each returned stack is still owned
// by exactly one thread.
type Capture struct {
	threads *xsync.MapOf[ThreadID, *ThreadStack]
}

func NewCapture() *Capture {
	return &Capture{threads: xsync.NewMapOf[ThreadID, *ThreadStack]()}
}

// ForThread returns the stack of the given thread, creating it on first
// use. Threads spawned mid-session start with an empty stack whose
// snapshots degenerate to the synthetic root.
func (c *Capture) ForThread(tid ThreadID) *ThreadStack {
	s, _ := c.threads.LoadOrCompute(tid, func() *ThreadStack {
		return &ThreadStack{}
	})
	return s
}

// Drop forgets a thread's stack after the thread exits. Allocations it
// recorded stay attributed to it: the tracker stores cloned paths.
func (c *Capture) Drop(tid ThreadID) {
	c.threads.Delete(tid)
}

// Threads returns the number of threads currently registered.
func (c *Capture) Threads() int {
	return c.threads.Size()
}
