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

// Package session owns the profiling lifecycle: it creates the arena,
// tracker and per-thread capture when tracing starts, tears them down
// when tracing stops, and runs the out-of-memory dump when the host
// program's allocator reports failure.
package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/ra2003/filprofiler/pkg/arena"
	"github.com/ra2003/filprofiler/pkg/callstack"
	"github.com/ra2003/filprofiler/pkg/frame"
	"github.com/ra2003/filprofiler/pkg/reporter"
	"github.com/ra2003/filprofiler/pkg/tracker"
)

// OOMExitCode is the process exit status after an out-of-memory dump, so
// callers can tell "profiled program ran out of memory" from every other
// failure.
const OOMExitCode = 5

// State of the session lifecycle.
type State int32

const (
	Inactive State = iota
	Active
	Dumping
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Dumping:
		return "dumping"
	default:
		return "inactive"
	}
}

// SnapshotWriter hands frozen snapshots to the report renderer.
type SnapshotWriter interface {
	WriteSnapshot(snap *tracker.Snapshot, dir, base, title string) error
}

// Options configure a session. The zero value works for tests.
type Options struct {
	// Writer renders dumps. Defaults to the reporter package.
	Writer SnapshotWriter
	// Exit terminates the process after an out-of-memory dump. Defaults
	// to os.Exit; tests replace it.
	Exit func(code int)
	// ArenaChunkSize and ArenaSpareSize override the arena defaults when
	// non-zero.
	ArenaChunkSize int
	ArenaSpareSize int
}

// Session is the process-wide profiling controller. While inactive every
// hook invocation is a no-op and size queries report zero.
type Session struct {
	logger log.Logger
	reg    prometheus.Registerer
	opts   Options

	// state is read by every hook invocation; flipping it to Inactive is
	// what makes stop safe against in-flight hooks on other threads.
	state atomic.Int32

	// mu serializes lifecycle transitions, not allocation hooks.
	mu        sync.Mutex
	metrics   *tracker.Metrics
	arena     *arena.Arena
	tracker   *tracker.Tracker
	capture   *callstack.Capture
	outputDir string
}

func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Session {
	if opts.Writer == nil {
		opts.Writer = reporter.New(logger)
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Session{logger: logger, reg: reg, opts: opts}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Active reports whether hooks should record. Lock-free: it runs on
// every intercepted allocation.
func (s *Session) Active() bool {
	return State(s.state.Load()) == Active
}

// Start begins tracing. outputDir is where the out-of-memory dump lands
// if the host dies mid-session. Calling Start on an already active
// session is a no-op.
func (s *Session) Start(outputDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Inactive {
		return nil
	}

	chunk, spare := s.opts.ArenaChunkSize, s.opts.ArenaSpareSize
	if chunk == 0 {
		chunk = arena.DefaultChunkSize
	}
	if spare == 0 {
		spare = arena.DefaultSpareSize
	}
	a, err := arena.NewWithSizes(chunk, spare)
	if err != nil {
		return fmt.Errorf("session: start tracing: %w", err)
	}

	if s.metrics == nil {
		s.metrics = tracker.NewMetrics(s.reg)
	}
	s.arena = a
	s.tracker = tracker.New(s.logger, s.metrics, a)
	s.capture = callstack.NewCapture()
	s.outputDir = outputDir
	s.state.Store(int32(Active))
	level.Info(s.logger).Log("msg", "tracing started")
	return nil
}

// Stop ends tracing, writes the peak dump to outputDir and releases all
// bookkeeping memory. New hook invocations become no-ops before the
// drain, so Stop is safe to run concurrently with in-flight hooks.
// Calling Stop on an inactive session is a no-op.
func (s *Session) Stop(outputDir string) error {
	if !s.state.CompareAndSwap(int32(Active), int32(Inactive)) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.tracker.Snapshot(tracker.Peak)
	err := s.opts.Writer.WriteSnapshot(snap, outputDir, "peak-memory", "Peak Tracked Memory Usage")
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to write peak dump", "err", err)
	}

	s.tracker.Close()
	s.arena.Release()
	s.arena = nil
	s.tracker = nil
	s.capture = nil
	s.metrics.Zero()
	level.Info(s.logger).Log("msg", "tracing stopped", "peak", snap.TotalBytes)
	return err
}

// Tracker returns the live tracker, or nil while inactive.
func (s *Session) Tracker() *tracker.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// ThreadStack returns the calling thread's stack, or nil while inactive.
func (s *Session) ThreadStack(tid callstack.ThreadID) *callstack.ThreadStack {
	if !s.Active() {
		return nil
	}
	s.mu.Lock()
	c := s.capture
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.ForThread(tid)
}

// StartCall pushes a call site onto the calling thread's stack.
func (s *Session) StartCall(tid callstack.ThreadID, parentLine int, site frame.Frame) {
	if ts := s.ThreadStack(tid); ts != nil {
		ts.StartCall(parentLine, site)
	}
}

// FinishCall pops the calling thread's innermost frame.
func (s *Session) FinishCall(tid callstack.ThreadID) {
	if ts := s.ThreadStack(tid); ts != nil {
		ts.FinishCall()
	}
}

// SetLine updates the line number of the calling thread's innermost
// frame.
func (s *Session) SetLine(tid callstack.ThreadID, line int) {
	if ts := s.ThreadStack(tid); ts != nil {
		ts.SetLine(line)
	}
}

// ThreadExited drops the thread's stack. Its recorded allocations keep
// their attribution.
func (s *Session) ThreadExited(tid callstack.ThreadID) {
	s.mu.Lock()
	c := s.capture
	s.mu.Unlock()
	if c != nil {
		c.Drop(tid)
	}
}

// CaptureStack snapshots the calling thread's current call path. line,
// when non-zero, is the line within the innermost function at which the
// allocation happened.
func (s *Session) CaptureStack(tid callstack.ThreadID, line int) frame.Callstack {
	if ts := s.ThreadStack(tid); ts != nil {
		return ts.Snapshot(line)
	}
	return frame.NewCallstack(frame.Root)
}

// SizeOf reports the tracked size of an address, zero while inactive.
func (s *Session) SizeOf(addr uintptr) uint64 {
	if !s.Active() {
		return 0
	}
	t := s.Tracker()
	if t == nil {
		return 0
	}
	return t.SizeOf(addr)
}

// OutOfMemory runs the dump-and-die sequence: the host allocator just
// failed, so freeze the current (not peak) allocations, write them out
// in both orderings, and terminate with the reserved exit status. The
// caller still propagates the original allocation failure; profiling
// never rescues an out-of-memory condition.
func (s *Session) OutOfMemory() {
	if !s.state.CompareAndSwap(int32(Active), int32(Dumping)) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	level.Error(s.logger).Log("msg", "host allocation failed, dumping current allocations")
	// Hand the emergency reserve back so the dump itself has memory.
	s.arena.BreakGlass()

	snap := s.tracker.Snapshot(tracker.Current)
	if err := s.opts.Writer.WriteSnapshot(snap, s.outputDir, "out-of-memory", "Current Allocations at Out-of-Memory Time"); err != nil {
		level.Error(s.logger).Log("msg", "failed to write out-of-memory dump", "err", err)
	}
	s.opts.Exit(OOMExitCode)
}
