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

package frame

import (
	"fmt"
	"strings"
)

// Frame identifies a single call site: file, function and the 1-indexed
// line number within the file. Equality is by value.
type Frame struct {
	Filename string
	Function string
	Line     int
}

// Root is the synthetic entry frame at the bottom of every callstack, so
// that every captured path is non-empty and comparable.
var Root = Frame{Filename: "<entry>", Function: "<program>", Line: 0}

// NoStack is rendered when an allocation arrives with no interpreter
// frames on the calling thread at all, e.g. a bare native allocation.
var NoStack = Frame{Filename: "<unknown>", Function: "[no call stack]", Line: 0}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d (%s)", f.Filename, f.Line, f.Function)
}

// Clone returns a copy whose strings are backed by fresh memory. Frames
// coming out of the tracker reference interned storage whose lifetime
// ends with the session; cloned frames do not.
func (f Frame) Clone() Frame {
	return Frame{
		Filename: strings.Clone(f.Filename),
		Function: strings.Clone(f.Function),
		Line:     f.Line,
	}
}

// A Callstack is an ordered sequence of frames from the outermost call
// (index 0, the synthetic root) to the innermost allocation site.
type Callstack struct {
	Frames []Frame
}

func NewCallstack(frames ...Frame) Callstack {
	return Callstack{Frames: frames}
}

// InInterpreter reports whether any real (non-synthetic) frames were
// captured.
func (c Callstack) InInterpreter() bool {
	for _, f := range c.Frames {
		if f != Root && f != NoStack {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the callstack, strings included,
// so the copy stays valid after whatever backed the original is gone.
func (c Callstack) Clone() Callstack {
	frames := make([]Frame, len(c.Frames))
	for i, f := range c.Frames {
		frames[i] = f.Clone()
	}
	return Callstack{Frames: frames}
}

// Reversed returns the frames innermost-first. The renderer uses this
// ordering to surface leaf call sites rather than top-level subsystems.
func (c Callstack) Reversed() Callstack {
	frames := make([]Frame, len(c.Frames))
	for i, f := range c.Frames {
		frames[len(frames)-1-i] = f
	}
	return Callstack{Frames: frames}
}

// Folded renders the callstack in the semicolon-separated form consumed
// by flamegraph renderers: "file:line (func);file:line (func)". A stack
// with no real frames, just the synthetic root or nothing at all,
// renders as the no-stack placeholder: that is how bare native
// allocations show up in reports.
func (c Callstack) Folded() string {
	if !c.InInterpreter() {
		return NoStack.Function
	}
	parts := make([]string, len(c.Frames))
	for i, f := range c.Frames {
		parts[i] = f.String()
	}
	return strings.Join(parts, ";")
}

func (c Callstack) String() string {
	return c.Folded()
}
