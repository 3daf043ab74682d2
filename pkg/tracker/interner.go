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

// CallstackID is a dense identifier for an interned callstack. Allocation
// records store the id instead of the path; usage vectors index by it.
type CallstackID uint32

// stringStore is the arena surface the tracker depends on. It fails when
// the kernel refuses to grow the backing reservation.
type stringStore interface {
	InternString(s string) (string, error)
}

// interner deduplicates callstacks. Every distinct path is stored once,
// with its frame strings copied into the store so records never pin
// memory owned by the interpreter.
type interner struct {
	store stringStore
	ids   map[string]CallstackID
	// Indexed by CallstackID.
	callstacks []frame.Callstack
}

func newInterner(store stringStore) *interner {
	return &interner{
		store: store,
		ids:   make(map[string]CallstackID),
	}
}

// intern returns the id for the callstack, assigning the next dense id on
// first sight. isNew lets the caller grow id-indexed vectors.
func (in *interner) intern(cs frame.Callstack) (id CallstackID, isNew bool, err error) {
	key := cs.Folded()
	if id, ok := in.ids[key]; ok {
		return id, false, nil
	}
	stored := make([]frame.Frame, len(cs.Frames))
	for i, f := range cs.Frames {
		fn, err := in.store.InternString(f.Filename)
		if err != nil {
			return 0, false, err
		}
		fun, err := in.store.InternString(f.Function)
		if err != nil {
			return 0, false, err
		}
		stored[i] = frame.Frame{Filename: fn, Function: fun, Line: f.Line}
	}
	id = CallstackID(len(in.callstacks))
	in.callstacks = append(in.callstacks, frame.NewCallstack(stored...))
	in.ids[key] = id
	return id, true, nil
}

// lookup returns the callstack for an id previously returned by intern.
func (in *interner) lookup(id CallstackID) frame.Callstack {
	return in.callstacks[id]
}

func (in *interner) len() int {
	return len(in.callstacks)
}
