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

package reporter

import (
	"fmt"
	"os"

	"github.com/google/pprof/profile"

	"github.com/ra2003/filprofiler/pkg/frame"
	"github.com/ra2003/filprofiler/pkg/tracker"
)

// writePprof encodes the snapshot as a gzipped pprof profile so standard
// tooling can inspect the same data as the flamegraph renderer.
func writePprof(path string, snap *tracker.Snapshot) error {
	prof := &profile.Profile{
		DefaultSampleType: "inuse_space",
		SampleType: []*profile.ValueType{
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	functions := map[[2]string]*profile.Function{}
	locations := map[frame.Frame]*profile.Location{}
	loc := func(f frame.Frame) *profile.Location {
		if l, ok := locations[f]; ok {
			return l
		}
		fnKey := [2]string{f.Filename, f.Function}
		fn, ok := functions[fnKey]
		if !ok {
			fn = &profile.Function{
				ID:       uint64(len(prof.Function) + 1),
				Name:     f.Function,
				Filename: f.Filename,
			}
			functions[fnKey] = fn
			prof.Function = append(prof.Function, fn)
		}
		l := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
		}
		locations[f] = l
		prof.Location = append(prof.Location, l)
		return l
	}

	for _, u := range snap.Usages {
		// pprof wants leaf-first stacks.
		rev := u.Stack.Reversed()
		locs := make([]*profile.Location, 0, len(rev.Frames))
		for _, f := range rev.Frames {
			locs = append(locs, loc(f))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(u.Bytes)},
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reporter: create %s: %w", path, err)
	}
	if err := prof.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("reporter: write pprof %s: %w", path, err)
	}
	return f.Close()
}
