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

// Package reporter turns frozen tracker snapshots into the files the
// external renderer consumes: folded stack lines in both orderings plus
// a pprof-encoded profile. SVG rendering itself happens downstream.
package reporter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ra2003/filprofiler/pkg/tracker"
)

type Reporter struct {
	logger log.Logger
}

func New(logger log.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// WriteSnapshot writes base.prof and base-reversed.prof under dir. The
// forward ordering surfaces which top-level subsystem owns the memory,
// the reversed one which leaf call site requested it.
func (r *Reporter) WriteSnapshot(snap *tracker.Snapshot, dir, base, title string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reporter: create output directory: %w", err)
	}

	forward := filepath.Join(dir, base+".prof")
	if err := writeFolded(forward, snap, false); err != nil {
		return err
	}
	reversed := filepath.Join(dir, base+"-reversed.prof")
	if err := writeFolded(reversed, snap, true); err != nil {
		return err
	}
	pprofPath := filepath.Join(dir, base+".pb.gz")
	if err := writePprof(pprofPath, snap); err != nil {
		return err
	}

	level.Info(r.logger).Log(
		"msg", "wrote memory profile",
		"title", title,
		"kind", snap.Kind.String(),
		"total", humanize.IBytes(snap.TotalBytes),
		"paths", len(snap.Usages),
		"dir", dir,
	)
	return nil
}

// writeFolded emits one line per distinct call path in the flamegraph
// collapsed format: "file:line (func);file:line (func) bytes".
func writeFolded(path string, snap *tracker.Snapshot, reversed bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reporter: create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, u := range snap.Usages {
		stack := u.Stack
		if reversed {
			stack = stack.Reversed()
		}
		if _, err := fmt.Fprintf(w, "%s %d\n", stack.Folded(), u.Bytes); err != nil {
			f.Close()
			return fmt.Errorf("reporter: write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("reporter: flush %s: %w", path, err)
	}
	return f.Close()
}
