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

package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ra2003/filprofiler/pkg/callstack"
	"github.com/ra2003/filprofiler/pkg/frame"
	"github.com/ra2003/filprofiler/pkg/session"
	"github.com/ra2003/filprofiler/pkg/shim"
)

// runWorkload drives a synthetic allocation pipeline through the hooks:
// several worker threads ingesting buffers, holding on to a fraction of
// them, and releasing the rest, producing an interesting peak profile.
func runWorkload(ctx context.Context, logger log.Logger, sess *session.Session, hooks *shim.Hooks, workers int, duration time.Duration) {
	level.Info(logger).Log("msg", "demo workload starting", "workers", workers, "duration", duration)
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tid := callstack.ThreadID(w + 1)
			defer sess.ThreadExited(tid)
			rng := rand.New(rand.NewSource(int64(w)))

			sess.StartCall(tid, 0, frame.Frame{Filename: "pipeline.py", Function: "worker", Line: 12})
			defer sess.FinishCall(tid)

			var retained []uintptr
			for time.Now().Before(deadline) && ctx.Err() == nil {
				sess.StartCall(tid, 20, frame.Frame{Filename: "pipeline.py", Function: "ingest_batch", Line: 41})
				addr := hooks.Malloc(tid, uint64(rng.Intn(1<<20)+4096))
				sess.FinishCall(tid)
				if addr == 0 {
					return
				}

				if rng.Intn(4) == 0 {
					// Grow and keep roughly a quarter of the batches.
					sess.StartCall(tid, 23, frame.Frame{Filename: "pipeline.py", Function: "retain_batch", Line: 57})
					addr = hooks.Realloc(tid, addr, uint64(rng.Intn(1<<21)+4096))
					sess.FinishCall(tid)
					if addr == 0 {
						return
					}
					retained = append(retained, addr)
				} else {
					hooks.Free(tid, addr)
				}

				// Keep the retained set bounded.
				if len(retained) > 64 {
					hooks.Free(tid, retained[0])
					retained = retained[1:]
				}
				time.Sleep(time.Millisecond)
			}
			for _, addr := range retained {
				hooks.Free(tid, addr)
			}
		}(w)
	}
	wg.Wait()
	level.Info(logger).Log("msg", "demo workload finished")
}
