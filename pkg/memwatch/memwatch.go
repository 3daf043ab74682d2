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

// Package memwatch polls the host's available memory and fires a trigger
// before the kernel's OOM killer gets a say. It complements the
// allocation-failure path: a machine under memory pressure often kills
// the process without a single malloc ever returning NULL.
package memwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
)

// Config for the watcher. The zero value disables it.
type Config struct {
	// LowWaterMark triggers the dump when MemAvailable drops below it,
	// in bytes.
	LowWaterMark uint64
	// Interval between polls. Defaults to one second.
	Interval time.Duration
}

// Watcher polls /proc/meminfo.
type Watcher struct {
	logger  log.Logger
	cfg     Config
	fs      procfs.FS
	trigger func()
}

// New returns a watcher calling trigger once when available memory drops
// below the configured low-water mark.
func New(logger log.Logger, cfg Config, trigger func()) (*Watcher, error) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("memwatch: open procfs: %w", err)
	}
	return &Watcher{logger: logger, cfg: cfg, fs: fs, trigger: trigger}, nil
}

// Run polls until the context is canceled or the trigger fires.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.LowWaterMark == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			avail, err := w.available()
			if err != nil {
				level.Warn(w.logger).Log("msg", "failed to read meminfo", "err", err)
				continue
			}
			if avail < w.cfg.LowWaterMark {
				level.Error(w.logger).Log(
					"msg", "available memory below low-water mark",
					"available", humanize.IBytes(avail),
					"low_water_mark", humanize.IBytes(w.cfg.LowWaterMark),
				)
				w.trigger()
				return nil
			}
		}
	}
}

func (w *Watcher) available() (uint64, error) {
	mi, err := w.fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemAvailable != nil {
		return *mi.MemAvailable * 1024, nil
	}
	// Pre-3.14 kernels: fall back to free memory.
	if mi.MemFree != nil {
		return *mi.MemFree * 1024, nil
	}
	return 0, fmt.Errorf("meminfo reports no availability")
}
