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

// Package tracker attributes every tracked byte to the call path that
// requested it and keeps the per-path and whole-process peaks.
package tracker

import (
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ra2003/filprofiler/pkg/arena"
	"github.com/ra2003/filprofiler/pkg/frame"
)

// Metrics are registered once per registry and shared across the
// trackers of successive sessions; registering per session would
// collide on the second start.
type Metrics struct {
	allocationsTotal   prometheus.Counter
	deallocationsTotal prometheus.Counter
	mmapsTotal         prometheus.Counter
	trackedBytes       prometheus.Gauge
	peakTrackedBytes   prometheus.Gauge
	trackedAddresses   prometheus.Gauge
	callstacks         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		allocationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fil_profiler_allocations_total",
			Help: "Number of heap allocations recorded.",
		}),
		deallocationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fil_profiler_deallocations_total",
			Help: "Number of heap deallocations recorded.",
		}),
		mmapsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fil_profiler_anon_mmaps_total",
			Help: "Number of anonymous mmaps recorded.",
		}),
		trackedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fil_profiler_tracked_bytes",
			Help: "Live tracked bytes.",
		}),
		peakTrackedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fil_profiler_peak_tracked_bytes",
			Help: "Highest live tracked bytes seen this session.",
		}),
		trackedAddresses: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fil_profiler_tracked_addresses",
			Help: "Live tracked heap addresses.",
		}),
		callstacks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fil_profiler_callstacks",
			Help: "Distinct call paths interned this session.",
		}),
	}
}

// Zero resets the live gauges when a session ends.
func (m *Metrics) Zero() {
	m.trackedBytes.Set(0)
	m.peakTrackedBytes.Set(0)
	m.trackedAddresses.Set(0)
	m.callstacks.Set(0)
}

// Tracker is the attribution engine: address table, anonymous-mmap range
// map, callstack interner and the attribution tree, all guarded by one
// lock. Per-thread stack capture happens outside the lock; only the
// table+tree mutation is serialized.
type Tracker struct {
	logger  log.Logger
	metrics *Metrics

	mu       sync.Mutex
	interner *interner
	table    *addressTable
	mmaps    *rangeMap
	root     *TreeNode

	// currentUsage is indexed by CallstackID. peakUsage is the frozen copy
	// from the moment the process-wide total last peaked.
	currentUsage []uint64
	peakUsage    []uint64
	currentBytes uint64
	peakBytes    uint64

	// Set when the arena cannot grow: stop recording, keep the host alive.
	disabled bool
}

// New returns a tracker drawing bookkeeping memory from the given store,
// in production the session's arena.
func New(logger log.Logger, m *Metrics, store stringStore) *Tracker {
	return &Tracker{
		logger:   logger,
		metrics:  m,
		interner: newInterner(store),
		table:    newAddressTable(),
		mmaps:    newRangeMap(),
		root:     newTreeNode(frame.Root),
	}
}

// degrade is the arena-exhaustion path: disable all further recording
// rather than take the host program down with us.
func (t *Tracker) degrade(err error) {
	if errors.Is(err, arena.ErrExhausted) {
		level.Warn(t.logger).Log("msg", "profiler arena exhausted, tracking disabled for the rest of the run", "err", err)
	} else {
		level.Error(t.logger).Log("msg", "profiler bookkeeping failed, tracking disabled", "err", err)
	}
	t.disabled = true
}

func (t *Tracker) internLocked(cs frame.Callstack) (CallstackID, bool) {
	id, isNew, err := t.interner.intern(cs)
	if err != nil {
		t.degrade(err)
		return 0, false
	}
	if isNew {
		t.currentUsage = append(t.currentUsage, 0)
		t.metrics.callstacks.Set(float64(t.interner.len()))
	}
	return id, true
}

func (t *Tracker) addUsageLocked(id CallstackID, n uint64) {
	t.currentBytes += n
	t.currentUsage[id] += n
	t.metrics.trackedBytes.Set(float64(t.currentBytes))
}

func (t *Tracker) removeUsageLocked(id CallstackID, n uint64) {
	t.currentBytes = saturatingSub(t.currentBytes, n)
	t.currentUsage[id] = saturatingSub(t.currentUsage[id], n)
	t.metrics.trackedBytes.Set(float64(t.currentBytes))
}

// capturePeakLocked freezes the usage vector if the total has set a new
// maximum since the last check. Called before anything shrinks the total
// and before any snapshot is taken, which is equivalent to checking after
// every allocation: during a monotone rise only the final value can win.
func (t *Tracker) capturePeakLocked() {
	if t.currentBytes > t.peakBytes {
		t.peakBytes = t.currentBytes
		t.peakUsage = append(t.peakUsage[:0], t.currentUsage...)
		t.metrics.peakTrackedBytes.Set(float64(t.peakBytes))
	}
}

// RecordAllocation attributes a heap allocation at addr to the given call
// path. An existing record for addr is overwritten; there is at most one
// live record per address.
func (t *Tracker) RecordAllocation(cs frame.Callstack, addr uintptr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	id, ok := t.internLocked(cs)
	if !ok {
		return
	}
	alloc := newAllocation(id, size)
	if prev, existed := t.table.get(addr); existed {
		// The real allocator recycled an address we never saw freed.
		t.capturePeakLocked()
		t.removeUsageLocked(prev.callstackID, prev.size())
		t.root.remove(t.interner.lookup(prev.callstackID).Frames, prev.size())
	}
	t.table.record(addr, alloc)
	t.addUsageLocked(id, alloc.size())
	t.root.add(t.interner.lookup(id).Frames, alloc.size())
	t.metrics.allocationsTotal.Inc()
	t.metrics.trackedAddresses.Set(float64(t.table.len()))
}

// RecordAnonMmap attributes an anonymous mapping to the given call path.
func (t *Tracker) RecordAnonMmap(cs frame.Callstack, addr uintptr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	id, ok := t.internLocked(cs)
	if !ok {
		return
	}
	t.mmaps.add(addr, size, id)
	t.addUsageLocked(id, size)
	t.root.add(t.interner.lookup(id).Frames, size)
	t.metrics.mmapsTotal.Inc()
}

// RecordDeallocation retires the record for addr. Addresses never
// recorded, e.g. allocated before tracing started, are silently ignored.
func (t *Tracker) RecordDeallocation(addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	t.capturePeakLocked()
	alloc, ok := t.table.remove(addr)
	if !ok {
		return
	}
	t.removeUsageLocked(alloc.callstackID, alloc.size())
	t.root.remove(t.interner.lookup(alloc.callstackID).Frames, alloc.size())
	t.metrics.deallocationsTotal.Inc()
	t.metrics.trackedAddresses.Set(float64(t.table.len()))
}

// RecordMunmap retires [addr, addr+size) from the tracked mappings. The
// range may cover part of a mapping, several mappings, or nothing at all.
func (t *Tracker) RecordMunmap(addr uintptr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	t.capturePeakLocked()
	for _, r := range t.mmaps.remove(addr, size) {
		t.removeUsageLocked(r.callstackID, r.bytes)
		t.root.remove(t.interner.lookup(r.callstackID).Frames, r.bytes)
	}
}

// RecordRealloc retires the record at oldAddr and records the full new
// size at newAddr, attributed to the call path of the realloc itself, not
// the original allocation site. oldAddr and newAddr may be equal.
func (t *Tracker) RecordRealloc(cs frame.Callstack, oldAddr, newAddr uintptr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}
	t.capturePeakLocked()
	if prev, ok := t.table.remove(oldAddr); ok {
		t.removeUsageLocked(prev.callstackID, prev.size())
		t.root.remove(t.interner.lookup(prev.callstackID).Frames, prev.size())
	}
	id, ok := t.internLocked(cs)
	if !ok {
		return
	}
	alloc := newAllocation(id, size)
	t.table.record(newAddr, alloc)
	t.addUsageLocked(id, alloc.size())
	t.root.add(t.interner.lookup(id).Frames, alloc.size())
	t.metrics.allocationsTotal.Inc()
	t.metrics.trackedAddresses.Set(float64(t.table.len()))
}

// SizeOf returns the tracked size of a heap address, or zero if the
// address is unknown.
func (t *Tracker) SizeOf(addr uintptr) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if alloc, ok := t.table.get(addr); ok {
		return alloc.size()
	}
	return 0
}

// TotalBytes returns the current live tracked total.
func (t *Tracker) TotalBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBytes
}

// PeakTotalBytes returns the highest live tracked total seen so far.
func (t *Tracker) PeakTotalBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capturePeakLocked()
	return t.peakBytes
}

// PathNode returns a copy of the tree node at the given path, or false if
// no such prefix was ever recorded. The path includes the root frame.
func (t *Tracker) PathNode(path []frame.Frame) (TreeNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root.Lookup(path)
	if n == nil {
		return TreeNode{}, false
	}
	return TreeNode{Frame: n.Frame.Clone(), CurrentBytes: n.CurrentBytes, PeakBytes: n.PeakBytes}, true
}

// Close permanently disables recording. The session calls it before
// releasing the arena, so hooks still in flight on other threads cannot
// touch freed bookkeeping memory.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = true
}

// Disabled reports whether tracking was shut off after a bookkeeping
// failure.
func (t *Tracker) Disabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disabled
}
