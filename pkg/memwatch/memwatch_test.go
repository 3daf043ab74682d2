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

package memwatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestDisabledWatcherWaitsForCancel(t *testing.T) {
	w, err := New(log.NewNopLogger(), Config{}, func() {
		t.Error("trigger must not fire when disabled")
	})
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Run(ctx), context.DeadlineExceeded)
}

func TestImpossiblyHighWaterMarkTriggers(t *testing.T) {
	fired := make(chan struct{})
	w, err := New(log.NewNopLogger(), Config{
		// More memory than any host has free: the first poll trips it.
		LowWaterMark: 1 << 60,
		Interval:     time.Millisecond,
	}, func() { close(fired) })
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	select {
	case <-fired:
	default:
		t.Fatal("trigger did not fire")
	}
}
