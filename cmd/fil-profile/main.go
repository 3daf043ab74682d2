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

// Command fil-profile runs a memory-profiled workload end to end: it
// starts a tracing session, routes every allocation of the workload
// through the interception hooks, and writes peak and (on memory
// pressure) out-of-memory dumps for the flamegraph renderer.
package main

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ra2003/filprofiler/pkg/logger"
	"github.com/ra2003/filprofiler/pkg/memwatch"
	"github.com/ra2003/filprofiler/pkg/session"
	"github.com/ra2003/filprofiler/pkg/shim"
)

type flags struct {
	LogLevel    string `enum:"error,warn,info,debug" help:"Log level." default:"info"`
	HTTPAddress string `help:"Address to bind HTTP server to." default:":8067"`
	OutputDir   string `help:"Directory to write memory profiles to." default:"fil-result"`

	MemLowWaterMark uint64        `help:"Dump early when host available memory drops below this many bytes. 0 disables the watcher." default:"0"`
	Workers         int           `help:"Demo workload worker threads." default:"4"`
	Duration        time.Duration `help:"Demo workload duration." default:"10s"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags)

	logger := logger.NewLogger(flags.LogLevel, logger.LogFormatLogfmt, "fil-profile")
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	if err := runProfiler(ctx, logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func runProfiler(ctx context.Context, logger log.Logger, reg *prometheus.Registry, flags flags) error {
	sess := session.New(logger, reg, session.Options{})
	hooks := shim.New(shim.NewSystemAllocator(), sess)

	if err := sess.Start(flags.OutputDir); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			runWorkload(ctx, logger, sess, hooks, flags.Workers, flags.Duration)
			return nil
		}, func(error) {
			cancel()
		})
	}

	if flags.MemLowWaterMark > 0 {
		watcher, err := memwatch.New(logger, memwatch.Config{
			LowWaterMark: flags.MemLowWaterMark,
		}, sess.OutOfMemory)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			err := watcher.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	{
		ln, err := net.Listen("tcp", flags.HTTPAddress)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: mux}
		g.Add(func() error {
			return srv.Serve(ln)
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt))

	err := g.Run()
	if stopErr := sess.Stop(flags.OutputDir); stopErr != nil {
		level.Error(logger).Log("msg", "failed to write final dump", "err", stopErr)
	}
	if _, ok := err.(run.SignalError); ok {
		level.Info(logger).Log("msg", "stopped by signal")
		return nil
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
