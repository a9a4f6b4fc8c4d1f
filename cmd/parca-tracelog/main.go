// Copyright 2024 The Parca Authors
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
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-tracelog/flags"
	"github.com/parca-dev/parca-tracelog/pkg/logger"
)

func main() {
	f, kctx, err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-tracelog")

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(logger, reg, f, kctx.Command()); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags, command string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g okrun.Group

	g.Add(func() error {
		return execute(ctx, logger, reg, f, command, os.Stdout)
	}, func(error) {
		cancel()
	})

	if f.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		// Registered on the default mux by the net/http/pprof import.
		mux.Handle("/debug/pprof/", http.DefaultServeMux)

		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting http server", "addr", f.HTTPAddress)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	return g.Run()
}

// execute runs one command, printing its output to w.
func execute(ctx context.Context, logger log.Logger, reg prometheus.Registerer, f flags.Flags, command string, w io.Writer) error {
	switch command {
	case "convert <input>":
		return runConvert(ctx, logger, reg, f, w)
	case "info <log>":
		return runInfo(logger, reg, f.Info, w)
	case "events <log>":
		return runEvents(logger, reg, f.Events, w)
	case "stack <log> <event>":
		return runStack(logger, reg, f.Stack, w)
	case "export-pprof <log>":
		return runExportPprof(logger, reg, f.ExportPprof, w)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
