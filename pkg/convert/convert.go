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

// Package convert turns an event source into an indexed log in one forward
// pass.
package convert

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracelog/pkg/clock"
	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/phase"
	"github.com/parca-dev/parca-tracelog/pkg/region"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
	"github.com/parca-dev/parca-tracelog/pkg/timeindex"
	"github.com/parca-dev/parca-tracelog/pkg/tracelog"
)

// Options tune a conversion.
type Options struct {
	PageSize   int
	BucketSize int
	Clock      clock.Config
	// Matcher locates stack walk targets once a clock model is trusted. Nil
	// selects clock.NearestMatcher.
	Matcher clock.Matcher
	// PrologGap is in 100ns units.
	PrologGap int64

	// Resolver attaches symbols after the pass. Nil leaves code addresses
	// unresolved.
	Resolver          symbol.Resolver
	SymbolParallelism int

	// Extensions are copied into the key/value area of the log.
	Extensions map[string]string
}

func DefaultOptions() Options {
	return Options{
		PageSize:          1024,
		BucketSize:        64,
		Clock:             clock.DefaultConfig(),
		PrologGap:         phase.DefaultPrologGap,
		SymbolParallelism: 4,
	}
}

// Stats summarizes a finished conversion.
type Stats struct {
	Read    uint64
	Written int
	Dropped uint64
	Pages   int

	CodeAddresses int
	CallStacks    int
	EventStacks   int
	EventAddrs    int
	// StacksDropped counts stack walks that were not attributed to an event.
	StacksDropped uint64

	Symbols     codeaddr.ResolveStats
	Diagnostics map[string]uint64
	Duration    time.Duration
}

type metrics struct {
	read        prometheus.Counter
	written     prometheus.Counter
	dropped     *prometheus.CounterVec
	pages       prometheus.Counter
	stacks      *prometheus.CounterVec
	diagnostics *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		read: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_records_read_total",
			Help: "Number of records read from the event source.",
		}),
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_events_written_total",
			Help: "Number of events written to the log.",
		}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_events_dropped_total",
			Help: "Number of source records not written to the log, by reason.",
		}, []string{"reason"}),
		pages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_pages_written_total",
			Help: "Number of event pages written.",
		}),
		stacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_stack_associations_total",
			Help: "Number of stack walks attached to events, by whether they started or extended a stack.",
		}, []string{"kind"}),
		diagnostics: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_diagnostics_total",
			Help: "Number of recovered source inconsistencies by kind.",
		}, []string{"kind"}),
	}
	return m
}

// Convert reads src to its end and publishes the indexed log at path. The
// log is written to a temporary file next to path and renamed on success;
// on failure nothing is left behind.
//
// Metrics are registered with reg, which must not be shared with another
// conversion. A nil reg disables them.
func Convert(ctx context.Context, logger log.Logger, reg prometheus.Registerer, src event.Source, path string, opts Options) (*Stats, error) {
	start := time.Now()
	md := src.Metadata()

	p, err := newPass(logger, reg, md, opts)
	if err != nil {
		return nil, err
	}

	tmp := path + ".tmp"
	w, err := region.Create(tmp)
	if err != nil {
		return nil, err
	}
	published := false
	defer func() {
		if !published {
			if err := w.Abort(); err != nil {
				level.Warn(logger).Log("msg", "failed to remove partial log", "path", tmp, "err", err)
			}
		}
	}()

	if err := w.Begin(tracelog.RegionEvents, region.CodecRaw); err != nil {
		return nil, err
	}
	p.pages = timeindex.NewWriter(w, p.index)
	if err := p.run(ctx, src); err != nil {
		return nil, err
	}
	if err := p.pages.Close(); err != nil {
		return nil, fmt.Errorf("close events: %w", err)
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	p.metrics.pages.Add(float64(p.index.Len()))

	stats := p.stats()
	if opts.Resolver != nil {
		res, err := p.addrs.ResolveSymbols(ctx, opts.Resolver, opts.SymbolParallelism)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		// Module failures are already logged and only counted here.
		stats.Symbols = res
	}

	if err := p.write(w, md, stats); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("publish log: %w", err)
	}
	published = true

	stats.Duration = time.Since(start)
	level.Info(logger).Log(
		"msg", "converted trace",
		"path", path,
		"read", stats.Read,
		"written", stats.Written,
		"dropped", stats.Dropped,
		"pages", stats.Pages,
		"stacks", stats.EventStacks,
		"stacks_dropped", stats.StacksDropped,
		"duration", stats.Duration,
	)
	return stats, nil
}

// write writes every region after the events, in format order.
func (p *pass) write(w *region.Writer, md event.SessionMetadata, stats *Stats) error {
	md.FirstEventTime = p.firstTime
	if p.pages.Count() == 0 {
		md.FirstEventTime = md.StartTime
	}
	if md.EndTime == 0 || md.EndTime < p.lastTime {
		md.EndTime = p.lastTime
	}
	if md.PointerSize == 0 {
		md.PointerSize = 8
	}

	kv := map[string]string{}
	for k, v := range p.opts.Extensions {
		kv[k] = v
	}
	p.diags.extensions(kv)
	kv["config.page_size"] = strconv.Itoa(p.opts.PageSize)
	kv["config.bucket_size"] = strconv.Itoa(p.opts.BucketSize)
	kv["config.clock.tight_tolerance"] = strconv.FormatInt(p.opts.Clock.TightTolerance, 10)
	kv["config.clock.loose_tolerance"] = strconv.FormatInt(p.opts.Clock.LooseTolerance, 10)
	kv["config.clock.fallback_lookback"] = strconv.FormatInt(p.opts.Clock.FallbackLookback, 10)
	kv["stacks.dropped"] = strconv.FormatUint(stats.StacksDropped, 10)
	if n := len(md.Parsers); n > 0 {
		kv["source"] = md.Parsers[n-1]
	}
	if p.opts.Resolver != nil {
		kv["symbols.modules"] = strconv.Itoa(stats.Symbols.Modules)
		kv["symbols.failed"] = strconv.Itoa(stats.Symbols.Failed)
	}

	tables := p.addrs.Tables()
	regions := []struct {
		name    string
		payload []byte
	}{
		{tracelog.RegionMetadata, tracelog.EncodeMetadata(md)},
		{tracelog.RegionProcesses, p.procs.Encode()},
		{tracelog.RegionModules, tables.EncodeModules()},
		{tracelog.RegionMethods, tables.EncodeMethods()},
		{tracelog.RegionCodeAddresses, tables.EncodeRecords()},
		{tracelog.RegionCallStacks, p.stacks.Encode()},
		{tracelog.RegionPages, p.index.Encode()},
		{tracelog.RegionEventStacks, p.eventStacks.Encode()},
		{tracelog.RegionEventCodeAddrs, p.eventAddrs.Encode()},
		{tracelog.RegionExtensions, tracelog.EncodeExtensions(kv)},
		{tracelog.RegionParsers, tracelog.EncodeParsers(md.Parsers)},
	}
	for _, r := range regions {
		if err := w.WriteRegion(r.name, region.CodecZstd, r.payload); err != nil {
			return fmt.Errorf("write region %q: %w", r.name, err)
		}
	}
	return nil
}
