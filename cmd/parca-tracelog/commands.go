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
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-tracelog/flags"
	"github.com/parca-dev/parca-tracelog/pkg/config"
	"github.com/parca-dev/parca-tracelog/pkg/convert"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/pprof"
	"github.com/parca-dev/parca-tracelog/pkg/rawtrace"
	"github.com/parca-dev/parca-tracelog/pkg/region"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
	"github.com/parca-dev/parca-tracelog/pkg/tracelog"
)

var errUnknownInput = errors.New("input is neither a raw trace nor an indexed log")

// ticks converts a span in 100ns units to a duration.
func ticks(t int64) time.Duration {
	return time.Duration(t) * 100
}

func loadConfig(f flags.Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFile(f.ConfigPath); err != nil {
			return nil, err
		}
	}
	f.Convert.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func sniff(path string) ([]byte, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	prefix := make([]byte, len(region.MAGIC))
	n, err := io.ReadFull(fd, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return prefix[:n], nil
}

// openSource opens a raw trace, or re-iterates an indexed log. The returned
// closer releases everything openSource opened.
func openSource(logger log.Logger, reg prometheus.Registerer, path string) (event.Source, func() error, error) {
	prefix, err := sniff(path)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case region.IsContainer(prefix):
		l, err := tracelog.Open(logger, reg, path)
		if err != nil {
			return nil, nil, err
		}
		src, err := l.Source()
		if err != nil {
			l.Close()
			return nil, nil, err
		}
		return src, func() error {
			var errs *multierror.Error
			errs = multierror.Append(errs, src.Close())
			errs = multierror.Append(errs, l.Close())
			return errs.ErrorOrNil()
		}, nil
	case rawtrace.IsRawTrace(prefix):
		r, err := rawtrace.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("%s: %w", path, errUnknownInput)
	}
}

func runConvert(ctx context.Context, logger log.Logger, reg prometheus.Registerer, f flags.Flags, w io.Writer) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "using config", "config", cfg.String())

	src, closeSource, err := openSource(logger, reg, f.Convert.Input)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSource(); err != nil {
			level.Warn(logger).Log("msg", "failed to close input", "path", f.Convert.Input, "err", err)
		}
	}()

	opts := cfg.ConvertOptions()
	if !f.Convert.Symbols.Disable {
		sym := symbol.NewSymbolizer(logger, reg, cfg.SymbolConfig())
		defer sym.Close()
		opts.Resolver = sym
	}

	stats, err := convert.Convert(ctx, logger, reg, src, f.Convert.Output, opts)
	if err != nil {
		return fmt.Errorf("convert %s: %w", f.Convert.Input, err)
	}
	level.Info(logger).Log("msg", "converted", "input", f.Convert.Input, "output", f.Convert.Output, "duration", stats.Duration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "records read\t%s\n", humanize.Comma(int64(stats.Read)))
	fmt.Fprintf(tw, "events written\t%s\n", humanize.Comma(int64(stats.Written)))
	fmt.Fprintf(tw, "events dropped\t%s\n", humanize.Comma(int64(stats.Dropped)))
	fmt.Fprintf(tw, "pages\t%d\n", stats.Pages)
	fmt.Fprintf(tw, "code addresses\t%d\n", stats.CodeAddresses)
	fmt.Fprintf(tw, "call stacks\t%d\n", stats.CallStacks)
	fmt.Fprintf(tw, "events with stacks\t%d\n", stats.EventStacks)
	fmt.Fprintf(tw, "stacks dropped\t%d\n", stats.StacksDropped)
	if opts.Resolver != nil {
		fmt.Fprintf(tw, "symbols\t%d resolved in %d modules, %d failed\n", stats.Symbols.Resolved, stats.Symbols.Modules, stats.Symbols.Failed)
	}
	kinds := make([]string, 0, len(stats.Diagnostics))
	for k := range stats.Diagnostics {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(tw, "diagnostic %s\t%d\n", k, stats.Diagnostics[k])
	}
	return tw.Flush()
}

func runInfo(logger log.Logger, reg prometheus.Registerer, c flags.CmdInfo, w io.Writer) error {
	l, err := tracelog.Open(logger, reg, c.Log)
	if err != nil {
		return err
	}
	defer l.Close()

	if c.Verify {
		if err := l.Verify(); err != nil {
			return err
		}
	}

	md := l.Metadata()
	events, err := l.EventCount()
	if err != nil {
		return err
	}
	pages, err := l.PageCount()
	if err != nil {
		return err
	}
	procs, err := l.Processes()
	if err != nil {
		return err
	}
	ext, err := l.Extensions()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "machine\t%s\n", md.MachineName)
	fmt.Fprintf(tw, "processors\t%d\n", md.ProcessorCount)
	fmt.Fprintf(tw, "memory\t%s\n", humanize.IBytes(md.MemorySizeMB<<20))
	fmt.Fprintf(tw, "pointer size\t%d\n", md.PointerSize)
	fmt.Fprintf(tw, "start\t%d\n", md.StartTime)
	fmt.Fprintf(tw, "first event\t%d\n", md.FirstEventTime)
	fmt.Fprintf(tw, "end\t%d\n", md.EndTime)
	fmt.Fprintf(tw, "duration\t%s\n", ticks(md.EndTime-md.StartTime))
	fmt.Fprintf(tw, "lost events\t%d\n", md.LostEvents)
	fmt.Fprintf(tw, "parsers\t%v\n", md.Parsers)
	fmt.Fprintf(tw, "events\t%s\n", humanize.Comma(int64(events)))
	fmt.Fprintf(tw, "pages\t%d\n", pages)
	fmt.Fprintf(tw, "processes\t%d\n", len(procs))

	keys := make([]string, 0, len(ext))
	for k := range ext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, ext[k])
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "REGION\tCODEC\tSIZE")
	for _, r := range l.Regions() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Codec, humanize.IBytes(uint64(r.Length)))
	}
	return tw.Flush()
}

func filter(r flags.FlagsRange) tracelog.Filter {
	f := tracelog.Filter{
		Start:    r.Start,
		End:      r.End,
		Backward: r.Backward,
	}
	if len(r.PIDs) > 0 {
		f.Processes = roaring.BitmapOf(r.PIDs...)
	}
	return f
}

func runEvents(logger log.Logger, reg prometheus.Registerer, c flags.CmdEvents, w io.Writer) error {
	l, err := tracelog.Open(logger, reg, c.Log)
	if err != nil {
		return err
	}
	defer l.Close()

	it, err := l.Events(filter(c.Range))
	if err != nil {
		return err
	}
	n := 0
	for c.Limit == 0 || n < c.Limit {
		idx, e, ok := it.Next()
		if !ok {
			break
		}
		n++
		fmt.Fprintf(w, "#%d %s\n", idx, e)
		if !c.Stacks {
			continue
		}
		if err := printStack(w, l, idx, "\t"); err != nil {
			return err
		}
	}
	return it.Err()
}

// printStack prints the frames attached to an event, or its code address when
// it has no stack.
func printStack(w io.Writer, l *tracelog.Log, idx event.Index, indent string) error {
	s, ok, err := l.CallStack(idx)
	if err != nil {
		return err
	}
	if ok {
		frames, err := l.Frames(s)
		if err != nil {
			return err
		}
		for _, fr := range frames {
			fmt.Fprintf(w, "%s%s\n", indent, fr)
		}
		return nil
	}
	ci, ok, err := l.CodeAddressForEvent(idx)
	if err != nil || !ok {
		return err
	}
	fr, err := l.Frame(ci)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s%s\n", indent, fr)
	return nil
}

func runStack(logger log.Logger, reg prometheus.Registerer, c flags.CmdStack, w io.Writer) error {
	l, err := tracelog.Open(logger, reg, c.Log)
	if err != nil {
		return err
	}
	defer l.Close()

	events, err := l.EventCount()
	if err != nil {
		return err
	}
	if int(c.Event) >= events {
		return fmt.Errorf("event %d out of range, the log has %d events", c.Event, events)
	}
	return printStack(w, l, event.Index(c.Event), "")
}

func runExportPprof(logger log.Logger, reg prometheus.Registerer, c flags.CmdExportPprof, w io.Writer) error {
	l, err := tracelog.Open(logger, reg, c.Log)
	if err != nil {
		return err
	}
	defer l.Close()

	p, err := pprof.NewConverter(l, reg).Convert(filter(c.Range))
	if err != nil {
		return err
	}

	out, err := os.Create(c.Output)
	if err != nil {
		return err
	}
	if err := pprof.Write(out, p); err != nil {
		out.Close()
		os.Remove(c.Output)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d samples to %s\n", len(p.Sample), c.Output)
	return nil
}
