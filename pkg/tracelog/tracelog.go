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

// Package tracelog reads indexed logs.
//
// A Log is safe for concurrent use. Its tables are decoded on first use and
// shared by every reader afterward; iterators own their decode buffers.
package tracelog

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/parca-tracelog/pkg/assoc"
	"github.com/parca-dev/parca-tracelog/pkg/callstack"
	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/process"
	"github.com/parca-dev/parca-tracelog/pkg/region"
	"github.com/parca-dev/parca-tracelog/pkg/timeindex"
)

type metrics struct {
	decodes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		decodes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_region_decodes_total",
			Help: "Number of lazily decoded log regions by region and result.",
		}, []string{"region", "result"}),
	}
}

// codeTables are the code address tables, decoded together since records
// refer to modules and methods.
type codeTables struct {
	modules []codeaddr.ModuleFile
	methods []codeaddr.Method
	records []codeaddr.Record
}

type Log struct {
	logger  log.Logger
	metrics *metrics
	file    *region.File
	md      event.SessionMetadata

	pages       *region.Lazy[*timeindex.Reader]
	processes   *region.Lazy[[]*process.Process]
	code        *region.Lazy[*codeTables]
	stacks      *region.Lazy[*callstack.Interner]
	eventStacks *region.Lazy[*assoc.Table[callstack.Index]]
	eventAddrs  *region.Lazy[*assoc.Table[codeaddr.Index]]
	extensions  *region.Lazy[map[string]string]

	frames *xsync.MapOf[callstack.Index, []Frame]
}

// Open opens the log at path. Only the directory and the session metadata
// are read; every other region is decoded when first needed.
func Open(logger log.Logger, reg prometheus.Registerer, path string) (*Log, error) {
	f, err := region.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	l := &Log{
		logger:  logger,
		metrics: newMetrics(reg),
		file:    f,
		frames:  xsync.NewMapOf[callstack.Index, []Frame](),
	}
	if err := l.readMetadata(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	l.pages = lazy(l, RegionPages, l.decodePages)
	l.processes = lazy(l, RegionProcesses, func() ([]*process.Process, error) {
		b, err := l.file.Bytes(RegionProcesses)
		if err != nil {
			return nil, err
		}
		return process.Decode(b)
	})
	l.code = lazy(l, RegionCodeAddresses, l.decodeCode)
	l.stacks = lazy(l, RegionCallStacks, func() (*callstack.Interner, error) {
		code, err := l.code.Get()
		if err != nil {
			return nil, err
		}
		b, err := l.file.Bytes(RegionCallStacks)
		if err != nil {
			return nil, err
		}
		return callstack.Decode(b, len(code.records))
	})
	l.eventStacks = lazy(l, RegionEventStacks, func() (*assoc.Table[callstack.Index], error) {
		stacks, err := l.stacks.Get()
		if err != nil {
			return nil, err
		}
		b, err := l.file.Bytes(RegionEventStacks)
		if err != nil {
			return nil, err
		}
		return assoc.Decode[callstack.Index](b, stacks.Len())
	})
	l.eventAddrs = lazy(l, RegionEventCodeAddrs, func() (*assoc.Table[codeaddr.Index], error) {
		code, err := l.code.Get()
		if err != nil {
			return nil, err
		}
		b, err := l.file.Bytes(RegionEventCodeAddrs)
		if err != nil {
			return nil, err
		}
		return assoc.Decode[codeaddr.Index](b, len(code.records))
	})
	l.extensions = lazy(l, RegionExtensions, func() (map[string]string, error) {
		b, err := l.file.Bytes(RegionExtensions)
		if err != nil {
			return nil, err
		}
		return DecodeExtensions(b)
	})
	return l, nil
}

func lazy[T any](l *Log, name string, decode func() (T, error)) *region.Lazy[T] {
	return region.NewLazy(func() (T, error) {
		v, err := decode()
		if err != nil {
			l.metrics.decodes.WithLabelValues(name, "error").Inc()
			level.Error(l.logger).Log("msg", "failed to decode log region", "region", name, "err", err)
			return v, fmt.Errorf("region %q: %w", name, err)
		}
		l.metrics.decodes.WithLabelValues(name, "success").Inc()
		return v, nil
	})
}

func (l *Log) readMetadata() error {
	b, err := l.file.Bytes(RegionMetadata)
	if err != nil {
		return err
	}
	md, err := DecodeMetadata(b)
	if err != nil {
		return err
	}
	b, err = l.file.Bytes(RegionParsers)
	if err != nil {
		return err
	}
	if md.Parsers, err = DecodeParsers(b); err != nil {
		return err
	}
	l.md = md
	return nil
}

func (l *Log) decodePages() (*timeindex.Reader, error) {
	b, err := l.file.Bytes(RegionPages)
	if err != nil {
		return nil, err
	}
	index, err := timeindex.Decode(b)
	if err != nil {
		return nil, err
	}
	e, ok := l.file.Entry(RegionEvents)
	if !ok {
		return nil, fmt.Errorf("%q: %w", RegionEvents, region.ErrRegionNotFound)
	}
	return timeindex.NewReader(io.NewSectionReader(l.file, e.Offset, e.Length), e.Length, index), nil
}

func (l *Log) decodeCode() (*codeTables, error) {
	var t codeTables
	b, err := l.file.Bytes(RegionModules)
	if err != nil {
		return nil, err
	}
	if t.modules, err = codeaddr.DecodeModules(b); err != nil {
		return nil, err
	}
	if b, err = l.file.Bytes(RegionMethods); err != nil {
		return nil, err
	}
	if t.methods, err = codeaddr.DecodeMethods(b, len(t.modules)); err != nil {
		return nil, err
	}
	if b, err = l.file.Bytes(RegionCodeAddresses); err != nil {
		return nil, err
	}
	if t.records, err = codeaddr.DecodeRecords(b, len(t.modules), len(t.methods)); err != nil {
		return nil, err
	}
	return &t, nil
}

// Metadata returns the session metadata.
func (l *Log) Metadata() event.SessionMetadata {
	return l.md
}

// Verify checks the checksum of the events region, which is otherwise read
// page by page without verification.
func (l *Log) Verify() error {
	return l.file.Verify(RegionEvents)
}

// Regions returns the region directory.
func (l *Log) Regions() []region.Entry {
	return l.file.Entries()
}

func (l *Log) Processes() ([]*process.Process, error) {
	return l.processes.Get()
}

// Extensions returns the key/value area.
func (l *Log) Extensions() (map[string]string, error) {
	return l.extensions.Get()
}

// EventCount returns the number of events in the log.
func (l *Log) EventCount() (int, error) {
	r, err := l.pages.Get()
	if err != nil {
		return 0, err
	}
	return r.Count()
}

// PageCount returns the number of event pages.
func (l *Log) PageCount() (int, error) {
	r, err := l.pages.Get()
	if err != nil {
		return 0, err
	}
	return r.Index().Len(), nil
}

func (l *Log) Close() error {
	return l.file.Close()
}
