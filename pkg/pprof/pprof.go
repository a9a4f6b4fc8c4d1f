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

// Package pprof exports the stacks of a range of events as a pprof profile.
package pprof

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-tracelog/pkg/callstack"
	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/tracelog"
)

const (
	LabelPID = "pid"
	LabelTID = "tid"
)

type functionKey struct {
	name string
	file string
}

// Converter turns the stacked events of a log into pprof samples. Mappings,
// functions and locations are shared between samples of one profile.
type Converter struct {
	l       *tracelog.Log
	metrics *converterMetrics

	mappings  map[codeaddr.ModuleFileIndex]*profile.Mapping
	functions map[functionKey]*profile.Function
	locations map[codeaddr.Index]*profile.Location

	prof *profile.Profile
}

func NewConverter(l *tracelog.Log, reg prometheus.Registerer) *Converter {
	return &Converter{l: l, metrics: newConverterMetrics(reg)}
}

// Convert builds a profile with one sample of value 1 per selected event
// that has a stack. Events that only carry an instruction pointer give a one
// frame sample. No aggregation is done here.
func (c *Converter) Convert(f tracelog.Filter) (*profile.Profile, error) {
	c.mappings = map[codeaddr.ModuleFileIndex]*profile.Mapping{}
	c.functions = map[functionKey]*profile.Function{}
	c.locations = map[codeaddr.Index]*profile.Location{}
	c.prof = &profile.Profile{
		SampleType: []*profile.ValueType{{
			Type: "events",
			Unit: "count",
		}},
		PeriodType: &profile.ValueType{
			Type: "events",
			Unit: "count",
		},
		Period: 1,
	}

	stacks, err := c.l.CallStacks()
	if err != nil {
		return nil, err
	}
	// Samples are always taken in time order, even for a backward filter.
	f.Backward = false
	it, err := c.l.Events(f)
	if err != nil {
		return nil, err
	}

	first, last := int64(0), int64(0)
	for {
		idx, e, ok := it.Next()
		if !ok {
			break
		}
		addrs, err := c.addresses(stacks, idx)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", idx, err)
		}
		if len(addrs) == 0 {
			c.metrics.eventsSkipped.WithLabelValues(labelEventNoStack).Inc()
			continue
		}
		if len(c.prof.Sample) == 0 {
			first = e.Timestamp
		}
		last = e.Timestamp

		s := &profile.Sample{
			Value: []int64{1},
			NumLabel: map[string][]int64{
				LabelPID: {int64(e.ProcessID)},
				LabelTID: {int64(e.ThreadID)},
			},
		}
		for _, a := range addrs {
			loc, err := c.location(a)
			if err != nil {
				return nil, err
			}
			s.Location = append(s.Location, loc)
		}
		c.prof.Sample = append(c.prof.Sample, s)
		c.metrics.samples.Inc()
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	// Trace time is in 100ns units.
	c.prof.TimeNanos = first * 100
	c.prof.DurationNanos = (last - first) * 100

	if err := c.prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return c.prof, nil
}

// addresses returns the frames of an event, leaf first.
func (c *Converter) addresses(stacks *callstack.Interner, idx event.Index) ([]codeaddr.Index, error) {
	s, ok, err := c.l.CallStack(idx)
	if err != nil {
		return nil, err
	}
	if ok {
		return stacks.Addresses(s)
	}
	a, ok, err := c.l.CodeAddressForEvent(idx)
	if err != nil || !ok {
		return nil, err
	}
	return []codeaddr.Index{a}, nil
}

func (c *Converter) location(i codeaddr.Index) (*profile.Location, error) {
	if loc, ok := c.locations[i]; ok {
		return loc, nil
	}
	rec, err := c.l.CodeAddress(i)
	if err != nil {
		return nil, err
	}
	loc := &profile.Location{
		ID:      uint64(len(c.prof.Location)) + 1,
		Address: rec.Address,
	}
	if rec.Module != codeaddr.NoModule {
		if loc.Mapping, err = c.mapping(rec.Module); err != nil {
			return nil, err
		}
	} else {
		c.metrics.frames.WithLabelValues(labelFrameNoModule).Inc()
	}
	if rec.Method == codeaddr.NoMethod {
		c.metrics.frames.WithLabelValues(labelFrameUnresolved).Inc()
	} else {
		m, err := c.l.Method(rec.Method)
		if err != nil {
			return nil, err
		}
		loc.Line = []profile.Line{{
			Function: c.function(m.Name, m.File),
			Line:     int64(rec.Line),
		}}
	}
	c.locations[i] = loc
	c.prof.Location = append(c.prof.Location, loc)
	return loc, nil
}

func (c *Converter) mapping(i codeaddr.ModuleFileIndex) (*profile.Mapping, error) {
	if m, ok := c.mappings[i]; ok {
		return m, nil
	}
	files, err := c.l.ModuleFiles()
	if err != nil {
		return nil, err
	}
	if int(i) >= len(files) {
		return nil, fmt.Errorf("module file %d of %d", i, len(files))
	}
	file := files[i]
	m := &profile.Mapping{
		ID:    uint64(len(c.prof.Mapping)) + 1,
		Start: file.ImageBase,
		Limit: file.ImageBase + file.ImageSize,
		File:  file.Path,
	}
	c.mappings[i] = m
	c.prof.Mapping = append(c.prof.Mapping, m)
	return m, nil
}

func (c *Converter) function(name, file string) *profile.Function {
	key := functionKey{name: name, file: file}
	if fn, ok := c.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(c.prof.Function)) + 1,
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	c.functions[key] = fn
	c.prof.Function = append(c.prof.Function, fn)
	return fn
}

// Write writes p gzip compressed, as pprof tools expect.
func Write(w io.Writer, p *profile.Profile) error {
	zw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(zw); err != nil {
		zw.Close()
		return fmt.Errorf("write profile: %w", err)
	}
	return zw.Close()
}
