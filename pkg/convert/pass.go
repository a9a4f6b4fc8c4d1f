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

package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-tracelog/pkg/assoc"
	"github.com/parca-dev/parca-tracelog/pkg/callstack"
	"github.com/parca-dev/parca-tracelog/pkg/clock"
	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/phase"
	"github.com/parca-dev/parca-tracelog/pkg/process"
	"github.com/parca-dev/parca-tracelog/pkg/timeindex"
)

// pass is the state of one forward scan over a source.
type pass struct {
	logger  log.Logger
	metrics *metrics
	opts    Options

	procs  *process.Table
	addrs  *codeaddr.Map
	stacks *callstack.Interner
	clock  *clock.Reconciler
	diags  *diagnostics

	index *timeindex.Index
	pages *timeindex.Writer

	eventStacks assoc.Table[callstack.Index]
	eventAddrs  assoc.Table[codeaddr.Index]

	state     phase.State
	read      uint64
	dropped   uint64
	unmatched uint64
	firstTime int64
	lastTime  int64
	// observed is the time of the newest record handed to the clock.
	observed int64

	// Scratch payloads reused for every record.
	walk   event.StackWalkPayload
	frames []codeaddr.Index
}

func newPass(logger log.Logger, reg prometheus.Registerer, md event.SessionMetadata, opts Options) (*pass, error) {
	index, err := timeindex.NewIndex(opts.PageSize)
	if err != nil {
		return nil, err
	}
	m := newMetrics(reg)
	diags := newDiagnostics(logger, m.diagnostics)
	addrs, err := codeaddr.NewMap(logger, reg, opts.BucketSize, md.KernelSplit())
	if err != nil {
		return nil, err
	}
	rec, err := clock.NewReconciler(logger, reg, opts.Clock, opts.Matcher)
	if err != nil {
		return nil, err
	}
	return &pass{
		logger:  logger,
		metrics: m,
		opts:    opts,
		procs:   process.NewTable(diags, md.KernelSplit()),
		addrs:   addrs,
		stacks:  callstack.New(),
		clock:   rec,
		diags:   diags,
		index:   index,

		observed: math.MinInt64,
	}, nil
}

func (p *pass) run(ctx context.Context, src event.Source) error {
	for {
		if p.read%uint64(p.opts.PageSize) == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		e, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record %d: %w", p.read, err)
		}
		p.read++
		p.metrics.read.Inc()
		if err := p.record(e); err != nil {
			return err
		}
	}
}

// record applies the side effects of e and writes it if the current phase
// retains it.
func (p *pass) record(e *event.Event) error {
	p.state = phase.Next(p.state, e.Opcode, e.Timestamp, p.opts.PrologGap)

	if e.Opcode == event.OpStackWalk {
		// Stack walks are folded into the association table, never written.
		return p.stackWalk(e)
	}

	addr, err := p.bookkeeping(e)
	if err != nil {
		p.diags.Report(DiagMalformedPayload, e.Timestamp, e.ProcessID)
	}

	if !phase.Retain(p.state.Phase, e.Opcode) {
		p.dropped++
		p.metrics.dropped.WithLabelValues(p.state.Phase.String()).Inc()
		// Walks for a dropped record must find it, and attach nowhere.
		if e.Timestamp >= p.observed {
			p.observed = e.Timestamp
			p.clock.Observe(e.Processor, e.ThreadID, e.Timestamp, event.NoIndex)
		}
		return nil
	}
	idx, err := p.pages.Append(e)
	if err != nil {
		return err
	}
	p.metrics.written.Inc()
	if idx == 0 {
		p.firstTime = e.Timestamp
	}
	p.lastTime = e.Timestamp
	p.observed = e.Timestamp
	p.clock.Observe(e.Processor, e.ThreadID, e.Timestamp, idx)
	if addr != codeaddr.None {
		p.eventAddrs.Put(idx, addr)
	}
	return nil
}

// bookkeeping updates processes, images and methods from e. It returns the
// code address e carries, if any.
func (p *pass) bookkeeping(e *event.Event) (codeaddr.Index, error) {
	rundown := e.Opcode.IsRundown()
	switch e.Opcode {
	case event.OpProcessStart, event.OpProcessDCStart:
		var pl event.ProcessPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.procs.ProcessStart(e.Timestamp, pl.ProcessID, pl.ParentID, pl.ImageName, rundown)

	case event.OpProcessEnd, event.OpProcessDCEnd:
		var pl event.ProcessPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.procs.ProcessEnd(e.Timestamp, pl.ProcessID, rundown)
		if !rundown {
			p.addrs.ProcessEnd(pl.ProcessID)
		}

	case event.OpThreadStart, event.OpThreadDCStart:
		var pl event.ThreadPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.procs.ThreadStart(e.Timestamp, pl.ProcessID, pl.ThreadID, rundown)

	case event.OpThreadEnd, event.OpThreadDCEnd:
		var pl event.ThreadPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.procs.ThreadEnd(e.Timestamp, pl.ProcessID, pl.ThreadID, rundown)

	case event.OpImageLoad, event.OpImageDCStart:
		var pl event.ImagePayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		if rundown {
			// Rundowns repeat images that are already known.
			if m := p.procs.MappingForAddr(pl.ProcessID, pl.ImageBase); m != nil && m.StartAddr == pl.ImageBase && m.Path == pl.Path {
				return codeaddr.None, nil
			}
		}
		file := p.addrs.AddModuleFile(pl.Path, pl.ImageBase, pl.ImageSize)
		p.procs.ImageLoad(e.Timestamp, pl.ProcessID, pl.ImageBase, pl.ImageSize, pl.Path, uint32(file))

	case event.OpImageUnload:
		var pl event.ImagePayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.procs.ImageUnload(e.Timestamp, pl.ProcessID, pl.ImageBase)

	case event.OpMethodLoad:
		var pl event.MethodPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.addrs.MethodLoad(pl.ProcessID, pl.Start, pl.Size, pl.Name)

	case event.OpMethodUnload:
		var pl event.MethodPayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		p.addrs.MethodUnload(pl.ProcessID, pl.Start)

	case event.OpSampledProfile:
		var pl event.SampledProfilePayload
		if err := pl.Unmarshal(e.Payload); err != nil {
			return codeaddr.None, err
		}
		return p.address(e.Timestamp, e.ProcessID, pl.InstructionPointer), nil
	}
	return codeaddr.None, nil
}

// address returns the code address record of addr as seen by pid at ts.
func (p *pass) address(ts int64, pid uint32, addr uint64) codeaddr.Index {
	m := p.procs.MappingForAddr(pid, addr)
	idx := p.addrs.Resolve(pid, addr, m)
	if m == nil && addr < p.procs.KernelSplit() && p.addrs.Record(idx).Method == codeaddr.NoMethod {
		p.diags.Report(DiagAddressWithoutModule, ts, pid)
	}
	return idx
}

func (p *pass) stackWalk(e *event.Event) error {
	if err := p.walk.Unmarshal(e.Payload); err != nil {
		p.diags.Report(DiagMalformedPayload, e.Timestamp, e.ProcessID)
		p.unmatched++
		return nil
	}
	if len(p.walk.Addresses) == 0 {
		p.unmatched++
		return nil
	}
	target, res := p.clock.Match(e.Processor, p.walk.ThreadID, p.walk.EventTicks, e.Timestamp)
	if !res.Matched() {
		p.unmatched++
		return nil
	}

	p.frames = p.frames[:0]
	for _, a := range p.walk.Addresses {
		p.frames = append(p.frames, p.address(e.Timestamp, p.walk.ProcessID, a))
	}
	stack := p.stacks.InternStack(p.frames)

	return p.eventStacks.Update(target, func(old callstack.Index, ok bool) (callstack.Index, error) {
		if !ok {
			p.metrics.stacks.WithLabelValues("new").Inc()
			return stack, nil
		}
		// A later fragment continues the stack toward its root.
		p.metrics.stacks.WithLabelValues("merged").Inc()
		combined, err := p.stacks.Combine(old, stack)
		if err != nil {
			return callstack.None, fmt.Errorf("merge stack of event %d: %w", target, err)
		}
		return combined, nil
	})
}

func (p *pass) stats() *Stats {
	diags := make(map[string]uint64, len(p.diags.counts))
	for k, v := range p.diags.counts {
		diags[k] = v
	}
	return &Stats{
		Read:          p.read,
		Written:       p.pages.Count(),
		Dropped:       p.dropped,
		Pages:         p.index.Len(),
		CodeAddresses: p.addrs.Len(),
		CallStacks:    p.stacks.Len(),
		EventStacks:   p.eventStacks.Len(),
		EventAddrs:    p.eventAddrs.Len(),
		StacksDropped: p.unmatched,
		Diagnostics:   diags,
	}
}
