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

package codeaddr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-tracelog/pkg/symbol"
)

// ResolveStats summarizes a batch resolution.
type ResolveStats struct {
	Modules  int
	Failed   int
	Resolved int
}

type pending struct {
	record Index
	addr   uint64
}

type resolved struct {
	record Index
	addr   uint64
	name   string
	end    uint64
	file   string
	line   uint32
}

// ResolveSymbols attaches methods and lines to every record that has a module
// but no method. Records are grouped by module and visited in ascending
// address order, so each module is loaded once. Modules are resolved with at
// most parallelism modules loaded at a time.
//
// A module that fails to load or resolve is skipped; the failures are
// returned as a *multierror.Error alongside the stats and do not stop the
// batch. Only context cancellation aborts it.
func (m *Map) ResolveSymbols(ctx context.Context, r symbol.Resolver, parallelism int) (ResolveStats, error) {
	groups := map[ModuleFileIndex][]pending{}
	for i := range m.records {
		rec := &m.records[i]
		if rec.Module == NoModule || rec.Method != NoMethod {
			continue
		}
		groups[rec.Module] = append(groups[rec.Module], pending{record: Index(i), addr: rec.Address})
	}
	modules := make([]ModuleFileIndex, 0, len(groups))
	for mi, g := range groups {
		g := g
		sort.Slice(g, func(i, j int) bool { return g[i].addr < g[j].addr })
		modules = append(modules, mi)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i] < modules[j] })

	stats := ResolveStats{Modules: len(modules)}
	results := make([][]resolved, len(modules))

	var (
		mtx  sync.Mutex
		errs *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, mi := range modules {
		i := i
		file := m.modules[mi]
		work := groups[mi]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := resolveModule(ctx, r, file, work)
			if err != nil {
				mtx.Lock()
				errs = multierror.Append(errs, fmt.Errorf("module %s: %w", file.Path, err))
				mtx.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for i, res := range results {
		stats.Resolved += m.applyResolved(modules[i], res)
	}
	if errs != nil {
		stats.Failed = errs.Len()
		level.Warn(m.logger).Log("msg", "failed to resolve symbols for some modules", "failed", stats.Failed, "modules", stats.Modules, "err", errs)
		return stats, errs.ErrorOrNil()
	}
	return stats, nil
}

func resolveModule(ctx context.Context, r symbol.Resolver, file ModuleFile, work []pending) ([]resolved, error) {
	mod, err := r.LoadModule(file.Path, file.ImageBase)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	res := make([]resolved, 0, len(work))
	for i, p := range work {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		name, end, ok := mod.FindMethod(p.addr)
		if !ok {
			continue
		}
		out := resolved{record: p.record, addr: p.addr, name: name, end: end}
		out.file, out.line, _ = mod.FindLine(p.addr)
		res = append(res, out)
	}
	return res, nil
}

type methodKey struct {
	module ModuleFileIndex
	name   string
	end    uint64
}

// applyResolved turns the results of one module into methods. Results are in
// ascending address order, so the first address of a method is its start.
func (m *Map) applyResolved(module ModuleFileIndex, res []resolved) int {
	methods := map[methodKey]MethodIndex{}
	for _, r := range res {
		key := methodKey{module: module, name: r.name, end: r.end}
		mi, ok := methods[key]
		if !ok {
			mi = MethodIndex(len(m.methods))
			size := uint64(1)
			if r.end > r.addr {
				size = r.end - r.addr
			}
			m.methods = append(m.methods, Method{
				Name:   r.name,
				File:   r.file,
				Start:  r.addr,
				Size:   size,
				Module: module,
			})
			methods[key] = mi
		}
		rec := &m.records[r.record]
		rec.Method = mi
		rec.Line = r.line
	}
	return len(res)
}
