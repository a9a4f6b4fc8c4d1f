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
	"errors"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/process"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
)

const kernelSplit = 0xffff800000000000

func newTestMap(t *testing.T) *Map {
	t.Helper()

	m, err := NewMap(log.NewNopLogger(), prometheus.NewRegistry(), 64, kernelSplit)
	require.NoError(t, err)
	return m
}

func TestNewMapRejectsBucketSize(t *testing.T) {
	t.Parallel()

	_, err := NewMap(log.NewNopLogger(), prometheus.NewRegistry(), 48, kernelSplit)
	require.Error(t, err)
}

func TestResolveIdentity(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	file := m.AddModuleFile("a.dll", 0x400000, 0x1000)
	require.Equal(t, file, m.AddModuleFile("a.dll", 0x400000, 0x1000))
	require.NotEqual(t, file, m.AddModuleFile("a.dll", 0x500000, 0x1000))

	first := &process.Mapping{ID: 1, PID: 10, File: uint32(file), StartAddr: 0x400000, EndAddr: 0x401000}
	second := &process.Mapping{ID: 2, PID: 10, File: uint32(file), StartAddr: 0x400000, EndAddr: 0x401000}

	a := m.Resolve(10, 0x400010, first)
	require.Equal(t, a, m.Resolve(10, 0x400010, first))
	// Same bits, different load of the module.
	b := m.Resolve(10, 0x400010, second)
	require.NotEqual(t, a, b)
	// Same bits, no module, different processes.
	c := m.Resolve(10, 0x10000, nil)
	d := m.Resolve(11, 0x10000, nil)
	require.NotEqual(t, c, d)
	require.Equal(t, NoModule, m.Record(c).Module)

	require.Equal(t, 4, m.Len())
	require.Equal(t, file, m.Record(a).Module)
}

func TestResolveKernelContext(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	a := m.Resolve(10, kernelSplit+0x100, nil)
	b := m.Resolve(11, kernelSplit+0x100, nil)
	require.Equal(t, a, b)

	rec := m.Record(a)
	require.NotEqual(t, NoModule, rec.Module)
	require.Equal(t, KernelModulePath, m.ModuleFile(rec.Module).Path)
	require.Equal(t, uint32(0), rec.ProcessID)

	user := m.Resolve(10, kernelSplit-0x100, nil)
	require.Equal(t, NoModule, m.Record(user).Module)
}

func TestMethodLoadFanOut(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start uint64
		size  uint64
	}{
		{name: "aligned", start: 0x1000, size: 0x40},
		{name: "straddling two buckets", start: 0x1020, size: 0x40},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := newTestMap(t)
			var inside, outside []Index
			for addr := uint64(0xfc0); addr < 0x10a0; addr += 0x10 {
				idx := m.Resolve(10, addr, nil)
				if addr >= tt.start && addr < tt.start+tt.size {
					inside = append(inside, idx)
				} else {
					outside = append(outside, idx)
				}
			}
			other := m.Resolve(11, tt.start, nil)

			mi := m.MethodLoad(10, tt.start, tt.size, "jitted")
			require.Len(t, inside, 4)
			buckets := map[uint64]struct{}{}
			for _, idx := range inside {
				rec := m.Record(idx)
				require.Equal(t, mi, rec.Method)
				buckets[rec.Address>>6] = struct{}{}
			}
			if tt.start%64 != 0 {
				require.Len(t, buckets, 2)
			}
			for _, idx := range outside {
				require.Equal(t, NoMethod, m.Record(idx).Method)
			}
			require.Equal(t, NoMethod, m.Record(other).Method)
			require.InDelta(t, 4, testutil.ToFloat64(m.metrics.fanout), 0.001)

			// Addresses first seen later still get the method until it is
			// unloaded.
			late := m.Resolve(10, tt.start+0x8, nil)
			require.Equal(t, mi, m.Record(late).Method)
			m.MethodUnload(10, tt.start)
			later := m.Resolve(10, tt.start+0xc, nil)
			require.Equal(t, NoMethod, m.Record(later).Method)
		})
	}
}

func TestMethodLoadDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	idx := m.Resolve(10, 0x2000, nil)
	first := m.MethodLoad(10, 0x2000, 0x100, "first")
	m.MethodLoad(10, 0x1000, 0x100000, "wide")
	require.Equal(t, first, m.Record(idx).Method)
}

type fakeResolver struct {
	mtx    sync.Mutex
	loads  map[string]int
	failOn string
}

type fakeModule struct {
	base uint64
}

func (m *fakeModule) FindMethod(addr uint64) (string, uint64, bool) {
	off := addr - m.base
	switch {
	case off < 0x100:
		return "init", m.base + 0x100, true
	case off < 0x200:
		return "run", m.base + 0x200, true
	}
	return "", 0, false
}

func (m *fakeModule) FindLine(addr uint64) (string, uint32, bool) {
	return "main.c", uint32(addr - m.base), true
}

func (m *fakeModule) Close() error { return nil }

func (r *fakeResolver) LoadModule(path string, base uint64) (symbol.Module, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.loads[path]++
	if path == r.failOn {
		return nil, errors.New("corrupt")
	}
	return &fakeModule{base: base}, nil
}

func TestResolveSymbols(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	good := m.AddModuleFile("good.dll", 0x400000, 0x1000)
	bad := m.AddModuleFile("bad.dll", 0x500000, 0x1000)
	gm := &process.Mapping{ID: 1, PID: 10, File: uint32(good)}
	bm := &process.Mapping{ID: 2, PID: 10, File: uint32(bad)}

	a := m.Resolve(10, 0x400150, gm)
	b := m.Resolve(10, 0x400010, gm)
	c := m.Resolve(10, 0x400020, gm)
	d := m.Resolve(10, 0x400800, gm)
	e := m.Resolve(10, 0x500010, bm)
	anon := m.Resolve(10, 0x10, nil)

	r := &fakeResolver{loads: map[string]int{}, failOn: "bad.dll"}
	stats, err := m.ResolveSymbols(context.Background(), r, 2)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, 1, merr.Len())
	require.Equal(t, ResolveStats{Modules: 2, Failed: 1, Resolved: 3}, stats)
	require.Equal(t, map[string]int{"good.dll": 1, "bad.dll": 1}, r.loads)

	require.Equal(t, m.Record(b).Method, m.Record(c).Method)
	initMethod := m.Method(m.Record(b).Method)
	require.Equal(t, "init", initMethod.Name)
	require.Equal(t, uint64(0x400010), initMethod.Start)
	require.Equal(t, uint32(0x20), m.Record(c).Line)
	require.Equal(t, "run", m.Method(m.Record(a).Method).Name)
	require.Equal(t, NoMethod, m.Record(d).Method)
	require.Equal(t, NoMethod, m.Record(e).Method)
	require.Equal(t, NoMethod, m.Record(anon).Method)
}

func TestResolveSymbolsCanceled(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	f := m.AddModuleFile("good.dll", 0x400000, 0x1000)
	m.Resolve(10, 0x400010, &process.Mapping{ID: 1, PID: 10, File: uint32(f)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.ResolveSymbols(ctx, &fakeResolver{loads: map[string]int{}}, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTablesRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestMap(t)
	f := m.AddModuleFile("good.dll", 0x400000, 0x1000)
	gm := &process.Mapping{ID: 1, PID: 10, File: uint32(f)}
	m.Resolve(10, 0x400150, gm)
	m.Resolve(10, 0x400010, gm)
	m.Resolve(10, kernelSplit+0x10, nil)
	m.Resolve(12, 0x7000, nil)
	m.MethodLoad(12, 0x7000, 0x10, "jit")
	_, err := m.ResolveSymbols(context.Background(), &fakeResolver{loads: map[string]int{}}, 1)
	require.NoError(t, err)

	tbl := m.Tables()
	modules, err := DecodeModules(tbl.EncodeModules())
	require.NoError(t, err)
	methods, err := DecodeMethods(tbl.EncodeMethods(), len(modules))
	require.NoError(t, err)
	records, err := DecodeRecords(tbl.EncodeRecords(), len(modules), len(methods))
	require.NoError(t, err)

	got := &Tables{Modules: modules, Methods: methods, Records: records}
	if diff := cmp.Diff(tbl, got, cmpopts.IgnoreUnexported(Record{})); diff != "" {
		t.Fatalf("tables differ (-want +got):\n%s", diff)
	}

	_, err = DecodeRecords(tbl.EncodeRecords(), len(modules), 0)
	require.Error(t, err)
}
