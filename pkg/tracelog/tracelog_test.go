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

package tracelog_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-tracelog/pkg/convert"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/region"
	"github.com/parca-dev/parca-tracelog/pkg/testutil"
	"github.com/parca-dev/parca-tracelog/pkg/tracelog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type key struct {
	ts  int64
	cpu uint16
}

// workload is a steady state trace of two processes. It returns the stacks
// attached to generic records, keyed by time and processor.
func workload() (*testutil.Trace, map[key][]uint64) {
	tr := testutil.NewTrace()
	tr.ProcessStart(10, event.OpProcessStart, 10, 1, "a.exe").
		ThreadStart(11, event.OpThreadStart, 10, 100).
		ImageLoad(12, event.OpImageLoad, 10, 0x400000, 0x10000, "a.exe").
		ProcessStart(13, event.OpProcessStart, 20, 1, "b.exe").
		ThreadStart(14, event.OpThreadStart, 20, 200).
		ImageLoad(15, event.OpImageLoad, 20, 0x400000, 0x10000, "b.exe")

	stacks := map[key][]uint64{}
	for i := 0; i < 40; i++ {
		ts := int64(100 + i*10)
		cpu := uint16(i % 2)
		pid := uint32(10)
		if i%3 == 0 {
			pid = 20
		}
		tid := pid * 10

		tr.Generic(ts, cpu, pid, tid)
		if i%7 == 0 {
			tr.Generic(ts, 1-cpu, pid, tid)
		}
		if i%4 == 0 {
			addrs := []uint64{0x401000 + uint64(i)*0x10, 0x402000}
			tr.StackWalk(ts+1, cpu, pid, tid, ts, addrs...)
			stacks[key{ts, cpu}] = addrs
		}
		if i%5 == 0 {
			tr.Sample(ts+5, cpu, pid, tid, 0x401500)
		}
	}
	return tr, stacks
}

// written returns the records of tr that end up in the log.
func written(tr *testutil.Trace) []event.Event {
	var res []event.Event
	for _, e := range tr.Events {
		if e.Opcode != event.OpStackWalk {
			res = append(res, e)
		}
	}
	return res
}

func convertTrace(t *testing.T, src event.Source) string {
	t.Helper()

	opts := convert.DefaultOptions()
	opts.PageSize = 4
	path := filepath.Join(t.TempDir(), "trace.tlog")
	_, err := convert.Convert(context.Background(), log.NewNopLogger(), nil, src, path, opts)
	require.NoError(t, err)
	return path
}

func openLog(t *testing.T, path string, reg prometheus.Registerer) *tracelog.Log {
	t.Helper()

	l, err := tracelog.Open(log.NewNopLogger(), reg, path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func collect(t *testing.T, l *tracelog.Log, f tracelog.Filter) ([]event.Index, []event.Event) {
	t.Helper()

	it, err := l.Events(f)
	require.NoError(t, err)
	var (
		idxs   []event.Index
		events []event.Event
	)
	for {
		idx, e, ok := it.Next()
		if !ok {
			break
		}
		idxs = append(idxs, idx)
		events = append(events, e.Clone())
	}
	require.NoError(t, it.Err())
	return idxs, events
}

// reversed returns s back to front, keeping nil for an empty slice as
// collect does.
func reversed[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	res := make([]T, len(s))
	for i, v := range s {
		res[len(s)-1-i] = v
	}
	return res
}

func TestEventsFilter(t *testing.T) {
	t.Parallel()

	tr, _ := workload()
	l := openLog(t, convertTrace(t, tr.Source(t)), nil)
	all := written(tr)

	pid20 := roaring.New()
	pid20.Add(20)
	samples := func(e *event.Event) bool { return e.Opcode == event.OpSampledProfile }

	tests := []struct {
		name string
		f    tracelog.Filter
		want func(e event.Event) bool
	}{
		{
			name: "everything",
			want: func(event.Event) bool { return true },
		},
		{
			name: "range",
			f:    tracelog.Filter{Start: 150, End: 300},
			want: func(e event.Event) bool { return e.Timestamp >= 150 && e.Timestamp <= 300 },
		},
		{
			name: "range on duplicate times",
			f:    tracelog.Filter{Start: 170, End: 170},
			want: func(e event.Event) bool { return e.Timestamp == 170 },
		},
		{
			name: "open start",
			f:    tracelog.Filter{End: 12},
			want: func(e event.Event) bool { return e.Timestamp <= 12 },
		},
		{
			name: "empty range",
			f:    tracelog.Filter{Start: 101, End: 104},
			want: func(event.Event) bool { return false },
		},
		{
			name: "processes",
			f:    tracelog.Filter{Processes: pid20},
			want: func(e event.Event) bool { return e.ProcessID == 20 },
		},
		{
			name: "predicate",
			f:    tracelog.Filter{Start: 200, Predicate: samples},
			want: func(e event.Event) bool { return e.Timestamp >= 200 && e.Opcode == event.OpSampledProfile },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var want []int64
			for _, e := range all {
				if tt.want(e) {
					want = append(want, e.Timestamp)
				}
			}

			fwdIdx, fwd := collect(t, l, tt.f)
			var got []int64
			for _, e := range fwd {
				got = append(got, e.Timestamp)
			}
			require.Equal(t, want, got)

			back := tt.f
			back.Backward = true
			backIdx, _ := collect(t, l, back)
			require.Equal(t, reversed(fwdIdx), backIdx)
		})
	}
}

func TestEventsMatchSource(t *testing.T) {
	t.Parallel()

	tr, _ := workload()
	l := openLog(t, convertTrace(t, tr.Source(t)), nil)
	want := written(tr)

	idxs, got := collect(t, l, tracelog.Filter{})
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, event.Index(i), idxs[i])
		require.Equal(t, want[i], got[i])
	}

	n, err := l.EventCount()
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	pages, err := l.PageCount()
	require.NoError(t, err)
	require.Equal(t, len(want)/4+1, pages)
}

func TestStacks(t *testing.T) {
	t.Parallel()

	tr, stacks := workload()
	l := openLog(t, convertTrace(t, tr.Source(t)), nil)

	idxs, events := collect(t, l, tracelog.Filter{})
	attached := 0
	for i, e := range events {
		e := e
		s, ok, err := l.CallStack(idxs[i])
		require.NoError(t, err)

		want, stacked := stacks[key{e.Timestamp, e.Processor}]
		if !stacked || e.Opcode != event.OpGeneric {
			require.False(t, ok, "event %d: %s", idxs[i], e.String())
			continue
		}
		require.True(t, ok, "event %d: %s", idxs[i], e.String())
		attached++

		frames, err := l.Frames(s)
		require.NoError(t, err)
		var addrs []uint64
		for _, f := range frames {
			addrs = append(addrs, f.Address)
			require.Equal(t, map[uint32]string{10: "a.exe", 20: "b.exe"}[e.ProcessID], f.Module)
		}
		require.Equal(t, want, addrs)

		again, err := l.Frames(s)
		require.NoError(t, err)
		require.Same(t, &frames[0], &again[0])
	}
	require.Equal(t, len(stacks), attached)
}

func TestCodeAddressAt(t *testing.T) {
	t.Parallel()

	tr, _ := workload()
	l := openLog(t, convertTrace(t, tr.Source(t)), nil)

	idxs, events := collect(t, l, tracelog.Filter{Start: 100, End: 105})
	// The generic record at 100 carries a stack; the sample at 105 carries
	// an instruction pointer.
	require.Len(t, events, 3)
	generic, sample := idxs[0], idxs[2]
	require.Equal(t, event.OpSampledProfile, events[2].Opcode)

	tests := []struct {
		name string
		ev   event.Index
		addr uint64
		ok   bool
	}{
		{name: "sample address", ev: sample, addr: 0x401500, ok: true},
		{name: "leaf frame", ev: generic, addr: 0x401000, ok: true},
		{name: "caller frame", ev: generic, addr: 0x402000, ok: true},
		{name: "not on stack", ev: generic, addr: 0x401500},
		{name: "not the sample", ev: sample, addr: 0x402000},
	}
	for _, tt := range tests {
		i, ok, err := l.CodeAddressAt(tt.ev, tt.addr)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.ok, ok, tt.name)
		if !tt.ok {
			continue
		}
		rec, err := l.CodeAddress(i)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.addr, rec.Address, tt.name)
	}
}

func TestReconvertKeepsStacks(t *testing.T) {
	t.Parallel()

	tr, _ := workload()
	first := openLog(t, convertTrace(t, tr.Source(t)), nil)

	src, err := first.Source()
	require.NoError(t, err)
	second := openLog(t, convertTrace(t, src), nil)
	require.NoError(t, src.Close())

	require.Equal(t, []string{"synthetic", "rawtrace", "tracelog"}, second.Metadata().Parsers)
	require.Equal(t, first.Metadata().FirstEventTime, second.Metadata().FirstEventTime)
	require.Equal(t, first.Metadata().EndTime, second.Metadata().EndTime)

	idxs1, events1 := collect(t, first, tracelog.Filter{})
	idxs2, events2 := collect(t, second, tracelog.Filter{})
	require.Equal(t, idxs1, idxs2)
	require.Equal(t, events1, events2)

	for _, idx := range idxs1 {
		s1, ok1, err := first.CallStack(idx)
		require.NoError(t, err)
		s2, ok2, err := second.CallStack(idx)
		require.NoError(t, err)
		require.Equal(t, ok1, ok2, "event %d", idx)
		if !ok1 {
			continue
		}
		f1, err := first.Frames(s1)
		require.NoError(t, err)
		f2, err := second.Frames(s2)
		require.NoError(t, err)
		require.Equal(t, f1, f2, "event %d", idx)
	}

	p1, err := first.Processes()
	require.NoError(t, err)
	p2, err := second.Processes()
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	tr, stacks := workload()
	path := convertTrace(t, tr.Source(t))
	reg := prometheus.NewRegistry()
	l := openLog(t, path, reg)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		backward := i%2 == 1
		g.Go(func() error {
			it, err := l.Events(tracelog.Filter{Backward: backward})
			if err != nil {
				return err
			}
			found := 0
			for {
				idx, _, ok := it.Next()
				if !ok {
					break
				}
				s, ok, err := l.CallStack(idx)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if _, err := l.Frames(s); err != nil {
					return err
				}
				found++
			}
			if found != len(stacks) {
				return fmt.Errorf("found %d stacks, want %d", found, len(stacks))
			}
			return it.Err()
		})
	}
	require.NoError(t, g.Wait())

	mfs, err := reg.Gather()
	require.NoError(t, err)
	decodes := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "parca_tracelog_region_decodes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			require.Equal(t, "success", labels["result"])
			decodes[labels["region"]] += m.GetCounter().GetValue()
		}
	}
	for _, r := range []string{tracelog.RegionPages, tracelog.RegionCodeAddresses, tracelog.RegionCallStacks, tracelog.RegionEventStacks} {
		require.Equal(t, 1.0, decodes[r], r)
	}
	require.NotContains(t, decodes, tracelog.RegionEventCodeAddrs)
}

func TestOpenRejectsOtherFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.tlog")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a container"), 0o644))
	_, err := tracelog.Open(log.NewNopLogger(), nil, path)
	require.Error(t, err)
}

func TestMetadataRejectsPointerSize(t *testing.T) {
	t.Parallel()

	md := event.SessionMetadata{StartTime: 5, EndTime: 9, PointerSize: 4, MachineName: "m"}
	got, err := tracelog.DecodeMetadata(tracelog.EncodeMetadata(md))
	require.NoError(t, err)
	require.Equal(t, md, got)

	md.PointerSize = 3
	_, err = tracelog.DecodeMetadata(tracelog.EncodeMetadata(md))
	require.ErrorIs(t, err, region.ErrCorruptHeader)
}

func TestExtensionsCountMismatch(t *testing.T) {
	t.Parallel()

	b := tracelog.EncodeExtensions(map[string]string{"b": "2", "a": "1"})
	kv, err := tracelog.DecodeExtensions(b)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, kv)

	b[len(b)-1]++
	_, err = tracelog.DecodeExtensions(b)
	require.ErrorIs(t, err, region.ErrCountMismatch)
}
