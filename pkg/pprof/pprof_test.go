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

package pprof

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/convert"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
	"github.com/parca-dev/parca-tracelog/pkg/testutil"
	"github.com/parca-dev/parca-tracelog/pkg/tracelog"
)

type mainResolver struct{}

func (mainResolver) LoadModule(string, uint64) (symbol.Module, error) { return mainModule{}, nil }

type mainModule struct{}

func (mainModule) FindMethod(addr uint64) (string, uint64, bool) {
	if addr >= 0x401000 && addr < 0x402000 {
		return "main", 0x402000, true
	}
	return "", 0, false
}

func (mainModule) FindLine(uint64) (string, uint32, bool) { return "main.c", 7, true }
func (mainModule) Close() error                           { return nil }

func testLog(t *testing.T) *tracelog.Log {
	t.Helper()

	tr := testutil.NewTrace().
		ProcessStart(10, event.OpProcessStart, 10, 1, "app").
		ImageLoad(11, event.OpImageLoad, 10, 0x400000, 0x10000, "app").
		Generic(100, 0, 10, 100).
		StackWalk(101, 0, 10, 100, 100, 0x401010, 0x403000).
		Generic(200, 0, 10, 101).
		Sample(300, 1, 10, 100, 0x401020).
		Generic(400, 0, 10, 100).
		StackWalk(401, 0, 10, 100, 400, 0x401010, 0x403000)

	opts := convert.DefaultOptions()
	opts.Resolver = mainResolver{}
	path := filepath.Join(t.TempDir(), "trace.tlog")
	_, err := convert.Convert(context.Background(), log.NewNopLogger(), nil, tr.Source(t), path, opts)
	require.NoError(t, err)

	l, err := tracelog.Open(log.NewNopLogger(), nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestConvert(t *testing.T) {
	t.Parallel()

	c := NewConverter(testLog(t), prometheus.NewRegistry())
	p, err := c.Convert(tracelog.Filter{})
	require.NoError(t, err)

	require.Len(t, p.Sample, 3)
	require.Equal(t, 3.0, promtestutil.ToFloat64(c.metrics.samples))
	require.Equal(t, 3.0, promtestutil.ToFloat64(c.metrics.eventsSkipped.WithLabelValues(labelEventNoStack)))
	require.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.frames.WithLabelValues(labelFrameUnresolved)))
	require.Equal(t, 0.0, promtestutil.ToFloat64(c.metrics.frames.WithLabelValues(labelFrameNoModule)))
	require.Len(t, p.Mapping, 1)
	require.Equal(t, "app", p.Mapping[0].File)
	require.Equal(t, uint64(0x400000), p.Mapping[0].Start)
	require.Equal(t, uint64(0x410000), p.Mapping[0].Limit)
	// 0x401010 and 0x403000 are shared by both stacks.
	require.Len(t, p.Location, 3)
	require.Len(t, p.Function, 1)
	require.Equal(t, int64(100*100), p.TimeNanos)
	require.Equal(t, int64(300*100), p.DurationNanos)

	first := p.Sample[0]
	require.Equal(t, []int64{1}, first.Value)
	require.Equal(t, []int64{10}, first.NumLabel[LabelPID])
	require.Equal(t, []int64{100}, first.NumLabel[LabelTID])
	require.Len(t, first.Location, 2)
	require.Equal(t, uint64(0x401010), first.Location[0].Address)
	require.Equal(t, "main", first.Location[0].Line[0].Function.Name)
	require.Equal(t, "main.c", first.Location[0].Line[0].Function.Filename)
	require.Equal(t, int64(7), first.Location[0].Line[0].Line)
	require.Empty(t, first.Location[1].Line)
	require.Same(t, first.Location[0], p.Sample[2].Location[0])

	sample := p.Sample[1]
	require.Len(t, sample.Location, 1)
	require.Equal(t, uint64(0x401020), sample.Location[0].Address)
}

func TestConvertRange(t *testing.T) {
	t.Parallel()

	c := NewConverter(testLog(t), nil)
	p, err := c.Convert(tracelog.Filter{Start: 150, End: 350, Backward: true})
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)

	p, err = c.Convert(tracelog.Filter{Start: 500})
	require.NoError(t, err)
	require.Empty(t, p.Sample)
	require.Empty(t, p.Location)
}

func TestWrite(t *testing.T) {
	t.Parallel()

	p, err := NewConverter(testLog(t), nil).Convert(tracelog.Filter{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, p))
	require.Equal(t, []byte{0x1f, 0x8b}, buf.Bytes()[:2])

	got, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, got.Sample, 3)
	require.Equal(t, "events", got.SampleType[0].Type)
}
