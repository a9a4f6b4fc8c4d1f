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

package testutil

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/rawtrace"
)

// Trace builds a synthetic raw trace. Records are kept in the order they are
// added.
type Trace struct {
	Metadata event.SessionMetadata
	Events   []event.Event
}

func NewTrace() *Trace {
	return &Trace{
		Metadata: event.SessionMetadata{
			StartTime:      1,
			PointerSize:    8,
			ProcessorCount: 2,
			MachineName:    "testhost",
			MemorySizeMB:   1024,
			Parsers:        []string{"synthetic"},
		},
	}
}

func (t *Trace) Add(e event.Event) *Trace {
	t.Events = append(t.Events, e)
	return t
}

// Marker adds a collection or steady state marker.
func (t *Trace) Marker(ts int64, op event.Opcode) *Trace {
	return t.Add(event.Event{Timestamp: ts, Opcode: op})
}

func (t *Trace) ProcessStart(ts int64, op event.Opcode, pid, ppid uint32, image string) *Trace {
	pl := event.ProcessPayload{ProcessID: pid, ParentID: ppid, ImageName: image}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, Opcode: op, Payload: pl.Marshal()})
}

func (t *Trace) ThreadStart(ts int64, op event.Opcode, pid, tid uint32) *Trace {
	pl := event.ThreadPayload{ProcessID: pid, ThreadID: tid}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, ThreadID: tid, Opcode: op, Payload: pl.Marshal()})
}

func (t *Trace) ImageLoad(ts int64, op event.Opcode, pid uint32, base, size uint64, path string) *Trace {
	pl := event.ImagePayload{ProcessID: pid, ImageBase: base, ImageSize: size, Path: path}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, Opcode: op, Payload: pl.Marshal()})
}

func (t *Trace) MethodLoad(ts int64, pid uint32, start, size uint64, name string) *Trace {
	pl := event.MethodPayload{ProcessID: pid, Start: start, Size: size, Name: name}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, Opcode: event.OpMethodLoad, Payload: pl.Marshal()})
}

// Generic adds an ordinary record on cpu for thread tid of pid.
func (t *Trace) Generic(ts int64, cpu uint16, pid, tid uint32) *Trace {
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, ThreadID: tid, Processor: cpu, Opcode: event.OpGeneric, Payload: []byte{byte(ts)}})
}

// Sample adds a profiling interrupt at ip.
func (t *Trace) Sample(ts int64, cpu uint16, pid, tid uint32, ip uint64) *Trace {
	pl := event.SampledProfilePayload{InstructionPointer: ip, ThreadID: tid}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, ThreadID: tid, Processor: cpu, Opcode: event.OpSampledProfile, Payload: pl.Marshal()})
}

// StackWalk adds a walk of addrs, leaf first, for the event that happened at
// ticks on cpu.
func (t *Trace) StackWalk(ts int64, cpu uint16, pid, tid uint32, ticks int64, addrs ...uint64) *Trace {
	pl := event.StackWalkPayload{EventTicks: ticks, ProcessID: pid, ThreadID: tid, Addresses: addrs}
	return t.Add(event.Event{Timestamp: ts, ProcessID: pid, ThreadID: tid, Processor: cpu, Opcode: event.OpStackWalk, Payload: pl.Marshal()})
}

// Bytes encodes the trace.
func (t *Trace) Bytes(tb testing.TB) []byte {
	tb.Helper()

	var buf bytes.Buffer
	w, err := rawtrace.NewWriter(&buf, t.Metadata)
	require.NoError(tb, err)
	for i := range t.Events {
		require.NoError(tb, w.Write(&t.Events[i]))
	}
	require.NoError(tb, w.Flush())
	return buf.Bytes()
}

// Source returns a raw trace reader over the encoded trace.
func (t *Trace) Source(tb testing.TB) *rawtrace.Reader {
	tb.Helper()

	r, err := rawtrace.NewReader(bytes.NewReader(t.Bytes(tb)))
	require.NoError(tb, err)
	return r
}

// WriteFile writes the encoded trace to path.
func (t *Trace) WriteFile(tb testing.TB, path string) {
	tb.Helper()

	require.NoError(tb, os.WriteFile(path, t.Bytes(tb), 0o644))
}
