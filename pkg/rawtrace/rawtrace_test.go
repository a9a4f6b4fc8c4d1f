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

package rawtrace

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

func writeTrace(t *testing.T, w io.Writer, events []event.Event) {
	t.Helper()

	tw, err := NewWriter(w, event.SessionMetadata{
		StartTime:      100,
		EndTime:        900,
		PointerSize:    8,
		ProcessorCount: 4,
		LostEvents:     2,
		MachineName:    "builder-1",
		MemorySizeMB:   16384,
		Parsers:        []string{"kernel"},
	})
	require.NoError(t, err)
	for i := range events {
		require.NoError(t, tw.Write(&events[i]))
	}
	require.NoError(t, tw.Flush())
}

func readAll(t *testing.T, r *Reader) []event.Event {
	t.Helper()

	var res []event.Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return res
		}
		require.NoError(t, err)
		res = append(res, e.Clone())
	}
}

func testEvents() []event.Event {
	return []event.Event{
		{Timestamp: 110, ProcessID: 1, ThreadID: 2, Processor: 0, Opcode: event.OpGeneric, Payload: []byte("hello")},
		{Timestamp: 120, ProcessID: 1, ThreadID: 3, Processor: 1, Opcode: event.OpThreadStart, Payload: (&event.ThreadPayload{ProcessID: 1, ThreadID: 3}).Marshal()},
		{Timestamp: 130, ProcessID: 1, ThreadID: 3, Processor: 1, Opcode: event.OpGeneric, Payload: []byte{}},
	}
}

func TestReaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeTrace(t, &buf, testEvents())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	md := r.Metadata()
	require.Equal(t, int64(100), md.StartTime)
	require.Equal(t, uint16(4), md.ProcessorCount)
	require.Equal(t, "builder-1", md.MachineName)
	require.Equal(t, []string{"kernel", Name}, md.Parsers)

	got := readAll(t, r)
	require.Len(t, got, 3)
	require.Equal(t, "hello", string(got[0].Payload))
	require.Equal(t, event.OpThreadStart, got[1].Opcode)
	require.Equal(t, uint16(1), got[2].Processor)
	require.NoError(t, r.Close())
}

func TestReaderGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	writeTrace(t, zw, testEvents())
	require.NoError(t, zw.Close())
	require.True(t, IsRawTrace(buf.Bytes()))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	require.Len(t, readAll(t, r), 3)
}

func TestReaderBadMagic(t *testing.T) {
	t.Parallel()

	_, err := NewReader(bytes.NewReader([]byte("NOPE and some more bytes")))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReaderTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeTrace(t, &buf, testEvents()[:1])
	b := buf.Bytes()[:buf.Len()-2]

	r, err := NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
