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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

// Writer produces a raw trace. It is mostly used to build synthetic traces.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter writes the session header for md to w.
func NewWriter(w io.Writer, md event.SessionMetadata) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(MAGIC[:]); err != nil {
		return nil, err
	}
	fixed := struct {
		Version        uint16
		StartTime      int64
		EndTime        int64
		PointerSize    uint8
		ProcessorCount uint16
		LostEvents     uint64
		MemorySizeMB   uint64
	}{
		Version:        VERSION,
		StartTime:      md.StartTime,
		EndTime:        md.EndTime,
		PointerSize:    md.PointerSize,
		ProcessorCount: md.ProcessorCount,
		LostEvents:     md.LostEvents,
		MemorySizeMB:   md.MemorySizeMB,
	}
	if err := binary.Write(bw, binary.LittleEndian, &fixed); err != nil {
		return nil, fmt.Errorf("binary.Write: %w", err)
	}

	var b []byte
	b = appendString(b, md.MachineName)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(md.Parsers)))
	for _, p := range md.Parsers {
		b = appendString(b, p)
	}
	if _, err := bw.Write(b); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Write appends one record.
func (w *Writer) Write(e *event.Event) error {
	w.buf = e.AppendTo(w.buf[:0])
	_, err := w.w.Write(w.buf)
	return err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}
