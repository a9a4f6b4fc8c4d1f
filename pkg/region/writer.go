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

package region

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	gohash "hash"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/parca-dev/parca-tracelog/pkg/hash"
)

// Writer writes a container sequentially. Regions are written one at a time
// between Begin and End.
type Writer struct {
	file *os.File
	w    *bufio.Writer
	off  int64

	entries []Entry
	names   map[string]struct{}

	cur     *Entry
	curHash gohash.Hash64
	curBuf  *bytes.Buffer

	enc       *zstd.Encoder
	finalized bool
}

// Create creates the container at path and writes its header.
func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("zstd.NewWriter: %w", err)
	}
	w := &Writer{
		file:  file,
		w:     bufio.NewWriterSize(file, 1<<20),
		names: map[string]struct{}{},
		enc:   enc,
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, MAGIC[:]...)
	header = binary.LittleEndian.AppendUint16(header, uint16(len(FormatVersion)))
	header = append(header, FormatVersion...)
	// Alignment pad.
	header = header[:HeaderSize]
	if _, err := w.write(header); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.off += int64(n)
	return n, err
}

// Begin starts a new region.
func (w *Writer) Begin(name string, codec Codec) error {
	if w.finalized {
		return ErrAlreadyFinalized
	}
	if w.cur != nil {
		return fmt.Errorf("region %q still open", w.cur.Name)
	}
	if _, ok := w.names[name]; ok {
		return fmt.Errorf("duplicate region %q", name)
	}
	h, err := hash.New()
	if err != nil {
		return err
	}
	w.names[name] = struct{}{}
	w.cur = &Entry{Name: name, Offset: w.off, Codec: codec}
	w.curHash = h
	w.curBuf = nil
	if codec == CodecZstd {
		w.curBuf = &bytes.Buffer{}
	}
	return nil
}

// Write appends p to the open region.
func (w *Writer) Write(p []byte) (int, error) {
	if w.cur == nil {
		return 0, errors.New("no open region")
	}
	if w.curBuf != nil {
		return w.curBuf.Write(p)
	}
	n, err := w.write(p)
	w.curHash.Write(p[:n])
	w.cur.Length += int64(n)
	return n, err
}

// Offset returns the number of bytes written to the open region so far.
func (w *Writer) Offset() int64 {
	if w.cur == nil {
		return 0
	}
	if w.curBuf != nil {
		return int64(w.curBuf.Len())
	}
	return w.cur.Length
}

// End finishes the open region.
func (w *Writer) End() error {
	if w.cur == nil {
		return errors.New("no open region")
	}
	if w.curBuf != nil && w.curBuf.Len() > 0 {
		compressed := w.enc.EncodeAll(w.curBuf.Bytes(), nil)
		n, err := w.write(compressed)
		w.curHash.Write(compressed[:n])
		w.cur.Length = int64(n)
		if err != nil {
			return err
		}
	}
	w.cur.Checksum = w.curHash.Sum64()
	w.entries = append(w.entries, *w.cur)
	w.cur = nil
	w.curBuf = nil
	return nil
}

// WriteRegion writes a complete region in one call.
func (w *Writer) WriteRegion(name string, codec Codec, payload []byte) error {
	if err := w.Begin(name, codec); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.End()
}

// Entries returns the regions written so far.
func (w *Writer) Entries() []Entry {
	return w.entries
}

// Close writes the directory and trailer and closes the file. The container
// is only valid if Close returns nil.
func (w *Writer) Close() error {
	if w.finalized {
		return ErrAlreadyFinalized
	}
	w.finalized = true
	defer w.enc.Close()

	if w.cur != nil {
		w.file.Close()
		return fmt.Errorf("region %q still open", w.cur.Name)
	}

	dirOffset := w.off
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(w.entries)))
	for _, e := range w.entries {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Name)))
		b = append(b, e.Name...)
		b = binary.LittleEndian.AppendUint64(b, uint64(e.Offset))
		b = binary.LittleEndian.AppendUint64(b, uint64(e.Length))
		b = append(b, byte(e.Codec))
		b = binary.LittleEndian.AppendUint64(b, e.Checksum)
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(dirOffset))
	b = append(b, MAGIC[:]...)

	if _, err := w.write(b); err != nil {
		w.file.Close()
		return err
	}
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return w.file.Close()
}

// abort closes the file without writing a directory.
func (w *Writer) abort() {
	w.finalized = true
	w.enc.Close()
	w.file.Close()
}

// Abort discards the container and removes the file.
func (w *Writer) Abort() error {
	name := w.file.Name()
	if !w.finalized {
		w.abort()
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ io.Writer = &Writer{}
