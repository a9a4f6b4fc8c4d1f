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

// Package rawtrace reads and writes the unindexed trace container produced
// by a recording session.
//
// ┌────────┬────────────────┬──────────────────────────────────────────┐
// │ Magic  │ Session header │ Records (24 byte header + payload) ...   │
// └────────┴────────────────┴──────────────────────────────────────────┘
//
// The whole stream may be gzip compressed.
package rawtrace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

const (
	VERSION = uint16(1)

	// Name is recorded in the parser list of logs converted from this format.
	Name = "rawtrace"

	maxPayload = 64 << 20
)

var (
	MAGIC = [4]byte{'P', 'T', 'R', 'W'}

	ErrBadMagic   = errors.New("bad magic identifier")
	ErrBadVersion = errors.New("bad version")
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsRawTrace reports whether the first bytes of a file belong to a raw trace,
// compressed or not.
func IsRawTrace(prefix []byte) bool {
	return bytes.HasPrefix(prefix, MAGIC[:]) || bytes.HasPrefix(prefix, gzipMagic)
}

// Reader is an event.Source over a raw trace stream.
type Reader struct {
	r      *bufio.Reader
	closer []io.Closer

	md  event.SessionMetadata
	hdr [event.HeaderSize]byte
	buf []byte
	ev  event.Event
}

var _ event.Source = &Reader{}

// Open opens the raw trace at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open raw trace %s: %w", path, err)
	}
	r.closer = append(r.closer, f)
	return r, nil
}

// NewReader reads the session header from r. Gzip input is detected and
// decompressed transparently.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	rd := &Reader{r: br}

	prefix, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("peek magic: %w", err)
	}
	if bytes.Equal(prefix, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		rd.r = bufio.NewReaderSize(zr, 1<<16)
		rd.closer = append(rd.closer, zr)
	}

	if err := rd.readHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != MAGIC {
		return ErrBadMagic
	}

	var fixed struct {
		Version        uint16
		StartTime      int64
		EndTime        int64
		PointerSize    uint8
		ProcessorCount uint16
		LostEvents     uint64
		MemorySizeMB   uint64
	}
	if err := binary.Read(r.r, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("binary.Read: %w", err)
	}
	if fixed.Version != VERSION {
		return ErrBadVersion
	}

	machine, err := readString(r.r)
	if err != nil {
		return fmt.Errorf("read machine name: %w", err)
	}
	var n uint16
	if err := binary.Read(r.r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read parser count: %w", err)
	}
	parsers := make([]string, 0, n+1)
	for i := 0; i < int(n); i++ {
		p, err := readString(r.r)
		if err != nil {
			return fmt.Errorf("read parser name: %w", err)
		}
		parsers = append(parsers, p)
	}

	r.md = event.SessionMetadata{
		StartTime:      fixed.StartTime,
		EndTime:        fixed.EndTime,
		PointerSize:    fixed.PointerSize,
		ProcessorCount: fixed.ProcessorCount,
		LostEvents:     fixed.LostEvents,
		MachineName:    machine,
		MemorySizeMB:   fixed.MemorySizeMB,
		Parsers:        append(parsers, Name),
	}
	return nil
}

func (r *Reader) Metadata() event.SessionMetadata {
	return r.md
}

// Next returns the next record. The payload is reused by the following call.
func (r *Reader) Next() (*event.Event, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		return nil, err
	}
	n, err := event.DecodeHeader(r.hdr[:], &r.ev)
	if err != nil {
		return nil, err
	}
	if n > maxPayload {
		return nil, fmt.Errorf("record payload of %d bytes at ts %d: %w", n, r.ev.Timestamp, event.ErrShortRecord)
	}
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, fmt.Errorf("truncated record payload: %w", err)
	}
	r.ev.Payload = r.buf
	return &r.ev, nil
}

func (r *Reader) Close() error {
	var err error
	for i := len(r.closer) - 1; i >= 0; i-- {
		err = errors.Join(err, r.closer[i].Close())
	}
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
