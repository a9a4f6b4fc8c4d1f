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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"

	"github.com/parca-dev/parca-tracelog/pkg/hash"
)

// decoder is safe for concurrent use with DecodeAll.
var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// File is a read-only view of a container. It is safe for concurrent use.
type File struct {
	reader  *mmap.ReaderAt
	version *semver.Version
	entries []Entry
	byName  map[string]int
}

// Open maps the container at path and reads its directory.
func Open(path string) (*File, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open: %w", err)
	}
	f := &File{reader: reader, byName: map[string]int{}}
	if err := f.readHeader(); err != nil {
		reader.Close()
		return nil, err
	}
	if err := f.readDirectory(); err != nil {
		reader.Close()
		return nil, err
	}
	return f, nil
}

// IsContainer reports whether prefix starts with the container magic.
func IsContainer(prefix []byte) bool {
	return bytes.HasPrefix(prefix, MAGIC[:])
}

func (f *File) readHeader() error {
	if f.reader.Len() < HeaderSize+TrailerSize {
		return fmt.Errorf("file of %d bytes: %w", f.reader.Len(), ErrCorruptHeader)
	}
	header := make([]byte, HeaderSize)
	if _, err := f.reader.ReadAt(header, 0); err != nil {
		return fmt.Errorf("mmap ReadAt: %w", err)
	}
	if !bytes.Equal(header[:8], MAGIC[:]) {
		return fmt.Errorf("bad magic identifier: %w", ErrCorruptHeader)
	}
	n := int(binary.LittleEndian.Uint16(header[8:10]))
	if 10+n > HeaderSize {
		return fmt.Errorf("version string of %d bytes: %w", n, ErrCorruptHeader)
	}
	v, err := semver.NewVersion(string(header[10 : 10+n]))
	if err != nil {
		return fmt.Errorf("parse version: %v: %w", err, ErrCorruptHeader)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("version %s does not satisfy %s: %w", v, SupportedVersions, ErrUnsupportedVersion)
	}
	f.version = v
	return nil
}

func (f *File) readDirectory() error {
	size := int64(f.reader.Len())
	trailer := make([]byte, TrailerSize)
	if _, err := f.reader.ReadAt(trailer, size-TrailerSize); err != nil {
		return fmt.Errorf("mmap ReadAt: %w", err)
	}
	if !bytes.Equal(trailer[8:], MAGIC[:]) {
		return fmt.Errorf("bad trailer magic: %w", ErrCorruptHeader)
	}
	dirOffset := int64(binary.LittleEndian.Uint64(trailer[:8]))
	if dirOffset < HeaderSize || dirOffset > size-TrailerSize {
		return fmt.Errorf("directory offset %d out of range: %w", dirOffset, ErrCorruptHeader)
	}

	dir := make([]byte, size-TrailerSize-dirOffset)
	if _, err := f.reader.ReadAt(dir, dirOffset); err != nil {
		return fmt.Errorf("mmap ReadAt: %w", err)
	}
	if len(dir) < 4 {
		return fmt.Errorf("short directory: %w", ErrCorruptHeader)
	}
	count := int(binary.LittleEndian.Uint32(dir))
	dir = dir[4:]
	for i := 0; i < count; i++ {
		if len(dir) < 2 {
			return fmt.Errorf("directory entry %d: %w", i, ErrCorruptHeader)
		}
		n := int(binary.LittleEndian.Uint16(dir))
		if len(dir) < 2+n+8+8+1+8 {
			return fmt.Errorf("directory entry %d: %w", i, ErrCorruptHeader)
		}
		e := Entry{Name: string(dir[2 : 2+n])}
		dir = dir[2+n:]
		e.Offset = int64(binary.LittleEndian.Uint64(dir[0:8]))
		e.Length = int64(binary.LittleEndian.Uint64(dir[8:16]))
		e.Codec = Codec(dir[16])
		e.Checksum = binary.LittleEndian.Uint64(dir[17:25])
		dir = dir[25:]

		if e.Offset < HeaderSize || e.Length < 0 || e.Offset+e.Length > dirOffset {
			return fmt.Errorf("region %q spans [%d, %d) outside the file: %w", e.Name, e.Offset, e.Offset+e.Length, ErrCorruptHeader)
		}
		f.byName[e.Name] = len(f.entries)
		f.entries = append(f.entries, e)
	}
	return nil
}

// Version returns the format version the container was written with.
func (f *File) Version() *semver.Version {
	return f.version
}

// Entries returns the directory in file order.
func (f *File) Entries() []Entry {
	return f.entries
}

// Entry looks up a region by name.
func (f *File) Entry(name string) (Entry, bool) {
	i, ok := f.byName[name]
	if !ok {
		return Entry{}, false
	}
	return f.entries[i], true
}

// ReadAt reads from the file at an absolute offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.reader.ReadAt(p, off)
}

// Bytes reads a whole region, verifies its checksum and returns its decoded
// contents.
func (f *File) Bytes(name string) ([]byte, error) {
	e, ok := f.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrRegionNotFound)
	}
	b := make([]byte, e.Length)
	if _, err := f.reader.ReadAt(b, e.Offset); err != nil {
		return nil, fmt.Errorf("mmap ReadAt: %w", err)
	}
	if sum := hash.Bytes(b); sum != e.Checksum {
		return nil, fmt.Errorf("region %q: %w", name, ErrChecksumMismatch)
	}
	switch e.Codec {
	case CodecRaw:
		return b, nil
	case CodecZstd:
		if len(b) == 0 {
			return nil, nil
		}
		out, err := decoder.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("region %q: zstd: %w", name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("region %q has codec %d: %w", name, e.Codec, ErrCorruptHeader)
	}
}

// Verify checks the checksum of a region without decoding it.
func (f *File) Verify(name string) error {
	e, ok := f.Entry(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrRegionNotFound)
	}
	h, err := hash.New()
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<16)
	for off := e.Offset; off < e.Offset+e.Length; {
		n := int64(len(buf))
		if rem := e.Offset + e.Length - off; rem < n {
			n = rem
		}
		if _, err := f.reader.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("mmap ReadAt: %w", err)
		}
		h.Write(buf[:n])
		off += n
	}
	if h.Sum64() != e.Checksum {
		return fmt.Errorf("region %q: %w", name, ErrChecksumMismatch)
	}
	return nil
}

func (f *File) Close() error {
	return f.reader.Close()
}
