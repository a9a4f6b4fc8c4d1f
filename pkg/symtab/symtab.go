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

package symtab

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/exp/mmap"
)

// A symbol table file describes one module: its methods as address ranges
// and its line table, both keyed by module relative address.
//
// ┌─────────┬───────────────────────────┬──────────────────────┬────────────────────┐
// │ Header  │ Strings with nul endings  │ Sorted method ranges │ Sorted line starts │
// └─────────┴───────────────────────────┴──────────────────────┴────────────────────┘
//
// The file is read with mmap(2) and binary searched in place, so that large
// tables are backed by the page cache instead of anonymous memory.

const (
	MAGIC           = uint32(0x8A4CA)
	VERSION         = uint32(2)
	headerSize      = uint32(unsafe.Sizeof(FileHeader{}))
	methodEntrySize = uint32(8 + 4 + 4 + 2) // address, size, name offset, name length
	lineEntrySize   = uint32(8 + 4 + 2 + 4) // address, file offset, file length, line
)

var (
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrAlreadyFinalized = errors.New("already finalized")
	ErrBadMagic         = errors.New("bad magic identifier")
	ErrBadVersion       = errors.New("bad version")
	ErrReadZeroBytes    = errors.New("read zero bytes")
)

type FileHeader struct {
	Magic       uint32
	Version     uint32
	StringsSize uint32
	MethodCount uint32
	LineCount   uint32
}

type MethodEntry struct {
	Address uint64
	Size    uint32
	Offset  uint32
	Len     uint16
}

type LineEntry struct {
	Address uint64
	Offset  uint32
	Len     uint16
	Line    uint32
}

type FileWriter struct {
	file         *os.File
	w            *bufio.Writer
	methods      []MethodEntry
	lines        []LineEntry
	files        map[string]uint32
	stringOffset uint32
	finalized    bool
	buf          []byte
}

func NewWriter(path string, preallocate int) (*FileWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	// Write dummy header. We'll write the right header once we have
	// written all the data.
	err = binary.Write(file, binary.LittleEndian, FileHeader{})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("binary.Write: %w", err)
	}
	return &FileWriter{
		file:    file,
		w:       bufio.NewWriter(file),
		methods: make([]MethodEntry, 0, preallocate),
		files:   map[string]uint32{},
		buf:     make([]byte, max(methodEntrySize, lineEntrySize)),
	}, nil
}

// AddMethod adds the method covering [address, address+size).
func (fw *FileWriter) AddMethod(name string, address uint64, size uint32) error {
	offset, err := fw.AddString(name)
	if err != nil {
		return err
	}
	fw.methods = append(fw.methods, MethodEntry{
		Address: address,
		Size:    size,
		Offset:  offset,
		Len:     uint16(len(name)),
	})
	return nil
}

// AddLine records that code starting at address belongs to file:line, up to
// the next line entry.
func (fw *FileWriter) AddLine(file string, address uint64, line uint32) error {
	offset, ok := fw.files[file]
	if !ok {
		var err error
		offset, err = fw.AddString(file)
		if err != nil {
			return err
		}
		fw.files[file] = offset
	}
	fw.lines = append(fw.lines, LineEntry{
		Address: address,
		Offset:  offset,
		Len:     uint16(len(file)),
		Line:    line,
	})
	return nil
}

func (fw *FileWriter) AddString(s string) (uint32, error) {
	if fw.finalized {
		return 0, ErrAlreadyFinalized
	}

	if _, err := fw.w.WriteString(s); err != nil {
		return 0, fmt.Errorf("WriteString: %w", err)
	}
	// Append nil to make debugging easier.
	if _, err := fw.w.WriteString("\000"); err != nil {
		return 0, fmt.Errorf("WriteString: %w", err)
	}

	offset := fw.stringOffset
	fw.stringOffset += uint32(len(s) + 1)
	return offset, nil
}

func (fw *FileWriter) writeHeader() error {
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if _, err := fw.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("file.Seek: %w", err)
	}
	if err := binary.Write(fw.w, binary.LittleEndian, &FileHeader{
		Magic:       MAGIC,
		Version:     VERSION,
		StringsSize: fw.stringOffset,
		MethodCount: uint32(len(fw.methods)),
		LineCount:   uint32(len(fw.lines)),
	}); err != nil {
		return fmt.Errorf("binary.Write: %w", err)
	}
	return nil
}

// Write sorts and writes the tables, then the header, and closes the file.
func (fw *FileWriter) Write() error {
	if fw.finalized {
		return ErrAlreadyFinalized
	}
	defer fw.Close()

	sort.Slice(fw.methods, func(i, j int) bool {
		return fw.methods[i].Address < fw.methods[j].Address
	})
	sort.Slice(fw.lines, func(i, j int) bool {
		return fw.lines[i].Address < fw.lines[j].Address
	})

	for _, e := range fw.methods {
		b := fw.buf[:methodEntrySize]
		binary.LittleEndian.PutUint64(b[:8], e.Address)
		binary.LittleEndian.PutUint32(b[8:12], e.Size)
		binary.LittleEndian.PutUint32(b[12:16], e.Offset)
		binary.LittleEndian.PutUint16(b[16:18], e.Len)
		if _, err := fw.w.Write(b); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	for _, e := range fw.lines {
		b := fw.buf[:lineEntrySize]
		binary.LittleEndian.PutUint64(b[:8], e.Address)
		binary.LittleEndian.PutUint32(b[8:12], e.Offset)
		binary.LittleEndian.PutUint16(b[12:14], e.Len)
		binary.LittleEndian.PutUint32(b[14:18], e.Line)
		if _, err := fw.w.Write(b); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	if err := fw.writeHeader(); err != nil {
		return fmt.Errorf("writeHeader: %w", err)
	}
	return nil
}

func (fw *FileWriter) Close() error {
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fw.finalized = true

	return fw.file.Close()
}

// FileReader queries a symbol table file. It is safe for concurrent use.
type FileReader struct {
	reader *mmap.ReaderAt
	header FileHeader
}

func NewReader(path string) (*FileReader, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open: %w", err)
	}
	buf := make([]byte, headerSize)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		reader.Close()
		return nil, fmt.Errorf("mmap ReadAt: %w", err)
	}
	header := FileHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		StringsSize: binary.LittleEndian.Uint32(buf[8:12]),
		MethodCount: binary.LittleEndian.Uint32(buf[12:16]),
		LineCount:   binary.LittleEndian.Uint32(buf[16:20]),
	}
	if header.Magic != MAGIC {
		reader.Close()
		return nil, ErrBadMagic
	}
	if header.Version != VERSION {
		reader.Close()
		return nil, ErrBadVersion
	}
	return &FileReader{reader: reader, header: header}, nil
}

func (fr *FileReader) Header() FileHeader {
	return fr.header
}

func (fr *FileReader) Close() error {
	return fr.reader.Close()
}

func (fr *FileReader) methodsOffset() int64 {
	return int64(headerSize) + int64(fr.header.StringsSize)
}

func (fr *FileReader) linesOffset() int64 {
	return fr.methodsOffset() + int64(methodEntrySize)*int64(fr.header.MethodCount)
}

// search returns the last entry whose address is <= address, or -1.
func (fr *FileReader) search(base int64, size uint32, count uint32, address uint64, buf []byte) (int64, error) {
	left, right := uint32(0), count
	found := int64(-1)
	for left < right {
		mid := (left + right) / 2
		read, err := fr.reader.ReadAt(buf[:8], base+int64(size)*int64(mid))
		if err != nil {
			return -1, fmt.Errorf("mmap ReadAt: %w", err)
		}
		if read == 0 {
			return -1, ErrReadZeroBytes
		}
		if binary.LittleEndian.Uint64(buf[:8]) <= address {
			found = int64(mid)
			left = mid + 1
		} else {
			right = mid
		}
	}
	return found, nil
}

func (fr *FileReader) readString(offset uint32, n uint16) (string, error) {
	buf := make([]byte, n)
	if _, err := fr.reader.ReadAt(buf, int64(headerSize)+int64(offset)); err != nil {
		return "", fmt.Errorf("mmap.ReadAt: %w", err)
	}
	return unsafeString(buf), nil
}

// Method returns the method containing the module relative address.
func (fr *FileReader) Method(address uint64) (name string, start uint64, size uint32, err error) {
	buf := make([]byte, methodEntrySize)
	i, err := fr.search(fr.methodsOffset(), methodEntrySize, fr.header.MethodCount, address, buf)
	if err != nil {
		return "", 0, 0, err
	}
	if i < 0 {
		return "", 0, 0, ErrSymbolNotFound
	}
	if _, err := fr.reader.ReadAt(buf, fr.methodsOffset()+int64(methodEntrySize)*i); err != nil {
		return "", 0, 0, fmt.Errorf("mmap ReadAt: %w", err)
	}
	e := MethodEntry{
		Address: binary.LittleEndian.Uint64(buf[:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
		Offset:  binary.LittleEndian.Uint32(buf[12:16]),
		Len:     binary.LittleEndian.Uint16(buf[16:18]),
	}
	if e.Size != 0 && address-e.Address >= uint64(e.Size) {
		return "", 0, 0, ErrSymbolNotFound
	}
	name, err = fr.readString(e.Offset, e.Len)
	if err != nil {
		return "", 0, 0, err
	}
	return name, e.Address, e.Size, nil
}

// Line returns the source position of the module relative address.
func (fr *FileReader) Line(address uint64) (file string, line uint32, err error) {
	buf := make([]byte, lineEntrySize)
	i, err := fr.search(fr.linesOffset(), lineEntrySize, fr.header.LineCount, address, buf)
	if err != nil {
		return "", 0, err
	}
	if i < 0 {
		return "", 0, ErrSymbolNotFound
	}
	if _, err := fr.reader.ReadAt(buf, fr.linesOffset()+int64(lineEntrySize)*i); err != nil {
		return "", 0, fmt.Errorf("mmap ReadAt: %w", err)
	}
	file, err = fr.readString(binary.LittleEndian.Uint32(buf[8:12]), binary.LittleEndian.Uint16(buf[12:14]))
	if err != nil {
		return "", 0, err
	}
	return file, binary.LittleEndian.Uint32(buf[14:18]), nil
}

// unsafeString avoids memory allocations by directly casting
// the memory area that we know contains a valid string to a
// string pointer.
func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}
