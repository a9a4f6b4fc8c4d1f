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

// Package timeindex stores events in fixed-size compressed pages and finds
// the page holding a point in time.
package timeindex

import (
	"errors"
	"fmt"
	"sort"

	"github.com/parca-dev/parca-tracelog/pkg/region"
)

var (
	ErrOutOfOrder     = errors.New("event timestamps out of order")
	ErrPageMisaligned = errors.New("page misaligned")
)

// PageEntry locates one page: the timestamp of its first event and the
// offset of its block in the events region.
type PageEntry struct {
	Time   int64
	Offset int64
}

// Index is the page table.
type Index struct {
	pageSize int
	shift    uint
	entries  []PageEntry
}

func NewIndex(pageSize int) (*Index, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", pageSize)
	}
	shift := uint(0)
	for 1<<shift != pageSize {
		shift++
	}
	return &Index{pageSize: pageSize, shift: shift}, nil
}

func (x *Index) PageSize() int {
	return x.pageSize
}

func (x *Index) Len() int {
	return len(x.entries)
}

func (x *Index) Entry(page int) PageEntry {
	return x.entries[page]
}

func (x *Index) Entries() []PageEntry {
	return x.entries
}

// Add appends the entry of the next page.
func (x *Index) Add(e PageEntry) error {
	if n := len(x.entries); n > 0 {
		last := x.entries[n-1]
		if e.Time < last.Time {
			return fmt.Errorf("page %d starts at %d before page %d at %d: %w", n, e.Time, n-1, last.Time, ErrOutOfOrder)
		}
		if e.Offset <= last.Offset {
			return fmt.Errorf("page %d at offset %d, previous at %d: %w", n, e.Offset, last.Offset, ErrPageMisaligned)
		}
	}
	x.entries = append(x.entries, e)
	return nil
}

// PageForTime returns the first page that may hold an event at or after t.
// Events with equal timestamps can straddle a page boundary, so the page
// before the first one starting at or after t is returned. It never fails:
// an empty index or a t before every page gives page 0.
func (x *Index) PageForTime(t int64) int {
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Time >= t })
	if i > 0 {
		i--
	}
	return i
}

// Page returns the page holding the event with sequence number idx, and the
// position of the event in it.
func (x *Index) Page(idx uint32) (page, pos int) {
	return int(idx >> x.shift), int(idx & uint32(x.pageSize-1))
}

// FirstIndex returns the sequence number of the first event in page.
func (x *Index) FirstIndex(page int) uint32 {
	return uint32(page) << x.shift
}

// Encode writes the page table into the body of the pages region.
func (x *Index) Encode() []byte {
	var e region.Encoder
	e.Uvarint(uint64(x.pageSize))
	e.Count(len(x.entries))
	var lastTime, lastOffset int64
	for _, p := range x.entries {
		e.Varint(p.Time - lastTime)
		e.Uvarint(uint64(p.Offset - lastOffset))
		lastTime, lastOffset = p.Time, p.Offset
	}
	e.Count(len(x.entries))
	return e.Bytes()
}

// Decode reads what Encode wrote.
func Decode(b []byte) (*Index, error) {
	d := region.NewDecoder(b)
	pageSize := int(d.Uvarint())
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	x, err := NewIndex(pageSize)
	if err != nil {
		return nil, fmt.Errorf("decode pages: %v: %w", err, region.ErrCorruptHeader)
	}
	n := d.Count()
	x.entries = make([]PageEntry, 0, n)
	var p PageEntry
	for i := 0; i < n && d.Err() == nil; i++ {
		p.Time += d.Varint()
		p.Offset += int64(d.Uvarint())
		x.entries = append(x.entries, p)
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	return x, nil
}
