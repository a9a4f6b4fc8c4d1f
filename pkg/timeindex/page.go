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

package timeindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/golang/snappy"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

const blockHeaderSize = 4

var errWriterClosed = errors.New("page writer closed")

// Writer groups events into pages of the index's page size. Each page is
// written as one snappy block prefixed with its length, and a page entry is
// added when its block is written.
type Writer struct {
	w     io.Writer
	index *Index

	off       int64
	buf       []byte
	block     []byte
	n         int
	pageStart int64

	count    uint32
	lastTime int64
	closed   bool
}

func NewWriter(w io.Writer, index *Index) *Writer {
	return &Writer{w: w, index: index, lastTime: math.MinInt64}
}

// Append writes e and returns its sequence number. Timestamps must not
// decrease.
func (w *Writer) Append(e *event.Event) (event.Index, error) {
	if w.closed {
		return event.NoIndex, errWriterClosed
	}
	if e.Timestamp < w.lastTime {
		return event.NoIndex, fmt.Errorf("event %d at %d after %d: %w", w.count, e.Timestamp, w.lastTime, ErrOutOfOrder)
	}
	if e.Timestamp == event.SentinelTime {
		return event.NoIndex, fmt.Errorf("event %d uses the reserved sentinel timestamp", w.count)
	}
	// The sentinel takes one more sequence number.
	if w.count >= uint32(event.NoIndex)-1 {
		return event.NoIndex, fmt.Errorf("log holds at most %d events", w.count)
	}
	if w.n == 0 {
		w.pageStart = e.Timestamp
	}
	w.buf = e.AppendTo(w.buf)
	w.n++
	w.lastTime = e.Timestamp

	idx := event.Index(w.count)
	w.count++
	if w.n == w.index.pageSize {
		if err := w.flush(false); err != nil {
			return event.NoIndex, err
		}
	}
	return idx, nil
}

// Count returns the number of events appended.
func (w *Writer) Count() int {
	return int(w.count)
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.off
}

// Close terminates the log with the sentinel record and writes the last
// page. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return errWriterClosed
	}
	w.closed = true
	sentinel := event.Event{Timestamp: event.SentinelTime}
	if w.n == 0 {
		w.pageStart = sentinel.Timestamp
	}
	w.buf = sentinel.AppendTo(w.buf)
	w.n++
	return w.flush(true)
}

func (w *Writer) flush(final bool) error {
	if w.n > w.index.pageSize || (!final && w.n != w.index.pageSize) {
		return fmt.Errorf("page %d holds %d events: %w", w.index.Len(), w.n, ErrPageMisaligned)
	}
	if err := w.index.Add(PageEntry{Time: w.pageStart, Offset: w.off}); err != nil {
		return err
	}
	w.block = snappy.Encode(w.block[:cap(w.block)], w.buf)
	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(w.block)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(w.block); err != nil {
		return err
	}
	w.off += blockHeaderSize + int64(len(w.block))
	w.buf = w.buf[:0]
	w.n = 0
	return nil
}

// Reader decodes pages from the events region.
type Reader struct {
	r     io.ReaderAt
	size  int64
	index *Index
}

// NewReader reads pages from r, which holds size bytes of page blocks.
func NewReader(r io.ReaderAt, size int64, index *Index) *Reader {
	return &Reader{r: r, size: size, index: index}
}

func (r *Reader) Index() *Index {
	return r.index
}

// Page is one decoded page. The position of every record is recorded while
// decoding, so a cursor can step backward without decoding the page again.
type Page struct {
	Number int
	// First is the sequence number of the record at position 0.
	First event.Index

	raw   []byte
	data  []byte
	pos   []int
	final bool
}

// Len returns the number of events in the page, the sentinel excluded.
func (pg *Page) Len() int {
	if pg.final {
		return len(pg.pos) - 1
	}
	return len(pg.pos)
}

// Final reports whether this is the last page of the log.
func (pg *Page) Final() bool {
	return pg.final
}

// Time returns the timestamp of the event at position i.
func (pg *Page) Time(i int) int64 {
	return int64(binary.LittleEndian.Uint64(pg.data[pg.pos[i]:]))
}

// Event decodes the event at position i into e. The payload aliases the
// page and is valid until the page is reused.
func (pg *Page) Event(i int, e *event.Event) error {
	_, err := event.Decode(pg.data[pg.pos[i]:], e)
	return err
}

// Seek returns the position of the first event at or after t, or Len if
// there is none in the page.
func (pg *Page) Seek(t int64) int {
	n := pg.Len()
	for i := 0; i < n; i++ {
		if pg.Time(i) >= t {
			return i
		}
	}
	return n
}

// ReadPage decodes page into pg, reusing its buffers.
func (r *Reader) ReadPage(page int, pg *Page) error {
	if page < 0 || page >= r.index.Len() {
		return fmt.Errorf("page %d of %d: %w", page, r.index.Len(), ErrPageMisaligned)
	}
	start := r.index.Entry(page).Offset
	end := r.size
	final := page == r.index.Len()-1
	if !final {
		end = r.index.Entry(page + 1).Offset
	}
	if end-start < blockHeaderSize || end > r.size {
		return fmt.Errorf("page %d spans [%d, %d) of %d bytes: %w", page, start, end, r.size, ErrPageMisaligned)
	}

	var hdr [blockHeaderSize]byte
	if _, err := r.r.ReadAt(hdr[:], start); err != nil {
		return fmt.Errorf("read page %d: %w", page, err)
	}
	n := int64(binary.LittleEndian.Uint32(hdr[:]))
	if start+blockHeaderSize+n != end {
		return fmt.Errorf("page %d block of %d bytes does not end at %d: %w", page, n, end, ErrPageMisaligned)
	}
	if int64(cap(pg.raw)) < n {
		pg.raw = make([]byte, n)
	}
	pg.raw = pg.raw[:n]
	if _, err := r.r.ReadAt(pg.raw, start+blockHeaderSize); err != nil {
		return fmt.Errorf("read page %d: %w", page, err)
	}
	data, err := snappy.Decode(pg.data[:cap(pg.data)], pg.raw)
	if err != nil {
		return fmt.Errorf("page %d: snappy: %w", page, err)
	}
	pg.data = data
	pg.Number = page
	pg.First = event.Index(r.index.FirstIndex(page))
	pg.final = final

	pg.pos = pg.pos[:0]
	var e event.Event
	for off := 0; off < len(data); {
		if len(pg.pos) == r.index.pageSize {
			return fmt.Errorf("page %d holds more than %d events: %w", page, r.index.pageSize, ErrPageMisaligned)
		}
		m, err := event.Decode(data[off:], &e)
		if err != nil {
			return fmt.Errorf("page %d record %d: %w", page, len(pg.pos), err)
		}
		pg.pos = append(pg.pos, off)
		off += m
	}
	switch {
	case !final && len(pg.pos) != r.index.pageSize:
		return fmt.Errorf("page %d holds %d events: %w", page, len(pg.pos), ErrPageMisaligned)
	case final && (len(pg.pos) == 0 || pg.Time(len(pg.pos)-1) != event.SentinelTime):
		return fmt.Errorf("last page does not end with the sentinel: %w", ErrPageMisaligned)
	}
	return nil
}

// SeekWithinPage decodes page into pg and returns the position of the first
// event at or after t.
func (r *Reader) SeekWithinPage(page int, t int64, pg *Page) (int, error) {
	if err := r.ReadPage(page, pg); err != nil {
		return 0, err
	}
	return pg.Seek(t), nil
}

// Count returns the number of events in the log, read from its last page.
func (r *Reader) Count() (int, error) {
	last := r.index.Len() - 1
	if last < 0 {
		return 0, nil
	}
	var pg Page
	if err := r.ReadPage(last, &pg); err != nil {
		return 0, err
	}
	return int(pg.First) + pg.Len(), nil
}
