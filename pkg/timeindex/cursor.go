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
	"math"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

// Cursor is a position between two events of the log. It owns its decode
// buffer; several cursors over one Reader may be used concurrently.
type Cursor struct {
	r   *Reader
	pg  Page
	pos int
	err error
}

// Seek returns a cursor positioned before the first event at or after t.
func (r *Reader) Seek(t int64) (*Cursor, error) {
	c := &Cursor{r: r}
	pos, err := r.SeekWithinPage(r.index.PageForTime(t), t, &c.pg)
	if err != nil {
		return nil, err
	}
	c.pos = pos
	// Skip to the next page while the position is at the end of a page, so
	// that Prev does not have to come back through it.
	for c.pos == c.pg.Len() && !c.pg.Final() {
		if err := c.r.ReadPage(c.pg.Number+1, &c.pg); err != nil {
			return nil, err
		}
		c.pos = c.pg.Seek(t)
	}
	return c, nil
}

// SeekAfter returns a cursor positioned after the last event at or before t.
func (r *Reader) SeekAfter(t int64) (*Cursor, error) {
	if t == math.MaxInt64 {
		return r.Seek(event.SentinelTime)
	}
	return r.Seek(t + 1)
}

// Next returns the event after the cursor and moves past it. It returns
// false at the end of the log or on error.
func (c *Cursor) Next(e *event.Event) (event.Index, bool) {
	if c.err != nil {
		return event.NoIndex, false
	}
	for c.pos >= c.pg.Len() {
		if c.pg.Final() {
			return event.NoIndex, false
		}
		if c.err = c.r.ReadPage(c.pg.Number+1, &c.pg); c.err != nil {
			return event.NoIndex, false
		}
		c.pos = 0
	}
	if c.err = c.pg.Event(c.pos, e); c.err != nil {
		return event.NoIndex, false
	}
	idx := c.pg.First + event.Index(c.pos)
	c.pos++
	return idx, true
}

// Prev returns the event before the cursor and moves before it. It returns
// false at the start of the log or on error.
func (c *Cursor) Prev(e *event.Event) (event.Index, bool) {
	if c.err != nil {
		return event.NoIndex, false
	}
	for c.pos == 0 {
		if c.pg.Number == 0 {
			return event.NoIndex, false
		}
		if c.err = c.r.ReadPage(c.pg.Number-1, &c.pg); c.err != nil {
			return event.NoIndex, false
		}
		c.pos = c.pg.Len()
	}
	c.pos--
	if c.err = c.pg.Event(c.pos, e); c.err != nil {
		return event.NoIndex, false
	}
	return c.pg.First + event.Index(c.pos), true
}

// Err returns the error that stopped the cursor.
func (c *Cursor) Err() error {
	return c.err
}
