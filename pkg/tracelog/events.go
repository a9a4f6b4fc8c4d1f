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

package tracelog

import (
	"math"

	"github.com/RoaringBitmap/roaring"

	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/timeindex"
)

// Filter selects events. The zero value selects every event, forward.
type Filter struct {
	// Start and End bound event timestamps, inclusive. End 0 means no upper
	// bound.
	Start int64
	End   int64
	// Processes limits events to these pids when set.
	Processes *roaring.Bitmap
	// Predicate, when set, must return true for an event to be selected.
	Predicate func(*event.Event) bool
	Backward  bool
}

func (f *Filter) bounds() (int64, int64) {
	end := f.End
	if end == 0 {
		end = math.MaxInt64
	}
	return f.Start, end
}

func (f *Filter) match(e *event.Event) bool {
	if f.Processes != nil && !f.Processes.Contains(e.ProcessID) {
		return false
	}
	return f.Predicate == nil || f.Predicate(e)
}

// Iterator walks the events selected by a filter. It is not safe for
// concurrent use; open one iterator per goroutine.
type Iterator struct {
	c          *timeindex.Cursor
	f          Filter
	start, end int64
	e          event.Event
	done       bool
}

// Events returns an iterator over the events selected by f.
func (l *Log) Events(f Filter) (*Iterator, error) {
	r, err := l.pages.Get()
	if err != nil {
		return nil, err
	}
	it := &Iterator{f: f}
	it.start, it.end = f.bounds()
	if f.Backward {
		it.c, err = r.SeekAfter(it.end)
	} else {
		it.c, err = r.Seek(it.start)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Next returns the next selected event. The event is valid until the
// following call. It returns false when the range is exhausted or on error;
// check Err.
func (it *Iterator) Next() (event.Index, *event.Event, bool) {
	for !it.done {
		var (
			idx event.Index
			ok  bool
		)
		if it.f.Backward {
			idx, ok = it.c.Prev(&it.e)
			ok = ok && it.e.Timestamp >= it.start
		} else {
			idx, ok = it.c.Next(&it.e)
			ok = ok && it.e.Timestamp <= it.end
		}
		if !ok {
			it.done = true
			break
		}
		if it.f.match(&it.e) {
			return idx, &it.e, true
		}
	}
	return event.NoIndex, nil, false
}

func (it *Iterator) Err() error {
	return it.c.Err()
}
