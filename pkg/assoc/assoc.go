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

// Package assoc holds tables that attach a value to some events of a log,
// sorted by event index.
package assoc

import (
	"fmt"
	"sort"

	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/region"
)

// Table maps event indexes to values of type V. Events are kept in
// ascending order. Appends at the end are the common case; an event older
// than the last one is inserted in place.
type Table[V ~uint32] struct {
	events []event.Index
	values []V
}

func (t *Table[V]) Len() int {
	return len(t.events)
}

// At returns the i-th row.
func (t *Table[V]) At(i int) (event.Index, V) {
	return t.events[i], t.values[i]
}

func (t *Table[V]) search(ev event.Index) int {
	n := len(t.events)
	if n == 0 || t.events[n-1] < ev {
		return n
	}
	return sort.Search(n, func(i int) bool { return t.events[i] >= ev })
}

// Get returns the value attached to ev.
func (t *Table[V]) Get(ev event.Index) (V, bool) {
	i := t.search(ev)
	if i < len(t.events) && t.events[i] == ev {
		return t.values[i], true
	}
	var zero V
	return zero, false
}

// Update attaches fn(old, ok) to ev, where ok reports whether ev already
// had a value.
func (t *Table[V]) Update(ev event.Index, fn func(old V, ok bool) (V, error)) error {
	i := t.search(ev)
	if i < len(t.events) && t.events[i] == ev {
		v, err := fn(t.values[i], true)
		if err != nil {
			return err
		}
		t.values[i] = v
		return nil
	}
	var zero V
	v, err := fn(zero, false)
	if err != nil {
		return err
	}
	t.events = append(t.events, 0)
	t.values = append(t.values, 0)
	if i < len(t.events)-1 {
		copy(t.events[i+1:], t.events[i:])
		copy(t.values[i+1:], t.values[i:])
	}
	t.events[i] = ev
	t.values[i] = v
	return nil
}

// Put attaches v to ev, replacing any previous value.
func (t *Table[V]) Put(ev event.Index, v V) {
	_ = t.Update(ev, func(V, bool) (V, error) { return v, nil })
}

// Encode writes the count, the rows as (event delta, value) pairs, and the
// count again.
func (t *Table[V]) Encode() []byte {
	var e region.Encoder
	e.Count(len(t.events))
	last := event.Index(0)
	for i, ev := range t.events {
		e.Uvarint(uint64(ev - last))
		e.Uvarint(uint64(t.values[i]))
		last = ev
	}
	e.Count(len(t.events))
	return e.Bytes()
}

// Decode reads what Encode wrote. Values must be below limit.
func Decode[V ~uint32](b []byte, limit int) (*Table[V], error) {
	d := region.NewDecoder(b)
	n := d.Count()
	t := &Table[V]{
		events: make([]event.Index, 0, n),
		values: make([]V, 0, n),
	}
	var ev uint64
	for i := 0; i < n && d.Err() == nil; i++ {
		delta := d.Uvarint()
		if i > 0 && delta == 0 {
			return nil, fmt.Errorf("row %d repeats event %d: %w", i, ev, region.ErrCorruptHeader)
		}
		ev += delta
		v := d.Uvarint()
		if ev >= uint64(event.NoIndex) || v >= uint64(limit) {
			return nil, fmt.Errorf("row %d (%d, %d) out of range: %w", i, ev, v, region.ErrCorruptHeader)
		}
		t.events = append(t.events, event.Index(ev))
		t.values = append(t.values, V(v))
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode association table: %w", err)
	}
	return t, nil
}
