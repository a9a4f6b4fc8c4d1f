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

package clock

import (
	"github.com/parca-dev/parca-tracelog/pkg/event"
)

// Entry is an event observed on a processor.
type Entry struct {
	ThreadID uint32
	Time     int64
	Index    event.Index
}

// Ring holds the most recent events of one processor.
type Ring struct {
	buf  []Entry
	head int // next write position
	n    int
}

func NewRing(size int) *Ring {
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) Push(e Entry) {
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	return r.n
}

// At returns the i-th newest entry; At(0) is the newest.
func (r *Ring) At(i int) Entry {
	return r.buf[(r.head-1-i+2*len(r.buf))%len(r.buf)]
}
