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
	"sort"
)

// Matcher finds the buffered event whose time is closest to expected.
type Matcher interface {
	Match(r *Ring, expected int64) (Entry, bool)
}

// NearestMatcher scans from the newest entry backward and stops as soon as
// expected is on the newer side of the midpoint between the current best
// and the next older entry.
type NearestMatcher struct{}

func (NearestMatcher) Match(r *Ring, expected int64) (Entry, bool) {
	if r.Len() == 0 {
		return Entry{}, false
	}
	best := r.At(0)
	for i := 1; i < r.Len(); i++ {
		e := r.At(i)
		if expected >= (best.Time+e.Time)/2 {
			break
		}
		best = e
	}
	return best, true
}

// BinarySearchMatcher bisects the ring, which relies on event times being
// non-decreasing per processor. Ties go to the newer entry.
type BinarySearchMatcher struct{}

func (BinarySearchMatcher) Match(r *Ring, expected int64) (Entry, bool) {
	n := r.Len()
	if n == 0 {
		return Entry{}, false
	}
	// Position i counts from the oldest entry.
	at := func(i int) Entry { return r.At(n - 1 - i) }
	i := sort.Search(n, func(i int) bool { return at(i).Time > expected })
	switch {
	case i == 0:
		return at(0), true
	case i == n:
		return at(n - 1), true
	}
	before, after := at(i-1), at(i)
	if after.Time-expected <= expected-before.Time {
		return after, true
	}
	return before, true
}
