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
	"go.uber.org/atomic"
)

// State is the decode state of a lazy region.
type State int32

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "invalid"
	}
}

// Lazy holds a value decoded from a region on first access.
//
// The first caller of Get moves the region from Unloaded to Loading and runs
// the decoder; concurrent callers wait for it to finish. Every caller observes
// the same value and error, and the decoder runs at most once.
type Lazy[T any] struct {
	state atomic.Int32
	done  chan struct{}

	decode func() (T, error)
	val    T
	err    error
}

// NewLazy returns an unloaded region value.
func NewLazy[T any](decode func() (T, error)) *Lazy[T] {
	return &Lazy[T]{
		done:   make(chan struct{}),
		decode: decode,
	}
}

// LoadedValue returns a region value that is already decoded.
func LoadedValue[T any](v T) *Lazy[T] {
	l := &Lazy[T]{done: make(chan struct{}), val: v}
	l.state.Store(int32(Loaded))
	close(l.done)
	return l
}

// State returns the current decode state.
func (l *Lazy[T]) State() State {
	return State(l.state.Load())
}

// Get returns the decoded value, decoding it if needed.
func (l *Lazy[T]) Get() (T, error) {
	if State(l.state.Load()) == Loaded {
		return l.val, l.err
	}
	if l.state.CompareAndSwap(int32(Unloaded), int32(Loading)) {
		l.load()
		return l.val, l.err
	}
	<-l.done
	return l.val, l.err
}

func (l *Lazy[T]) load() {
	// Waiters must be released even if the decoder panics.
	defer func() {
		l.decode = nil
		l.state.Store(int32(Loaded))
		close(l.done)
	}()
	l.val, l.err = l.decode()
}
