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

// Package phase tracks whether a trace is in its startup snapshot, in steady
// state tracing, or in its shutdown snapshot.
package phase

import (
	"github.com/parca-dev/parca-tracelog/pkg/event"
)

type Phase uint8

const (
	Prolog Phase = iota
	Steady
	Epilog
)

func (p Phase) String() string {
	switch p {
	case Prolog:
		return "prolog"
	case Steady:
		return "steady"
	case Epilog:
		return "epilog"
	default:
		return "unknown"
	}
}

// DefaultPrologGap is one second in 100ns units.
const DefaultPrologGap = int64(10_000_000)

// State is a phase together with what the transition function needs to
// remember. The zero value is the start of a trace.
type State struct {
	Phase Phase

	sawCollectionStart bool
	collectionStart    int64
}

func isMarker(op event.Opcode) bool {
	switch op {
	case event.OpCollectionStart, event.OpCollectionStop, event.OpSteadyStateStart:
		return true
	}
	return false
}

// Next returns the state after a record with opcode op at ts. gap is the
// time after a collection start marker beyond which ordinary records are
// steady state traffic, and beyond which a repeated marker starts steady
// state.
func Next(s State, op event.Opcode, ts, gap int64) State {
	switch s.Phase {
	case Prolog:
		switch {
		case op == event.OpSteadyStateStart:
			s.Phase = Steady
		case op == event.OpCollectionStart:
			if s.sawCollectionStart && ts-s.collectionStart > gap {
				s.Phase = Steady
			}
			s.sawCollectionStart = true
			s.collectionStart = ts
		case op == event.OpCollectionStop:
			s.Phase = Epilog
		case op.IsRundown():
		case !s.sawCollectionStart || ts-s.collectionStart > gap:
			s.Phase = Steady
		}
	case Steady:
		if op == event.OpCollectionStop {
			s.Phase = Epilog
		}
	case Epilog:
		if op == event.OpCollectionStart {
			s = State{Phase: Prolog, sawCollectionStart: true, collectionStart: ts}
		}
	}
	return s
}

// Retain reports whether a record with opcode op is written to the log when
// seen in phase p. Outside steady state only the markers and the records
// that establish processes, threads and images are kept.
func Retain(p Phase, op event.Opcode) bool {
	if p == Steady {
		return true
	}
	return isMarker(op) || op.IsStartBookkeeping()
}
