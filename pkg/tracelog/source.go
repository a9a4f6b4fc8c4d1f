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
	"io"
	"math"

	"github.com/parca-dev/parca-tracelog/pkg/assoc"
	"github.com/parca-dev/parca-tracelog/pkg/callstack"
	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/timeindex"
)

// Source re-iterates a log as an event source. Every event with a stack is
// followed by a stack walk on the same processor and thread whose tick count
// equals the event time, so that a new conversion attaches the same stacks.
type Source struct {
	l           *Log
	c           *timeindex.Cursor
	stacks      *callstack.Interner
	eventStacks *assoc.Table[callstack.Index]
	code        *codeTables

	cur     event.Event
	walk    event.Event
	payload event.StackWalkPayload
	pending bool
}

var _ event.Source = &Source{}

// Source returns a source over every event of the log. Closing it leaves
// the log open.
func (l *Log) Source() (*Source, error) {
	r, err := l.pages.Get()
	if err != nil {
		return nil, err
	}
	stacks, err := l.stacks.Get()
	if err != nil {
		return nil, err
	}
	eventStacks, err := l.eventStacks.Get()
	if err != nil {
		return nil, err
	}
	code, err := l.code.Get()
	if err != nil {
		return nil, err
	}
	c, err := r.Seek(math.MinInt64)
	if err != nil {
		return nil, err
	}
	return &Source{l: l, c: c, stacks: stacks, eventStacks: eventStacks, code: code}, nil
}

func (s *Source) Metadata() event.SessionMetadata {
	md := s.l.md
	md.Parsers = append(append([]string(nil), md.Parsers...), Name)
	return md
}

func (s *Source) Next() (*event.Event, error) {
	if s.pending {
		s.pending = false
		return &s.walk, nil
	}
	idx, ok := s.c.Next(&s.cur)
	if !ok {
		if err := s.c.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	if st, ok := s.eventStacks.Get(idx); ok {
		addrs, err := s.stacks.Addresses(st)
		if err != nil {
			return nil, err
		}
		s.payload.EventTicks = s.cur.Timestamp
		s.payload.ProcessID = s.cur.ProcessID
		s.payload.ThreadID = s.cur.ThreadID
		s.payload.Addresses = s.payload.Addresses[:0]
		for _, a := range addrs {
			s.payload.Addresses = append(s.payload.Addresses, s.code.records[a].Address)
		}
		s.walk = event.Event{
			Timestamp: s.cur.Timestamp,
			ProcessID: s.cur.ProcessID,
			ThreadID:  s.cur.ThreadID,
			Processor: s.cur.Processor,
			Opcode:    event.OpStackWalk,
			Payload:   s.payload.Marshal(),
		}
		s.pending = true
	}
	return &s.cur, nil
}

func (s *Source) Close() error {
	return nil
}
