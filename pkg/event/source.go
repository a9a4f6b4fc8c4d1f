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

package event

// SessionMetadata describes the recording session as a whole.
type SessionMetadata struct {
	StartTime      int64
	FirstEventTime int64
	EndTime        int64
	PointerSize    uint8
	ProcessorCount uint16
	LostEvents     uint64
	MachineName    string
	MemorySizeMB   uint64
	// Parsers lists the decoders that produced the records, so that a
	// re-opened log can be re-iterated with the same interpretation.
	Parsers []string
}

// KernelSplit returns the lowest kernel-mode address for the session's
// pointer width.
func (m SessionMetadata) KernelSplit() uint64 {
	if m.PointerSize == 4 {
		return 0x80000000
	}
	return 0xffff800000000000
}

// Source is a single forward enumeration of raw records.
//
// Next returns io.EOF once the source is exhausted. The returned event's
// payload is only valid until the following call to Next.
type Source interface {
	Metadata() SessionMetadata
	Next() (*Event, error)
	Close() error
}
