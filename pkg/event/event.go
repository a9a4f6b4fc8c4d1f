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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Index is the dense, zero-based position of an event in an indexed log.
type Index uint32

// NoIndex marks the absence of an event.
const NoIndex = Index(math.MaxUint32)

// SentinelTime terminates the event region of an indexed log.
const SentinelTime = int64(math.MaxInt64)

// HeaderSize is the encoded size of a record header.
const HeaderSize = 8 + 4 + 4 + 2 + 2 + 4

var ErrShortRecord = errors.New("short record")

// Event is a single timestamped record. Timestamps are in 100ns units from a
// fixed epoch.
type Event struct {
	Timestamp int64
	ProcessID uint32
	ThreadID  uint32
	Processor uint16
	Opcode    Opcode
	Payload   []byte
}

func (e *Event) String() string {
	return fmt.Sprintf("%d %s pid=%d tid=%d cpu=%d len=%d", e.Timestamp, e.Opcode, e.ProcessID, e.ThreadID, e.Processor, len(e.Payload))
}

// EncodedSize returns the number of bytes AppendTo writes.
func (e *Event) EncodedSize() int {
	return HeaderSize + len(e.Payload)
}

// AppendTo appends the binary form of e to b.
func (e *Event) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(e.Timestamp))
	b = binary.LittleEndian.AppendUint32(b, e.ProcessID)
	b = binary.LittleEndian.AppendUint32(b, e.ThreadID)
	b = binary.LittleEndian.AppendUint16(b, e.Processor)
	b = binary.LittleEndian.AppendUint16(b, uint16(e.Opcode))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Payload)))
	return append(b, e.Payload...)
}

// DecodeHeader decodes the fixed header at the start of b and returns the
// payload length.
func DecodeHeader(b []byte, e *Event) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrShortRecord
	}
	e.Timestamp = int64(binary.LittleEndian.Uint64(b[0:8]))
	e.ProcessID = binary.LittleEndian.Uint32(b[8:12])
	e.ThreadID = binary.LittleEndian.Uint32(b[12:16])
	e.Processor = binary.LittleEndian.Uint16(b[16:18])
	e.Opcode = Opcode(binary.LittleEndian.Uint16(b[18:20]))
	return int(binary.LittleEndian.Uint32(b[20:24])), nil
}

// Decode decodes one record from b. The payload aliases b. It returns the
// number of bytes consumed.
func Decode(b []byte, e *Event) (int, error) {
	n, err := DecodeHeader(b, e)
	if err != nil {
		return 0, err
	}
	if len(b) < HeaderSize+n {
		return 0, fmt.Errorf("payload of %d bytes: %w", n, ErrShortRecord)
	}
	e.Payload = b[HeaderSize : HeaderSize+n : HeaderSize+n]
	return HeaderSize + n, nil
}

// Clone returns a copy of e that does not alias any decode buffer.
func (e Event) Clone() Event {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}
