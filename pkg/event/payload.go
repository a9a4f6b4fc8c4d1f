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
)

var ErrMalformedPayload = errors.New("malformed payload")

// ProcessPayload is carried by process start, end and rundown records.
type ProcessPayload struct {
	ProcessID uint32
	ParentID  uint32
	ImageName string
}

// ThreadPayload is carried by thread start, end and rundown records.
type ThreadPayload struct {
	ProcessID uint32
	ThreadID  uint32
}

// ImagePayload is carried by image load, unload and rundown records.
type ImagePayload struct {
	ProcessID uint32
	ImageBase uint64
	ImageSize uint64
	Path      string
}

// MethodPayload announces a just-in-time compiled method occupying
// [Start, Start+Size) in ProcessID.
type MethodPayload struct {
	ProcessID uint32
	Start     uint64
	Size      uint64
	Name      string
}

// StackWalkPayload carries a call stack, leaf first. EventTicks is the
// processor-local tick count of the event that triggered the walk.
type StackWalkPayload struct {
	EventTicks int64
	ProcessID  uint32
	ThreadID   uint32
	Addresses  []uint64
}

// SampledProfilePayload records the instruction pointer of a profiling
// interrupt.
type SampledProfilePayload struct {
	InstructionPointer uint64
	ThreadID           uint32
}

func (p *ProcessPayload) Marshal() []byte {
	b := make([]byte, 0, 10+len(p.ImageName))
	b = binary.LittleEndian.AppendUint32(b, p.ProcessID)
	b = binary.LittleEndian.AppendUint32(b, p.ParentID)
	return appendString(b, p.ImageName)
}

func (p *ProcessPayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.ProcessID = r.u32()
	p.ParentID = r.u32()
	p.ImageName = r.str()
	return r.done("process")
}

func (p *ThreadPayload) Marshal() []byte {
	b := make([]byte, 0, 8)
	b = binary.LittleEndian.AppendUint32(b, p.ProcessID)
	return binary.LittleEndian.AppendUint32(b, p.ThreadID)
}

func (p *ThreadPayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.ProcessID = r.u32()
	p.ThreadID = r.u32()
	return r.done("thread")
}

func (p *ImagePayload) Marshal() []byte {
	b := make([]byte, 0, 22+len(p.Path))
	b = binary.LittleEndian.AppendUint32(b, p.ProcessID)
	b = binary.LittleEndian.AppendUint64(b, p.ImageBase)
	b = binary.LittleEndian.AppendUint64(b, p.ImageSize)
	return appendString(b, p.Path)
}

func (p *ImagePayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.ProcessID = r.u32()
	p.ImageBase = r.u64()
	p.ImageSize = r.u64()
	p.Path = r.str()
	return r.done("image")
}

func (p *MethodPayload) Marshal() []byte {
	b := make([]byte, 0, 22+len(p.Name))
	b = binary.LittleEndian.AppendUint32(b, p.ProcessID)
	b = binary.LittleEndian.AppendUint64(b, p.Start)
	b = binary.LittleEndian.AppendUint64(b, p.Size)
	return appendString(b, p.Name)
}

func (p *MethodPayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.ProcessID = r.u32()
	p.Start = r.u64()
	p.Size = r.u64()
	p.Name = r.str()
	return r.done("method")
}

func (p *StackWalkPayload) Marshal() []byte {
	b := make([]byte, 0, 20+8*len(p.Addresses))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.EventTicks))
	b = binary.LittleEndian.AppendUint32(b, p.ProcessID)
	b = binary.LittleEndian.AppendUint32(b, p.ThreadID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Addresses)))
	for _, a := range p.Addresses {
		b = binary.LittleEndian.AppendUint64(b, a)
	}
	return b
}

// Unmarshal decodes b into p, reusing the capacity of p.Addresses.
func (p *StackWalkPayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.EventTicks = int64(r.u64())
	p.ProcessID = r.u32()
	p.ThreadID = r.u32()
	n := int(r.u32())
	if r.err == nil && n > len(r.b)/8 {
		return fmt.Errorf("stack walk with %d frames in %d bytes: %w", n, len(r.b), ErrMalformedPayload)
	}
	p.Addresses = p.Addresses[:0]
	for i := 0; i < n; i++ {
		p.Addresses = append(p.Addresses, r.u64())
	}
	return r.done("stack walk")
}

func (p *SampledProfilePayload) Marshal() []byte {
	b := make([]byte, 0, 12)
	b = binary.LittleEndian.AppendUint64(b, p.InstructionPointer)
	return binary.LittleEndian.AppendUint32(b, p.ThreadID)
}

func (p *SampledProfilePayload) Unmarshal(b []byte) error {
	r := payloadReader{b: b}
	p.InstructionPointer = r.u64()
	p.ThreadID = r.u32()
	return r.done("sampled profile")
}

func appendString(b []byte, s string) []byte {
	if len(s) > 0xffff {
		s = s[:0xffff]
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

type payloadReader struct {
	b   []byte
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrMalformedPayload
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *payloadReader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (r *payloadReader) u64() uint64 {
	if v := r.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (r *payloadReader) str() string {
	v := r.take(2)
	if v == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint16(v))))
}

func (r *payloadReader) done(kind string) error {
	if r.err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, r.err)
	}
	return nil
}
