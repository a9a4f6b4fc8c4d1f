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
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortRegion = errors.New("region ends prematurely")

// Encoder builds the varint encoded body of a table region.
type Encoder struct {
	b []byte
}

func (e *Encoder) Uvarint(v uint64) {
	e.b = binary.AppendUvarint(e.b, v)
}

func (e *Encoder) Varint(v int64) {
	e.b = binary.AppendVarint(e.b, v)
}

func (e *Encoder) String(s string) {
	e.Uvarint(uint64(len(s)))
	e.b = append(e.b, s...)
}

// Count writes a table count. Tables write their count before and after the
// rows; the reader checks both with Decoder.CheckCount.
func (e *Encoder) Count(n int) {
	e.Uvarint(uint64(n))
}

func (e *Encoder) Bytes() []byte {
	return e.b
}

// Decoder reads what an Encoder wrote. The first error is sticky and reported
// by Err.
type Decoder struct {
	b   []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.err = ErrShortRegion
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.b)
	if n <= 0 {
		d.err = ErrShortRegion
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *Decoder) String() string {
	n := d.Uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.b)) < n {
		d.err = ErrShortRegion
		return ""
	}
	s := string(d.b[:n])
	d.b = d.b[n:]
	return s
}

// Count reads a leading table count, bounded by the bytes left so that a
// corrupt count cannot trigger a huge allocation.
func (d *Decoder) Count() int {
	n := d.Uvarint()
	if d.err == nil && n > uint64(len(d.b)) {
		d.err = fmt.Errorf("count %d exceeds %d remaining bytes: %w", n, len(d.b), ErrShortRegion)
		return 0
	}
	return int(n)
}

// CheckCount reads the trailing table count and compares it with want.
func (d *Decoder) CheckCount(want int) {
	got := d.Uvarint()
	if d.err == nil && got != uint64(want) {
		d.err = fmt.Errorf("leading %d, trailing %d: %w", want, got, ErrCountMismatch)
	}
}

func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of undecoded bytes.
func (d *Decoder) Remaining() int {
	return len(d.b)
}
