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

package codeaddr

import (
	"fmt"

	"github.com/parca-dev/parca-tracelog/pkg/region"
)

// Tables is the read-only form of a Map, as persisted in a log.
type Tables struct {
	Modules []ModuleFile
	Methods []Method
	Records []Record
}

// Optional indexes are stored shifted by one so that "none" is zero.
func encodeOpt(v, none uint32) uint64 {
	if v == none {
		return 0
	}
	return uint64(v) + 1
}

func decodeOpt(v uint64, none uint32) uint32 {
	if v == 0 {
		return none
	}
	return uint32(v - 1)
}

func (t *Tables) EncodeModules() []byte {
	var e region.Encoder
	e.Count(len(t.Modules))
	for _, m := range t.Modules {
		e.String(m.Path)
		e.Uvarint(m.ImageBase)
		e.Uvarint(m.ImageSize)
	}
	e.Count(len(t.Modules))
	return e.Bytes()
}

func (t *Tables) EncodeMethods() []byte {
	var e region.Encoder
	e.Count(len(t.Methods))
	for _, m := range t.Methods {
		e.String(m.Name)
		e.String(m.File)
		e.Uvarint(m.Start)
		e.Uvarint(m.Size)
		e.Uvarint(encodeOpt(uint32(m.Module), uint32(NoModule)))
		e.Uvarint(uint64(m.ProcessID))
	}
	e.Count(len(t.Methods))
	return e.Bytes()
}

// EncodeRecords writes addresses as deltas from the previous record, which
// keeps runs of nearby addresses small.
func (t *Tables) EncodeRecords() []byte {
	var e region.Encoder
	e.Count(len(t.Records))
	prev := uint64(0)
	for _, r := range t.Records {
		e.Varint(int64(r.Address - prev))
		prev = r.Address
		e.Uvarint(encodeOpt(uint32(r.Module), uint32(NoModule)))
		e.Uvarint(encodeOpt(uint32(r.Method), uint32(NoMethod)))
		e.Uvarint(uint64(r.Line))
		e.Uvarint(uint64(r.ProcessID))
	}
	e.Count(len(t.Records))
	return e.Bytes()
}

func DecodeModules(b []byte) ([]ModuleFile, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	res := make([]ModuleFile, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		res = append(res, ModuleFile{
			Path:      d.String(),
			ImageBase: d.Uvarint(),
			ImageSize: d.Uvarint(),
		})
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode modules: %w", err)
	}
	return res, nil
}

func DecodeMethods(b []byte, modules int) ([]Method, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	res := make([]Method, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		m := Method{
			Name:  d.String(),
			File:  d.String(),
			Start: d.Uvarint(),
			Size:  d.Uvarint(),
		}
		m.Module = ModuleFileIndex(decodeOpt(d.Uvarint(), uint32(NoModule)))
		m.ProcessID = uint32(d.Uvarint())
		if m.Module != NoModule && int(m.Module) >= modules {
			return nil, fmt.Errorf("method %d refers to module %d of %d: %w", i, m.Module, modules, region.ErrCorruptHeader)
		}
		res = append(res, m)
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode methods: %w", err)
	}
	return res, nil
}

func DecodeRecords(b []byte, modules, methods int) ([]Record, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	res := make([]Record, 0, n)
	prev := uint64(0)
	for i := 0; i < n && d.Err() == nil; i++ {
		r := Record{Address: prev + uint64(d.Varint())}
		prev = r.Address
		r.Module = ModuleFileIndex(decodeOpt(d.Uvarint(), uint32(NoModule)))
		r.Method = MethodIndex(decodeOpt(d.Uvarint(), uint32(NoMethod)))
		r.Line = uint32(d.Uvarint())
		r.ProcessID = uint32(d.Uvarint())
		if r.Module != NoModule && int(r.Module) >= modules {
			return nil, fmt.Errorf("code address %d refers to module %d of %d: %w", i, r.Module, modules, region.ErrCorruptHeader)
		}
		if r.Method != NoMethod && int(r.Method) >= methods {
			return nil, fmt.Errorf("code address %d refers to method %d of %d: %w", i, r.Method, methods, region.ErrCorruptHeader)
		}
		res = append(res, r)
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode code addresses: %w", err)
	}
	return res, nil
}
