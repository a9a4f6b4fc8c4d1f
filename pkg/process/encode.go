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

package process

import (
	"fmt"

	"github.com/parca-dev/parca-tracelog/pkg/region"
)

// Encode writes the process history, kernel images included as pid 0, into
// the body of the processes region.
func (t *Table) Encode() []byte {
	procs := t.Processes()
	if len(t.kernel.Mappings) > 0 {
		procs = append([]*Process{t.kernel}, procs...)
	}
	var e region.Encoder
	e.Count(len(procs))
	for _, p := range procs {
		e.Uvarint(uint64(p.PID))
		e.Uvarint(uint64(p.ParentPID))
		e.String(p.Image)
		e.Varint(p.Start)
		e.Varint(p.End)
		e.Count(len(p.Mappings))
		for _, m := range p.Mappings {
			e.Uvarint(uint64(m.ID))
			e.String(m.Path)
			e.Uvarint(uint64(m.File) + 1)
			e.Uvarint(m.StartAddr)
			e.Uvarint(m.EndAddr - m.StartAddr)
			e.Varint(m.Load)
			e.Varint(m.Unload)
		}
	}
	e.Count(len(procs))
	return e.Bytes()
}

// Decode reads what Encode wrote.
func Decode(b []byte) ([]*Process, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	procs := make([]*Process, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		p := &Process{
			PID:       uint32(d.Uvarint()),
			ParentPID: uint32(d.Uvarint()),
			Image:     d.String(),
			Start:     d.Varint(),
			End:       d.Varint(),
		}
		nm := d.Count()
		for j := 0; j < nm && d.Err() == nil; j++ {
			m := &Mapping{
				ID:   uint32(d.Uvarint()),
				PID:  p.PID,
				Path: d.String(),
				File: uint32(d.Uvarint() - 1),
			}
			m.StartAddr = d.Uvarint()
			m.EndAddr = m.StartAddr + d.Uvarint()
			m.Load = d.Varint()
			m.Unload = d.Varint()
			p.Mappings = append(p.Mappings, m)
		}
		procs = append(procs, p)
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode processes: %w", err)
	}
	return procs, nil
}
