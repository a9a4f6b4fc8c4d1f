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

// NoFile marks a mapping whose backing file is not known.
const NoFile = ^uint32(0)

// Mapping is one load of an image into a process. Two loads of the same file
// are distinct mappings with distinct IDs.
type Mapping struct {
	ID   uint32
	PID  uint32
	Path string
	// File identifies the deduplicated module file backing the mapping.
	File uint32

	StartAddr uint64
	EndAddr   uint64

	Load   int64
	Unload int64
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return m.StartAddr <= addr && addr < m.EndAddr
}

type Mappings []*Mapping

// MappingForAddr returns the most recently loaded, still mapped image that
// contains the given address.
func (ms Mappings) MappingForAddr(addr uint64) *Mapping {
	for i := len(ms) - 1; i >= 0; i-- {
		m := ms[i]
		if m.Unload == Running && m.Contains(addr) {
			return m
		}
	}
	return nil
}

// ImageLoad records an image load and returns the new mapping. Images above
// the kernel split are kernel images regardless of the reporting process.
// A size running past the top of the address space is clamped to it.
func (t *Table) ImageLoad(ts int64, pid uint32, base, size uint64, path string, file uint32) *Mapping {
	owner := t.owner(ts, pid, base)
	end := base + size
	if end < base {
		end = ^uint64(0)
	}
	m := &Mapping{
		ID:        t.nextMappingID,
		PID:       owner.PID,
		Path:      path,
		File:      file,
		StartAddr: base,
		EndAddr:   end,
		Load:      ts,
		Unload:    Running,
	}
	t.nextMappingID++
	owner.Mappings = append(owner.Mappings, m)
	return m
}

// ImageUnload marks the newest live mapping at base as unloaded.
func (t *Table) ImageUnload(ts int64, pid uint32, base uint64) {
	owner := t.owner(ts, pid, base)
	for i := len(owner.Mappings) - 1; i >= 0; i-- {
		m := owner.Mappings[i]
		if m.StartAddr == base && m.Unload == Running {
			m.Unload = ts
			return
		}
	}
	t.reporter.Report(DiagUnloadWithoutLoad, ts, pid)
}

func (t *Table) owner(ts int64, pid uint32, base uint64) *Process {
	if base >= t.kernelSplit || pid == 0 {
		return t.kernel
	}
	p, ok := t.live[pid]
	if !ok {
		t.reporter.Report(DiagImageUnknownProcess, ts, pid)
		p = t.add(ts, pid, 0, "")
	}
	return p
}

// MappingForAddr returns the image containing addr in the address space of
// pid, or nil if the address is not covered by any known image.
func (t *Table) MappingForAddr(pid uint32, addr uint64) *Mapping {
	if addr >= t.kernelSplit {
		return t.kernel.Mappings.MappingForAddr(addr)
	}
	p, ok := t.live[pid]
	if !ok {
		return nil
	}
	return p.Mappings.MappingForAddr(addr)
}
