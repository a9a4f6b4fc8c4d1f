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
	"github.com/go-kit/log/level"
)

// MethodLoad records that [start, start+size) in pid holds the named method.
// Every record of pid in a bucket the range spans that has no method yet and
// whose address is in the range is updated in place. The range also applies
// to addresses first seen later, until MethodUnload.
func (m *Map) MethodLoad(pid uint32, start, size uint64, name string) MethodIndex {
	mi := MethodIndex(len(m.methods))
	m.methods = append(m.methods, Method{
		Name:      name,
		Start:     start,
		Size:      size,
		Module:    NoModule,
		ProcessID: pid,
	})
	m.jit[pid] = append(m.jit[pid], mi)
	m.metrics.methodLoads.Inc()

	if size == 0 {
		return mi
	}
	method := &m.methods[mi]
	end := start + size - 1
	if end < start {
		end = ^uint64(0)
	}
	updated := 0
	update := func(list []Index) {
		for _, ri := range list {
			r := &m.records[ri]
			if r.Method == NoMethod && r.ProcessID == pid && method.Contains(r.Address) {
				r.Method = mi
				updated++
			}
		}
	}
	first, last := m.bucket(start), m.bucket(end)
	if last-first >= uint64(len(m.buckets)) {
		// Ranges wider than the populated part of the map visit the
		// populated buckets instead.
		for b, list := range m.buckets {
			if first <= b && b <= last {
				update(list)
			}
		}
	} else {
		for b := first; ; b++ {
			update(m.buckets[b])
			if b == last {
				break
			}
		}
	}
	if updated > 0 {
		m.metrics.fanout.Add(float64(updated))
		level.Debug(m.logger).Log("msg", "method load updated code addresses", "pid", pid, "method", name, "updated", updated)
	}
	return mi
}

// MethodUnload stops applying the method starting at start in pid to new
// addresses. Records already attributed to it keep it.
func (m *Map) MethodUnload(pid uint32, start uint64) {
	live := m.jit[pid]
	for i := len(live) - 1; i >= 0; i-- {
		if m.methods[live[i]].Start == start {
			m.jit[pid] = append(live[:i], live[i+1:]...)
			break
		}
	}
	if len(m.jit[pid]) == 0 {
		delete(m.jit, pid)
	}
}

// ProcessEnd drops the live method ranges of pid.
func (m *Map) ProcessEnd(pid uint32) {
	delete(m.jit, pid)
}

func (m *Map) jitMethod(pid uint32, addr uint64) MethodIndex {
	live := m.jit[pid]
	for i := len(live) - 1; i >= 0; i-- {
		if m.methods[live[i]].Contains(addr) {
			return live[i]
		}
	}
	return NoMethod
}

// Method returns the method with the given index.
func (m *Map) Method(i MethodIndex) Method {
	return m.methods[i]
}

// ModuleFile returns the module file with the given index.
func (m *Map) ModuleFile(i ModuleFileIndex) ModuleFile {
	return m.modules[i]
}
