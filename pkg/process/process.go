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
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// Kinds of recovered source inconsistencies passed to a Reporter.
const (
	DiagDuplicateProcessStart  = "duplicate_process_start"
	DiagProcessEndWithoutStart = "process_end_without_start"
	DiagDuplicateThreadStart   = "duplicate_thread_start"
	DiagThreadEndWithoutStart  = "thread_end_without_start"
	DiagUnloadWithoutLoad      = "image_unload_without_load"
	DiagImageUnknownProcess    = "image_load_unknown_process"
)

// Reporter receives source inconsistencies that were recovered locally.
type Reporter interface {
	Report(kind string, ts int64, pid uint32)
}

// Running marks a process or mapping that has not ended.
const Running = int64(-1)

type Process struct {
	PID       uint32
	ParentPID uint32
	Image     string
	// Start is the time the process was first seen. End is Running until a
	// process end record is seen.
	Start int64
	End   int64

	// Mappings holds every image ever loaded into the process, in load order.
	Mappings Mappings
}

// Alive reports whether the process was running at ts.
func (p *Process) Alive(ts int64) bool {
	return p.Start <= ts && (p.End == Running || ts < p.End)
}

// Table tracks processes, threads and loaded images while a trace is read
// forward. PIDs may be reused; a start for a pid that already ended replaces
// the entry and the old one is kept in the history.
type Table struct {
	reporter    Reporter
	kernelSplit uint64

	live    map[uint32]*Process
	history []*Process
	threads *roaring.Bitmap

	// kernel holds images loaded above the kernel split, shared by every
	// process.
	kernel *Process

	nextMappingID uint32
}

func NewTable(reporter Reporter, kernelSplit uint64) *Table {
	t := &Table{
		reporter:    reporter,
		kernelSplit: kernelSplit,
		live:        map[uint32]*Process{},
		threads:     roaring.New(),
		kernel:      &Process{PID: 0, Image: "[kernel]", End: Running},

		// Mapping ID 0 is reserved.
		nextMappingID: 1,
	}
	return t
}

// KernelSplit returns the lowest kernel address.
func (t *Table) KernelSplit() uint64 {
	return t.kernelSplit
}

// Process returns the live process with the given pid, or nil.
func (t *Table) Process(pid uint32) *Process {
	return t.live[pid]
}

func (t *Table) add(ts int64, pid, parent uint32, image string) *Process {
	p := &Process{PID: pid, ParentPID: parent, Image: image, Start: ts, End: Running}
	t.live[pid] = p
	t.history = append(t.history, p)
	return p
}

// ProcessStart records a process start. Rundown starts describe processes
// that were already running when the session began, and repeat harmlessly.
func (t *Table) ProcessStart(ts int64, pid, parent uint32, image string, rundown bool) {
	if p, ok := t.live[pid]; ok {
		if !rundown {
			t.reporter.Report(DiagDuplicateProcessStart, ts, pid)
		}
		p.ParentPID = parent
		if image != "" {
			p.Image = image
		}
		return
	}
	t.add(ts, pid, parent, image)
}

// ProcessEnd records a process end. An end without a start gets a synthetic
// process that started at the end time.
func (t *Table) ProcessEnd(ts int64, pid uint32, rundown bool) {
	p, ok := t.live[pid]
	if !ok {
		if rundown {
			return
		}
		t.reporter.Report(DiagProcessEndWithoutStart, ts, pid)
		p = t.add(ts, pid, 0, "")
	}
	if rundown {
		// End-of-session snapshot; the process is still running.
		return
	}
	p.End = ts
	for _, m := range p.Mappings {
		if m.Unload == Running {
			m.Unload = ts
		}
	}
	delete(t.live, pid)
}

// ThreadStart records a thread start, synthesizing its process if needed.
func (t *Table) ThreadStart(ts int64, pid, tid uint32, rundown bool) {
	if _, ok := t.live[pid]; !ok && pid != 0 {
		t.add(ts, pid, 0, "")
	}
	if !t.threads.CheckedAdd(tid) && !rundown {
		t.reporter.Report(DiagDuplicateThreadStart, ts, pid)
	}
}

func (t *Table) ThreadEnd(ts int64, pid, tid uint32, rundown bool) {
	if rundown {
		return
	}
	if !t.threads.CheckedRemove(tid) {
		t.reporter.Report(DiagThreadEndWithoutStart, ts, pid)
	}
}

// ThreadAlive reports whether tid has started and not ended.
func (t *Table) ThreadAlive(tid uint32) bool {
	return t.threads.Contains(tid)
}

// LiveThreads returns the number of running threads.
func (t *Table) LiveThreads() uint64 {
	return t.threads.GetCardinality()
}

// Processes returns every process seen, sorted by pid then start time.
func (t *Table) Processes() []*Process {
	res := make([]*Process, len(t.history))
	copy(res, t.history)
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].PID != res[j].PID {
			return res[i].PID < res[j].PID
		}
		return res[i].Start < res[j].Start
	})
	return res
}

// Kernel returns the pseudo process that owns kernel images.
func (t *Table) Kernel() *Process {
	return t.kernel
}
