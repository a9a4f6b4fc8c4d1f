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

// Package codeaddr assigns dense identifiers to code addresses observed in a
// trace and attaches resolved methods to them.
package codeaddr

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracelog/pkg/process"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
)

// Index identifies a code address record.
type Index uint32

// ModuleFileIndex identifies a deduplicated module file.
type ModuleFileIndex uint32

// MethodIndex identifies a method.
type MethodIndex uint32

const (
	None     = Index(math.MaxUint32)
	NoModule = ModuleFileIndex(process.NoFile)
	NoMethod = MethodIndex(math.MaxUint32)
)

// KernelModulePath names the synthetic module that owns kernel addresses not
// covered by any loaded kernel image.
const KernelModulePath = symbol.KernelModule

// ModuleFile is an image file at the base address it was loaded at.
type ModuleFile struct {
	Path      string
	ImageBase uint64
	ImageSize uint64
}

type Method struct {
	Name string
	File string
	// Start and Size delimit the method. For methods found by symbol
	// resolution Start is the lowest resolved address.
	Start  uint64
	Size   uint64
	Module ModuleFileIndex
	// ProcessID is set for methods announced by a runtime in one process.
	ProcessID uint32
}

// Contains reports whether addr falls inside the method.
func (m *Method) Contains(addr uint64) bool {
	return m.Start <= addr && addr-m.Start < m.Size
}

// Record is a code address in one mapping context.
type Record struct {
	Address   uint64
	Module    ModuleFileIndex
	Method    MethodIndex
	Line      uint32
	ProcessID uint32

	context uint64
}

// Contexts identify the address space a record belongs to. Mapping contexts
// use the mapping ID.
const (
	anonymousContext = uint64(1) << 32
	kernelContext    = uint64(1) << 33
)

type metrics struct {
	records     prometheus.Counter
	methodLoads prometheus.Counter
	fanout      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		records: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_code_addresses_total",
			Help: "Number of distinct code address records created.",
		}),
		methodLoads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_method_loads_total",
			Help: "Number of method load notifications applied to the code address map.",
		}),
		fanout: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_tracelog_method_load_updates_total",
			Help: "Number of code address records updated in place by method loads.",
		}),
	}
}

// Map is the code address bucket map. Addresses are partitioned into
// power-of-two sized buckets; each bucket lists the records whose address
// falls into it, newest last. It is not safe for concurrent use.
type Map struct {
	logger  log.Logger
	metrics *metrics

	shift       uint
	kernelSplit uint64

	buckets map[uint64][]Index
	records []Record

	modules     []ModuleFile
	moduleIndex map[uint64]ModuleFileIndex
	kernelFile  ModuleFileIndex

	methods []Method
	// jit holds the live runtime method ranges of each process, newest last.
	jit map[uint32][]MethodIndex
}

// NewMap returns an empty map. bucketSize must be a power of two.
func NewMap(logger log.Logger, reg prometheus.Registerer, bucketSize int, kernelSplit uint64) (*Map, error) {
	if bucketSize <= 0 || bucketSize&(bucketSize-1) != 0 {
		return nil, fmt.Errorf("bucket size %d is not a power of two", bucketSize)
	}
	return &Map{
		logger:      logger,
		metrics:     newMetrics(reg),
		shift:       uint(bits.TrailingZeros(uint(bucketSize))),
		kernelSplit: kernelSplit,
		buckets:     map[uint64][]Index{},
		moduleIndex: map[uint64]ModuleFileIndex{},
		kernelFile:  NoModule,
		jit:         map[uint32][]MethodIndex{},
	}, nil
}

func moduleKey(path string, base, size uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], base)
	binary.LittleEndian.PutUint64(b[8:], size)
	d := xxhash.New()
	d.WriteString(path)
	d.Write(b[:])
	return d.Sum64()
}

// AddModuleFile returns the index of the module file, adding it if it was not
// seen before.
func (m *Map) AddModuleFile(path string, base, size uint64) ModuleFileIndex {
	key := moduleKey(path, base, size)
	if i, ok := m.moduleIndex[key]; ok {
		return i
	}
	i := ModuleFileIndex(len(m.modules))
	m.modules = append(m.modules, ModuleFile{Path: path, ImageBase: base, ImageSize: size})
	m.moduleIndex[key] = i
	return i
}

func (m *Map) bucket(addr uint64) uint64 {
	return addr >> m.shift
}

// Resolve returns the record for addr as seen by pid through mapping, which
// may be nil when no image covers the address. The record is created on first
// sight.
func (m *Map) Resolve(pid uint32, addr uint64, mapping *process.Mapping) Index {
	var (
		ctx    uint64
		module = NoModule
	)
	switch {
	case mapping != nil:
		ctx = uint64(mapping.ID)
		module = ModuleFileIndex(mapping.File)
		pid = mapping.PID
	case addr >= m.kernelSplit:
		ctx = kernelContext
		module = m.kernelModule()
		pid = 0
	default:
		ctx = anonymousContext | uint64(pid)
	}

	b := m.bucket(addr)
	list := m.buckets[b]
	for i := len(list) - 1; i >= 0; i-- {
		r := &m.records[list[i]]
		if r.Address == addr && r.context == ctx {
			return list[i]
		}
	}

	idx := Index(len(m.records))
	m.records = append(m.records, Record{
		Address:   addr,
		Module:    module,
		Method:    m.jitMethod(pid, addr),
		ProcessID: pid,
		context:   ctx,
	})
	m.buckets[b] = append(list, idx)
	m.metrics.records.Inc()
	return idx
}

func (m *Map) kernelModule() ModuleFileIndex {
	if m.kernelFile == NoModule {
		m.kernelFile = m.AddModuleFile(KernelModulePath, 0, 0)
	}
	return m.kernelFile
}

// Record returns the record with the given index.
func (m *Map) Record(i Index) Record {
	return m.records[i]
}

// Len returns the number of records.
func (m *Map) Len() int {
	return len(m.records)
}

// Tables returns the persisted view of the map.
func (m *Map) Tables() *Tables {
	return &Tables{
		Modules: m.modules,
		Methods: m.methods,
		Records: m.records,
	}
}
