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

package symbol

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracelog/pkg/cache/lru"
	"github.com/parca-dev/parca-tracelog/pkg/ksym"
	"github.com/parca-dev/parca-tracelog/pkg/symtab"
)

// KernelModule is the module path of kernel addresses that are not covered
// by a loaded kernel image. It is resolved from kallsyms.
const KernelModule = "[kernel]"

// SymtabExtension is appended to a module's base name to find its symbol
// table in the configured directories.
const SymtabExtension = ".symtab"

var ErrModuleNotFound = errors.New("no symbol table for module")

// Resolver loads the symbols of a module.
type Resolver interface {
	LoadModule(path string, imageBase uint64) (Module, error)
}

// Module resolves absolute addresses inside one loaded module. Close unloads
// it.
type Module interface {
	// FindMethod returns the method containing addr and the address right
	// after its end.
	FindMethod(addr uint64) (name string, end uint64, ok bool)
	FindLine(addr uint64) (file string, line uint32, ok bool)
	Close() error
}

// table is a symbol source that works on module relative addresses.
type table interface {
	method(rel uint64) (name string, start, end uint64, ok bool)
	line(rel uint64) (file string, line uint32, ok bool)
	close() error
}

type metrics struct {
	loadSuccess  prometheus.Counter
	loadNotFound prometheus.Counter
	loadError    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	loads := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_tracelog_symbol_module_loads_total",
		Help: "Total number of symbol table loads by result.",
	}, []string{"result"})
	return &metrics{
		loadSuccess:  loads.WithLabelValues("success"),
		loadNotFound: loads.WithLabelValues("not_found"),
		loadError:    loads.WithLabelValues("error"),
	}
}

type Config struct {
	// Directories are searched in order for <module base name>.symtab.
	Directories []string
	// KallsymsPath is read through the Symbolizer's file system.
	KallsymsPath string
	// CacheSize bounds the number of symbol tables kept open.
	CacheSize int
}

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) { return os.Open(name) }

// Symbolizer resolves modules against symbol table files and kernel modules
// against kallsyms. Loaded tables are cached by base name, so a module
// loaded at different bases in many processes is read once. It is safe for
// concurrent use.
type Symbolizer struct {
	logger  log.Logger
	metrics *metrics
	fs      fs.FS
	cfg     Config

	mtx   sync.Mutex
	cache *lru.LRU[string, *entry]
}

type entry struct {
	t       table
	refs    int
	evicted bool
}

func NewSymbolizer(logger log.Logger, reg prometheus.Registerer, cfg Config) *Symbolizer {
	return newSymbolizer(logger, reg, &realfs{}, cfg)
}

func newSymbolizer(logger log.Logger, reg prometheus.Registerer, fsys fs.FS, cfg Config) *Symbolizer {
	s := &Symbolizer{
		logger:  logger,
		metrics: newMetrics(reg),
		fs:      fsys,
		cfg:     cfg,
	}
	s.cache = lru.New[string, *entry](
		prometheus.WrapRegistererWith(prometheus.Labels{"cache": "symbol_tables"}, reg),
		lru.WithMaxSize[string, *entry](cfg.CacheSize),
		lru.WithOnEvict[string, *entry](s.onEvicted),
	)
	return s
}

// onEvicted is called with s.mtx held.
func (s *Symbolizer) onEvicted(path string, e *entry) {
	e.evicted = true
	if e.refs == 0 {
		if err := e.t.close(); err != nil {
			level.Debug(s.logger).Log("msg", "failed to close symbol table", "path", path, "err", err)
		}
	}
}

func (s *Symbolizer) LoadModule(path string, imageBase uint64) (Module, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Tables are looked up by base name, so that is the identity.
	key := path
	if path != KernelModule {
		key = baseName(path)
	}
	e, ok := s.cache.Get(key)
	if !ok {
		t, err := s.open(path)
		if err != nil {
			if errors.Is(err, ErrModuleNotFound) {
				s.metrics.loadNotFound.Inc()
			} else {
				s.metrics.loadError.Inc()
			}
			return nil, err
		}
		s.metrics.loadSuccess.Inc()
		e = &entry{t: t}
		s.cache.Add(key, e)
	}
	e.refs++
	return &module{s: s, e: e, base: imageBase}, nil
}

func (s *Symbolizer) open(path string) (table, error) {
	if path == KernelModule {
		if s.cfg.KallsymsPath == "" {
			return nil, fmt.Errorf("%s: %w", path, ErrModuleNotFound)
		}
		t, err := ksym.Load(s.logger, s.fs, s.cfg.KallsymsPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s: %w", s.cfg.KallsymsPath, ErrModuleNotFound)
			}
			return nil, fmt.Errorf("load kallsyms: %w", err)
		}
		return &kernelTable{t: t}, nil
	}

	name := baseName(path) + SymtabExtension
	for _, dir := range s.cfg.Directories {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		r, err := symtab.NewReader(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		return &symtabTable{r: r}, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrModuleNotFound)
}

// baseName handles both slash and backslash separated paths, since traces
// may be recorded on another operating system.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (s *Symbolizer) release(e *entry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e.refs--
	if e.evicted && e.refs == 0 {
		return e.t.close()
	}
	return nil
}

// Close closes every cached table that is not in use.
func (s *Symbolizer) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cache.Close()
}

type module struct {
	s    *Symbolizer
	e    *entry
	base uint64

	once sync.Once
}

func (m *module) FindMethod(addr uint64) (string, uint64, bool) {
	if addr < m.base {
		return "", 0, false
	}
	name, _, end, ok := m.e.t.method(addr - m.base)
	if !ok {
		return "", 0, false
	}
	return name, m.base + end, true
}

func (m *module) FindLine(addr uint64) (string, uint32, bool) {
	if addr < m.base {
		return "", 0, false
	}
	return m.e.t.line(addr - m.base)
}

func (m *module) Close() error {
	var err error
	m.once.Do(func() {
		err = m.s.release(m.e)
	})
	return err
}
