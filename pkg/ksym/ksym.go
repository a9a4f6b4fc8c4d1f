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

package ksym

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrFunctionNotFound = errors.New("kernel function not found")
	// ErrRestricted is returned when every address in the file is zero,
	// which is what kallsyms shows to unprivileged readers.
	ErrRestricted = errors.New("kernel symbol addresses are hidden")
)

type Symbol struct {
	Address uint64
	Name    string
}

// Table is a kallsyms style symbol list sorted by address.
type Table struct {
	syms []Symbol
}

func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}

// Load parses a kallsyms formatted file: one "address type name [module]"
// line per symbol.
func Load(logger log.Logger, fsys fs.FS, path string) (*Table, error) {
	fd, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var (
		syms    []Symbol
		nonZero bool
	)
	s := bufio.NewScanner(fd)
	for s.Scan() {
		l := bytes.TrimSpace(s.Bytes())
		if len(l) == 0 {
			continue
		}
		if len(l) < 19 {
			level.Warn(logger).Log("msg", "failed to parse kallsym line", "line", string(l))
			continue
		}
		addr, err := strconv.ParseUint(unsafeString(l[:16]), 16, 64)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to parse kallsym address")
			continue
		}
		if addr != 0 {
			nonZero = true
		}

		endIndex := -1
		for i := 19; i < len(l); i++ {
			// Module names follow a tab.
			if l[i] == ' ' || l[i] == '\t' {
				endIndex = i
				break
			}
		}
		if endIndex == -1 {
			endIndex = len(l)
		}
		syms = append(syms, Symbol{Address: addr, Name: string(l[19:endIndex])})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(syms) > 0 && !nonZero {
		return nil, ErrRestricted
	}

	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Address < syms[j].Address })
	return &Table{syms: syms}, nil
}

// Lookup returns the symbol containing addr. A symbol extends to the next
// symbol's address; the last one has no known end and reports end 0.
func (t *Table) Lookup(addr uint64) (name string, start, end uint64, err error) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Address > addr })
	if i == 0 {
		return "", 0, 0, ErrFunctionNotFound
	}
	sym := t.syms[i-1]
	// Aliases share an address; the following distinct address ends them.
	for j := i; j < len(t.syms); j++ {
		if t.syms[j].Address > sym.Address {
			end = t.syms[j].Address
			break
		}
	}
	return sym.Name, sym.Address, end, nil
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	return len(t.syms)
}
