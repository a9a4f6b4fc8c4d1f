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
	"github.com/parca-dev/parca-tracelog/pkg/ksym"
	"github.com/parca-dev/parca-tracelog/pkg/symtab"
)

type symtabTable struct {
	r *symtab.FileReader
}

func (t *symtabTable) method(rel uint64) (string, uint64, uint64, bool) {
	name, start, size, err := t.r.Method(rel)
	if err != nil {
		return "", 0, 0, false
	}
	end := start + uint64(size)
	if size == 0 {
		// Unknown size.
		end = start + 1
	}
	return name, start, end, true
}

func (t *symtabTable) line(rel uint64) (string, uint32, bool) {
	file, line, err := t.r.Line(rel)
	if err != nil {
		return "", 0, false
	}
	return file, line, true
}

func (t *symtabTable) close() error {
	return t.r.Close()
}

type kernelTable struct {
	t *ksym.Table
}

func (t *kernelTable) method(addr uint64) (string, uint64, uint64, bool) {
	name, start, end, err := t.t.Lookup(addr)
	if err != nil {
		return "", 0, 0, false
	}
	if end == 0 {
		end = start + 1
	}
	return name, start, end, true
}

// kallsyms carries no line information.
func (t *kernelTable) line(uint64) (string, uint32, bool) {
	return "", 0, false
}

func (t *kernelTable) close() error {
	return nil
}
