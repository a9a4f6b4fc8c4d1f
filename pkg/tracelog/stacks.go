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

package tracelog

import (
	"fmt"

	"github.com/parca-dev/parca-tracelog/pkg/callstack"
	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/event"
)

// Frame is one rendered frame of a call stack.
type Frame struct {
	Address uint64
	// Module is empty for addresses outside any known image.
	Module string
	// Method is empty when the address was not resolved.
	Method string
	File   string
	Line   uint32
}

func (f Frame) String() string {
	method := f.Method
	if method == "" {
		method = fmt.Sprintf("0x%x", f.Address)
	}
	if f.Module != "" {
		method = f.Module + "!" + method
	}
	if f.File != "" {
		return fmt.Sprintf("%s (%s:%d)", method, f.File, f.Line)
	}
	return method
}

// CallStack returns the stack attached to an event.
func (l *Log) CallStack(ev event.Index) (callstack.Index, bool, error) {
	t, err := l.eventStacks.Get()
	if err != nil {
		return callstack.None, false, err
	}
	s, ok := t.Get(ev)
	return s, ok, nil
}

// CallStacks returns the interned stacks of the log. It must not be
// modified.
func (l *Log) CallStacks() (*callstack.Interner, error) {
	return l.stacks.Get()
}

// Frames renders a stack leaf first. Rendered stacks are cached and shared
// between callers; the result must not be modified.
func (l *Log) Frames(s callstack.Index) ([]Frame, error) {
	if frames, ok := l.frames.Load(s); ok {
		return frames, nil
	}
	stacks, err := l.stacks.Get()
	if err != nil {
		return nil, err
	}
	if int(s) >= stacks.Len() {
		return nil, fmt.Errorf("stack %d of %d", s, stacks.Len())
	}
	addrs, err := stacks.Addresses(s)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(addrs))
	for _, a := range addrs {
		f, err := l.Frame(a)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	frames, _ = l.frames.LoadOrStore(s, frames)
	return frames, nil
}

// Frame renders one code address.
func (l *Log) Frame(i codeaddr.Index) (Frame, error) {
	code, err := l.code.Get()
	if err != nil {
		return Frame{}, err
	}
	if int(i) >= len(code.records) {
		return Frame{}, fmt.Errorf("code address %d of %d", i, len(code.records))
	}
	r := code.records[i]
	f := Frame{Address: r.Address, Line: r.Line}
	if r.Module != codeaddr.NoModule {
		f.Module = code.modules[r.Module].Path
	}
	if r.Method != codeaddr.NoMethod {
		m := code.methods[r.Method]
		f.Method = m.Name
		f.File = m.File
	}
	return f, nil
}

// CodeAddress returns a code address record.
func (l *Log) CodeAddress(i codeaddr.Index) (codeaddr.Record, error) {
	code, err := l.code.Get()
	if err != nil {
		return codeaddr.Record{}, err
	}
	if int(i) >= len(code.records) {
		return codeaddr.Record{}, fmt.Errorf("code address %d of %d", i, len(code.records))
	}
	return code.records[i], nil
}

// Method returns a resolved method.
func (l *Log) Method(i codeaddr.MethodIndex) (codeaddr.Method, error) {
	code, err := l.code.Get()
	if err != nil {
		return codeaddr.Method{}, err
	}
	if int(i) >= len(code.methods) {
		return codeaddr.Method{}, fmt.Errorf("method %d of %d", i, len(code.methods))
	}
	return code.methods[i], nil
}

// ModuleFiles returns every module file referenced by the log.
func (l *Log) ModuleFiles() ([]codeaddr.ModuleFile, error) {
	code, err := l.code.Get()
	if err != nil {
		return nil, err
	}
	return code.modules, nil
}

// CodeAddressForEvent returns the code address an event carries, like the
// instruction pointer of a sample.
func (l *Log) CodeAddressForEvent(ev event.Index) (codeaddr.Index, bool, error) {
	t, err := l.eventAddrs.Get()
	if err != nil {
		return codeaddr.None, false, err
	}
	i, ok := t.Get(ev)
	return i, ok, nil
}

// CodeAddressAt returns the code address touched by an event at the raw
// address addr, looking at the address the event carries and then at the
// frames of its stack.
func (l *Log) CodeAddressAt(ev event.Index, addr uint64) (codeaddr.Index, bool, error) {
	code, err := l.code.Get()
	if err != nil {
		return codeaddr.None, false, err
	}
	i, ok, err := l.CodeAddressForEvent(ev)
	if err != nil {
		return codeaddr.None, false, err
	}
	if ok && code.records[i].Address == addr {
		return i, true, nil
	}

	s, ok, err := l.CallStack(ev)
	if err != nil || !ok {
		return codeaddr.None, false, err
	}
	stacks, err := l.stacks.Get()
	if err != nil {
		return codeaddr.None, false, err
	}
	addrs, err := stacks.Addresses(s)
	if err != nil {
		return codeaddr.None, false, err
	}
	for _, a := range addrs {
		if code.records[a].Address == addr {
			return a, true, nil
		}
	}
	return codeaddr.None, false, nil
}
