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

// Package callstack interns call stacks. A stack is a chain of nodes from the
// leaf frame to the outermost frame, and stacks that share callers share
// nodes.
package callstack

import (
	"errors"
	"fmt"
	"math"

	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
)

// Index identifies an interned stack by its leaf node.
type Index uint32

// None is the caller of outermost frames, and the empty stack.
const None = Index(math.MaxUint32)

var (
	// ErrCycle is returned when walking caller links does not terminate.
	ErrCycle = errors.New("call stack cycle")
	// ErrUnknownStack is returned for a stack index this interner never issued.
	ErrUnknownStack = errors.New("unknown call stack")
)

// Lists longer than this are also indexed by a map.
const maxLinearScan = 16

type Node struct {
	Address codeaddr.Index
	Caller  Index
}

type key struct {
	addr   codeaddr.Index
	caller Index
}

// Interner is an arena of stack nodes. A node's caller always has a smaller
// index than the node. It is not safe for concurrent use.
type Interner struct {
	nodes []Node
	// callees holds, per node, the nodes that have it as caller, oldest
	// first. top does the same for nodes without a caller.
	callees [][]Index
	top     []Index
	// large indexes the entries of lists longer than maxLinearScan.
	large map[key]Index
}

func New() *Interner {
	return &Interner{large: map[key]Index{}}
}

// Len returns the number of nodes.
func (in *Interner) Len() int {
	return len(in.nodes)
}

func (in *Interner) list(caller Index) *[]Index {
	if caller == None {
		return &in.top
	}
	return &in.callees[caller]
}

// Intern returns the stack made of addr called from caller, adding it if it
// does not exist yet. Lookups scan the callers' callee list from the most
// recently added entry. caller must be None or a stack of this interner;
// Intern panics otherwise.
func (in *Interner) Intern(addr codeaddr.Index, caller Index) Index {
	if caller != None && int(caller) >= len(in.nodes) {
		panic(fmt.Sprintf("callstack: caller %d out of range %d", caller, len(in.nodes)))
	}
	l := in.list(caller)
	if len(*l) > maxLinearScan {
		if idx, ok := in.large[key{addr, caller}]; ok {
			return idx
		}
	} else {
		for i := len(*l) - 1; i >= 0; i-- {
			if in.nodes[(*l)[i]].Address == addr {
				return (*l)[i]
			}
		}
	}

	idx := Index(len(in.nodes))
	in.nodes = append(in.nodes, Node{Address: addr, Caller: caller})
	in.callees = append(in.callees, nil)
	// in.callees may have grown, so the list is looked up again.
	l = in.list(caller)
	*l = append(*l, idx)
	switch {
	case len(*l) == maxLinearScan+1:
		for _, c := range *l {
			in.large[key{in.nodes[c].Address, caller}] = c
		}
	case len(*l) > maxLinearScan+1:
		in.large[key{addr, caller}] = idx
	}
	return idx
}

// InternStack interns addrs, given leaf first, and returns the leaf.
func (in *Interner) InternStack(addrs []codeaddr.Index) Index {
	s := None
	for i := len(addrs) - 1; i >= 0; i-- {
		s = in.Intern(addrs[i], s)
	}
	return s
}

// Node returns the node of a stack.
func (in *Interner) Node(s Index) Node {
	return in.nodes[s]
}

// Caller returns the stack without its leaf frame.
func (in *Interner) Caller(s Index) Index {
	return in.nodes[s].Caller
}

// Address returns the leaf frame of a stack.
func (in *Interner) Address(s Index) codeaddr.Index {
	return in.nodes[s].Address
}

// walk calls fn for every node from s to the outermost frame.
func (in *Interner) walk(s Index, fn func(Node)) error {
	for steps := 0; s != None; steps++ {
		if steps > len(in.nodes) || int(s) >= len(in.nodes) {
			return fmt.Errorf("stack %d: %w", s, ErrCycle)
		}
		n := in.nodes[s]
		fn(n)
		s = n.Caller
	}
	return nil
}

// Depth returns the number of frames in s.
func (in *Interner) Depth(s Index) (int, error) {
	depth := 0
	err := in.walk(s, func(Node) { depth++ })
	return depth, err
}

// Addresses returns the frames of s, leaf first.
func (in *Interner) Addresses(s Index) ([]codeaddr.Index, error) {
	var res []codeaddr.Index
	if err := in.walk(s, func(n Node) { res = append(res, n.Address) }); err != nil {
		return nil, err
	}
	return res, nil
}

// Combine returns the stack made of the frames of a followed by the frames
// of b, that is a with its outermost frame re-parented onto b's leaf. The
// result is interned, so repeated combinations return existing nodes.
func (in *Interner) Combine(a, b Index) (Index, error) {
	if a == None {
		return b, nil
	}
	if b == None {
		return a, nil
	}
	if int(b) >= len(in.nodes) {
		return None, fmt.Errorf("stack %d of %d: %w", b, len(in.nodes), ErrUnknownStack)
	}
	addrs, err := in.Addresses(a)
	if err != nil {
		return None, err
	}
	s := b
	for i := len(addrs) - 1; i >= 0; i-- {
		s = in.Intern(addrs[i], s)
	}
	return s, nil
}

// IsAncestor reports whether a is s or one of its callers. Caller indexes
// are smaller than their callees', so the walk stops early.
func (in *Interner) IsAncestor(a, s Index) bool {
	for s != None && s >= a {
		if s == a {
			return true
		}
		s = in.nodes[s].Caller
	}
	return false
}
