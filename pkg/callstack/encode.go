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

package callstack

import (
	"fmt"

	"github.com/parca-dev/parca-tracelog/pkg/codeaddr"
	"github.com/parca-dev/parca-tracelog/pkg/region"
)

// Encode writes the nodes into the body of the callstacks region. Callers
// are stored as the distance back to the caller, zero meaning none.
func (in *Interner) Encode() []byte {
	var e region.Encoder
	e.Count(len(in.nodes))
	for i, n := range in.nodes {
		e.Uvarint(uint64(n.Address))
		if n.Caller == None {
			e.Uvarint(0)
		} else {
			e.Uvarint(uint64(Index(i) - n.Caller))
		}
	}
	e.Count(len(in.nodes))
	return e.Bytes()
}

// Decode reads what Encode wrote. addresses is the number of code address
// records the nodes may refer to.
func Decode(b []byte, addresses int) (*Interner, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	in := New()
	in.nodes = make([]Node, 0, n)
	in.callees = make([][]Index, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		addr := d.Uvarint()
		back := d.Uvarint()
		if d.Err() != nil {
			break
		}
		if addr >= uint64(addresses) {
			return nil, fmt.Errorf("stack %d refers to code address %d of %d: %w", i, addr, addresses, region.ErrCorruptHeader)
		}
		caller := None
		if back != 0 {
			if back > uint64(i) {
				return nil, fmt.Errorf("stack %d has caller %d positions back: %w", i, back, ErrCycle)
			}
			caller = Index(uint64(i) - back)
		}
		if got := in.Intern(codeaddr.Index(addr), caller); got != Index(i) {
			return nil, fmt.Errorf("stack %d duplicates stack %d: %w", i, got, region.ErrCorruptHeader)
		}
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode call stacks: %w", err)
	}
	return in, nil
}
