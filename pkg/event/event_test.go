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

package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	in := Event{Timestamp: 42, ProcessID: 10, ThreadID: 11, Processor: 3, Opcode: OpGeneric, Payload: []byte{1, 2, 3}}
	b := in.AppendTo(nil)
	require.Len(t, b, in.EncodedSize())

	var got Event
	n, err := Decode(b, &got)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, in, got)

	clone := got.Clone()
	b[HeaderSize] = 9
	require.Equal(t, byte(9), got.Payload[0])
	require.Equal(t, byte(1), clone.Payload[0])

	_, err = Decode(b[:HeaderSize-1], &got)
	require.ErrorIs(t, err, ErrShortRecord)
	_, err = Decode(b[:len(b)-1], &got)
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestPayloadMalformed(t *testing.T) {
	t.Parallel()

	walk := (&StackWalkPayload{EventTicks: 5, Addresses: []uint64{1, 2}}).Marshal()
	process := (&ProcessPayload{ProcessID: 1, ImageName: "a.exe"}).Marshal()

	tests := []struct {
		name string
		p    interface{ Unmarshal([]byte) error }
		b    []byte
	}{
		{name: "empty thread", p: &ThreadPayload{}, b: nil},
		{name: "truncated image name", p: &ProcessPayload{}, b: process[:len(process)-1]},
		{name: "stack walk frame count", p: &StackWalkPayload{}, b: walk[:len(walk)-8]},
		{name: "short sample", p: &SampledProfilePayload{}, b: make([]byte, 11)},
		{name: "short method", p: &MethodPayload{}, b: make([]byte, 20)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.ErrorIs(t, tt.p.Unmarshal(tt.b), ErrMalformedPayload)
		})
	}
}

func TestStackWalkReusesAddresses(t *testing.T) {
	t.Parallel()

	b := (&StackWalkPayload{EventTicks: 7, ProcessID: 1, ThreadID: 2, Addresses: []uint64{0x10, 0x20}}).Marshal()

	p := StackWalkPayload{Addresses: make([]uint64, 0, 8)}
	require.NoError(t, p.Unmarshal(b))
	require.Equal(t, []uint64{0x10, 0x20}, p.Addresses)
	require.Equal(t, 8, cap(p.Addresses))
	require.Equal(t, int64(7), p.EventTicks)
}

func TestKernelSplit(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(0x80000000), SessionMetadata{PointerSize: 4}.KernelSplit())
	require.Equal(t, uint64(0xffff800000000000), SessionMetadata{PointerSize: 8}.KernelSplit())
}
