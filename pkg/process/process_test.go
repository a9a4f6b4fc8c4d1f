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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const kernelSplit = 0xffff800000000000

type recorder struct {
	kinds []string
}

func (r *recorder) Report(kind string, _ int64, _ uint32) {
	r.kinds = append(r.kinds, kind)
}

func TestTableRecoversInconsistencies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(*Table)
		want []string
	}{
		{
			name: "duplicate start",
			run: func(tb *Table) {
				tb.ProcessStart(1, 10, 1, "a.exe", false)
				tb.ProcessStart(2, 10, 1, "a.exe", false)
			},
			want: []string{DiagDuplicateProcessStart},
		},
		{
			name: "rundown repeats are expected",
			run: func(tb *Table) {
				tb.ProcessStart(1, 10, 1, "a.exe", true)
				tb.ProcessStart(2, 10, 1, "a.exe", true)
				tb.ThreadStart(1, 10, 11, true)
				tb.ThreadStart(2, 10, 11, true)
			},
		},
		{
			name: "end before start",
			run: func(tb *Table) {
				tb.ProcessEnd(5, 10, false)
				tb.ThreadEnd(5, 10, 11, false)
			},
			want: []string{DiagProcessEndWithoutStart, DiagThreadEndWithoutStart},
		},
		{
			name: "unload without load",
			run: func(tb *Table) {
				tb.ProcessStart(1, 10, 1, "a.exe", false)
				tb.ImageUnload(2, 10, 0x400000)
			},
			want: []string{DiagUnloadWithoutLoad},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &recorder{}
			tt.run(NewTable(r, kernelSplit))
			require.Equal(t, tt.want, r.kinds)
		})
	}
}

func TestMappingForAddr(t *testing.T) {
	t.Parallel()

	tb := NewTable(&recorder{}, kernelSplit)
	tb.ProcessStart(1, 10, 1, "a.exe", false)
	first := tb.ImageLoad(2, 10, 0x400000, 0x1000, "a.exe", 0)
	second := tb.ImageLoad(3, 10, 0x400000, 0x1000, "a.exe", 0)
	kernel := tb.ImageLoad(4, 0, kernelSplit+0x1000, 0x1000, "ntoskrnl.exe", 1)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, second, tb.MappingForAddr(10, 0x400010))
	require.Nil(t, tb.MappingForAddr(10, 0x401000))
	require.Nil(t, tb.MappingForAddr(11, 0x400010))
	require.Equal(t, kernel, tb.MappingForAddr(10, kernelSplit+0x1800))

	tb.ImageUnload(5, 10, 0x400000)
	require.Equal(t, first, tb.MappingForAddr(10, 0x400010))

	tb.ProcessEnd(6, 10, false)
	require.Nil(t, tb.MappingForAddr(10, 0x400010))
	require.Equal(t, int64(6), first.Unload)
}

func TestImageLoadClampsEnd(t *testing.T) {
	t.Parallel()

	tb := NewTable(&recorder{}, kernelSplit)
	top := tb.ImageLoad(1, 0, 0xfffffffffffff000, 0x2000, "hal.dll", 0)
	require.Equal(t, ^uint64(0), top.EndAddr)
	require.Equal(t, top, tb.MappingForAddr(10, 0xfffffffffffff800))
	require.Equal(t, top, tb.MappingForAddr(10, 0xfffffffffffffffe))
	require.Nil(t, tb.MappingForAddr(10, 0x1000))
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	tb := NewTable(&recorder{}, kernelSplit)
	tb.ProcessStart(1, 10, 1, "a.exe", false)
	tb.ImageLoad(2, 10, 0x400000, 0x1000, "a.exe", 0)
	tb.ImageLoad(3, 0, kernelSplit, 0x1000, "ntoskrnl.exe", NoFile)
	tb.ProcessEnd(9, 10, false)
	tb.ProcessStart(10, 10, 1, "b.exe", false)

	got, err := Decode(tb.Encode())
	require.NoError(t, err)
	want := append([]*Process{tb.Kernel()}, tb.Processes()...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("processes differ (-want +got):\n%s", diff)
	}
	require.Equal(t, NoFile, got[0].Mappings[0].File)
}
