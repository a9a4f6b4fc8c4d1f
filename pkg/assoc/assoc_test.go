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

package assoc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/region"
)

type value uint32

func rows(t *Table[value]) [][2]uint32 {
	var out [][2]uint32
	for i := 0; i < t.Len(); i++ {
		ev, v := t.At(i)
		out = append(out, [2]uint32{uint32(ev), uint32(v)})
	}
	return out
}

func TestTableKeepsEventOrder(t *testing.T) {
	t.Parallel()

	var tb Table[value]
	tb.Put(5, 50)
	tb.Put(9, 90)
	tb.Put(1, 10)
	tb.Put(7, 70)
	tb.Put(5, 55)

	require.Equal(t, [][2]uint32{{1, 10}, {5, 55}, {7, 70}, {9, 90}}, rows(&tb))

	v, ok := tb.Get(7)
	require.True(t, ok)
	require.Equal(t, value(70), v)
	_, ok = tb.Get(8)
	require.False(t, ok)
	_, ok = tb.Get(100)
	require.False(t, ok)
}

func TestTableUpdate(t *testing.T) {
	t.Parallel()

	var tb Table[value]
	merge := func(v value) func(value, bool) (value, error) {
		return func(old value, ok bool) (value, error) {
			if ok {
				return old + v, nil
			}
			return v, nil
		}
	}
	require.NoError(t, tb.Update(3, merge(1)))
	require.NoError(t, tb.Update(3, merge(2)))
	v, _ := tb.Get(3)
	require.Equal(t, value(3), v)

	boom := errors.New("boom")
	err := tb.Update(4, func(value, bool) (value, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, tb.Len())
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	var tb Table[value]
	for i := 0; i < 100; i++ {
		tb.Put(event.Index(i*3), value(i%7))
	}
	got, err := Decode[value](tb.Encode(), 7)
	require.NoError(t, err)
	require.Equal(t, rows(&tb), rows(got))

	_, err = Decode[value](tb.Encode(), 6)
	require.ErrorIs(t, err, region.ErrCorruptHeader)

	empty, err := Decode[value]((&Table[value]{}).Encode(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())

	var e region.Encoder
	e.Count(1)
	e.Uvarint(1)
	e.Uvarint(1)
	e.Count(3)
	_, err = Decode[value](e.Bytes(), 7)
	require.ErrorIs(t, err, region.ErrCountMismatch)
}
