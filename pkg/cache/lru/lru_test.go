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

package lru

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	t.Parallel()

	var evicted []int
	c := New[int, string](
		prometheus.NewRegistry(),
		WithMaxSize[int, string](2),
		WithOnEvict[int, string](func(k int, _ string) { evicted = append(evicted, k) }),
	)

	c.Add(1, "one")
	c.Add(2, "two")
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Add(3, "three")

	require.Equal(t, []int{2}, evicted)
	_, ok = c.Peek(2)
	require.False(t, ok)
	require.Equal(t, 2, c.Len())

	require.InDelta(t, 1, testutil.ToFloat64(c.metrics.evictions), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(c.metrics.hits), 0.001)

	require.NoError(t, c.Close())
	require.ElementsMatch(t, []int{2, 1, 3}, evicted)
}

func TestLRURemoveSkipsCallback(t *testing.T) {
	t.Parallel()

	called := false
	c := New[string, int](
		prometheus.NewRegistry(),
		WithOnEvict[string, int](func(string, int) { called = true }),
	)
	c.Add("a", 1)
	c.Add("a", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	c.Remove("a")
	require.False(t, called)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.InDelta(t, 1, testutil.ToFloat64(c.metrics.misses), 0.001)
}
