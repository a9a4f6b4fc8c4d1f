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

// nolint:forcetypeassert
package lru

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	reg prometheus.Registerer

	requests  *prometheus.CounterVec
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	return &metrics{
		reg:      reg,
		requests: requests,
		hits:     requests.WithLabelValues("hit"),
		misses:   requests.WithLabelValues("miss"),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions.",
		}),
	}
}

// unregister makes sure that the metrics are unregistered when the cache is
// closed, so that a new cache can be created with the same registerer.
func (m *metrics) unregister() error {
	if m.reg == nil {
		return nil
	}
	var err error
	if ok := m.reg.Unregister(m.requests); !ok {
		err = errors.Join(err, errors.New("unregistering requests counter"))
	}
	if ok := m.reg.Unregister(m.evictions); !ok {
		err = errors.Join(err, errors.New("unregistering eviction counter"))
	}
	if err != nil {
		return fmt.Errorf("cleaning cache stats counter: %w", err)
	}
	return nil
}

type Option[K comparable, V any] func(*LRU[K, V])

// WithMaxSize bounds the number of entries. Zero means no limit.
func WithMaxSize[K comparable, V any](maxEntries int) Option[K, V] {
	return func(c *LRU[K, V]) {
		c.maxEntries = maxEntries
	}
}

// WithOnEvict sets a callback run for every entry that leaves the cache
// because of its size bound or Purge.
func WithOnEvict[K comparable, V any](onEvicted func(K, V)) Option[K, V] {
	return func(c *LRU[K, V]) {
		c.onEvicted = onEvicted
	}
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed size LRU cache. It is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	metrics *metrics
	closer  func() error

	maxEntries int
	onEvicted  func(K, V)

	items     map[K]*list.Element
	evictList *list.List // of *entry[K, V]
}

func New[K comparable, V any](reg prometheus.Registerer, opts ...Option[K, V]) *LRU[K, V] {
	m := newMetrics(reg)
	c := &LRU[K, V]{
		metrics: m,
		closer:  m.unregister,

		items:     map[K]*list.Element{},
		evictList: list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add adds a value to the cache.
func (c *LRU[K, V]) Add(key K, value V) {
	if e, ok := c.items[key]; ok {
		c.evictList.MoveToFront(e)
		e.Value.(*entry[K, V]).value = value
		return
	}

	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value})

	// Should evict?
	if c.maxEntries > 0 && c.evictList.Len() > c.maxEntries {
		c.removeOldest()
		c.metrics.evictions.Inc()
	}
}

// Remove removes a key from the cache without running the eviction callback.
func (c *LRU[K, V]) Remove(key K) {
	if e, ok := c.items[key]; ok {
		c.evictList.Remove(e)
		delete(c.items, key)
	}
}

// Get retrieves an item from the cache.
// Return (value, true) if the item is found, and false otherwise.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) { //nolint:nonamedreturns
	if e, ok := c.items[key]; ok {
		c.evictList.MoveToFront(e)
		c.metrics.hits.Inc()
		return e.Value.(*entry[K, V]).value, true
	}
	c.metrics.misses.Inc()
	return
}

// Peek returns the value associated with the key without updating the LRU order.
// Returns (value, true) if the item is found, and false otherwise.
func (c *LRU[K, V]) Peek(key K) (value V, ok bool) { //nolint:nonamedreturns
	if e, ok := c.items[key]; ok {
		return e.Value.(*entry[K, V]).value, true
	}
	return
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	return c.evictList.Len()
}

// Purge is used to completely clear the cache.
func (c *LRU[K, V]) Purge() {
	for c.evictList.Len() > 0 {
		c.removeOldest()
	}
}

// Close is used when the cache is not needed anymore.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// removeOldest removes the oldest item from the cache.
func (c *LRU[K, V]) removeOldest() {
	e := c.evictList.Back()
	if e == nil {
		return
	}
	c.evictList.Remove(e)
	ent := e.Value.(*entry[K, V])
	delete(c.items, ent.key)
	if c.onEvicted != nil {
		c.onEvicted(ent.key, ent.value)
	}
}
