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

// Package clock associates stack walk records, which only carry a processor
// tick count, with the event that triggered them.
package clock

// Model is the estimated linear relation between one processor's tick
// counter and trace time (100ns units).
type Model struct {
	minConfirmed int

	// origin is the first confirmed point, ref the latest.
	originTicks, originTime int64
	refTicks, refTime       int64
	// ratio is ticks per 100ns.
	ratio     float64
	confirmed int
}

// NewModel returns a model that becomes initialized after minConfirmed
// confirmed matches.
func NewModel(minConfirmed int) *Model {
	return &Model{minConfirmed: minConfirmed}
}

// Initialized reports whether the model is trusted to predict times.
func (m *Model) Initialized() bool {
	return m.confirmed >= m.minConfirmed && m.ratio > 0
}

// Confirmed returns the number of confirmed matches since the last reset.
func (m *Model) Confirmed() int {
	return m.confirmed
}

// Ratio returns the current ticks per 100ns estimate.
func (m *Model) Ratio() float64 {
	return m.ratio
}

// Confirm adds a confirmed (ticks, time) pair. While warming up every pair
// refines the ratio; once initialized only tight matches do. The reference
// point always moves to the latest pair so the model follows drift.
func (m *Model) Confirm(ticks, time int64, tight bool) {
	if m.confirmed == 0 {
		m.originTicks, m.originTime = ticks, time
		m.refTicks, m.refTime = ticks, time
		m.confirmed = 1
		return
	}
	if !m.Initialized() || tight {
		// The origin and the latest point are the most divergent pair.
		if dt := time - m.originTime; dt != 0 {
			if r := float64(ticks-m.originTicks) / float64(dt); r > 0 {
				m.ratio = r
			}
		}
	}
	m.refTicks, m.refTime = ticks, time
	m.confirmed++
}

// ExpectedTime100ns predicts the trace time of a tick count.
func (m *Model) ExpectedTime100ns(ticks int64) int64 {
	if m.ratio <= 0 {
		return m.refTime
	}
	return m.refTime + int64(float64(ticks-m.refTicks)/m.ratio)
}

// Reset forgets every confirmed point.
func (m *Model) Reset() {
	*m = Model{minConfirmed: m.minConfirmed}
}
