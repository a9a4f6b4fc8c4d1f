// Copyright 2023 The Parca Authors
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

package pprof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelFrameNoModule   = "no_module"
	labelFrameUnresolved = "unresolved"
	labelEventNoStack    = "no_stack"
)

type converterMetrics struct {
	samples       prometheus.Counter
	frames        *prometheus.CounterVec
	eventsSkipped *prometheus.CounterVec
}

func newConverterMetrics(reg prometheus.Registerer) *converterMetrics {
	m := &converterMetrics{
		samples: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "parca_tracelog_pprof_samples_total",
				Help: "Number of samples exported to pprof profiles.",
			},
		),
		frames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_tracelog_pprof_incomplete_locations_total",
				Help: "Number of exported locations missing a mapping or a function.",
			},
			[]string{"reason"},
		),
		eventsSkipped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_tracelog_pprof_events_skipped_total",
				Help: "Number of selected events that did not produce a sample.",
			},
			[]string{"reason"},
		),
	}

	m.frames.WithLabelValues(labelFrameNoModule)
	m.frames.WithLabelValues(labelFrameUnresolved)
	m.eventsSkipped.WithLabelValues(labelEventNoStack)

	return m
}
