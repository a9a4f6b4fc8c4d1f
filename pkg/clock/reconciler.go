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

package clock

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-tracelog/pkg/event"
)

// Config holds the reconciliation tunables. Times are in 100ns units.
type Config struct {
	RingSize            int
	MinConfirmedMatches int
	// FallbackLookback bounds how far back the last event of a thread may
	// be while the model is not initialized.
	FallbackLookback    int64
	TightTolerance      int64
	LooseTolerance      int64
	MaxConsecutiveLoose int
}

func DefaultConfig() Config {
	return Config{
		RingSize:            1024,
		MinConfirmedMatches: 4,
		FallbackLookback:    20_000,
		TightTolerance:      50,
		LooseTolerance:      500,
		MaxConsecutiveLoose: 3,
	}
}

func (c Config) Validate() error {
	switch {
	case c.RingSize <= 0:
		return fmt.Errorf("clock ring size must be positive, got %d", c.RingSize)
	case c.MinConfirmedMatches < 2:
		return fmt.Errorf("clock min confirmed matches must be at least 2, got %d", c.MinConfirmedMatches)
	case c.TightTolerance < 0 || c.LooseTolerance < c.TightTolerance:
		return fmt.Errorf("clock tolerances must satisfy 0 <= tight (%d) <= loose (%d)", c.TightTolerance, c.LooseTolerance)
	case c.MaxConsecutiveLoose <= 0:
		return fmt.Errorf("clock max consecutive loose matches must be positive, got %d", c.MaxConsecutiveLoose)
	case c.FallbackLookback < 0:
		return fmt.Errorf("clock fallback lookback must not be negative, got %d", c.FallbackLookback)
	}
	return nil
}

// Result is the outcome of matching one stack walk.
type Result int

const (
	MatchTight Result = iota
	MatchLoose
	MatchFallback
	// DroppedNoCandidate means no buffered event qualified.
	DroppedNoCandidate
	// DroppedDelta means the nearest event was beyond the loose tolerance.
	DroppedDelta
)

func (r Result) String() string {
	switch r {
	case MatchTight:
		return "tight"
	case MatchLoose:
		return "loose"
	case MatchFallback:
		return "fallback"
	case DroppedNoCandidate:
		return "no_candidate"
	case DroppedDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Matched reports whether the result carries an event.
func (r Result) Matched() bool {
	return r <= MatchFallback
}

const (
	resetThreadMismatch = "thread_mismatch"
	resetLoose          = "consecutive_loose"
	resetDelta          = "delta"
)

type metrics struct {
	matches *prometheus.CounterVec
	resets  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		matches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_stack_matches_total",
			Help: "Number of stack walk records by match result.",
		}, []string{"result"}),
		resets: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_tracelog_clock_resets_total",
			Help: "Number of per-processor clock model resets by reason.",
		}, []string{"reason"}),
	}
	for _, r := range []Result{MatchTight, MatchLoose, MatchFallback, DroppedNoCandidate, DroppedDelta} {
		m.matches.WithLabelValues(r.String())
	}
	for _, r := range []string{resetThreadMismatch, resetLoose, resetDelta} {
		m.resets.WithLabelValues(r)
	}
	return m
}

type processor struct {
	ring  *Ring
	model *Model
	loose int
}

// Reconciler matches stack walk records to the events that triggered them.
// It keeps one ring and one model per processor and is not safe for
// concurrent use.
type Reconciler struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config
	matcher Matcher

	procs []*processor
}

// NewReconciler returns a reconciler. A nil matcher selects NearestMatcher.
func NewReconciler(logger log.Logger, reg prometheus.Registerer, cfg Config, matcher Matcher) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		matcher = NearestMatcher{}
	}
	return &Reconciler{
		logger:  logger,
		metrics: newMetrics(reg),
		cfg:     cfg,
		matcher: matcher,
	}, nil
}

func (r *Reconciler) processor(cpu uint16) *processor {
	for int(cpu) >= len(r.procs) {
		r.procs = append(r.procs, nil)
	}
	p := r.procs[cpu]
	if p == nil {
		p = &processor{
			ring:  NewRing(r.cfg.RingSize),
			model: NewModel(r.cfg.MinConfirmedMatches),
		}
		r.procs[cpu] = p
	}
	return p
}

// Observe buffers an event. Records that were not written to the log are
// observed with event.NoIndex; walks that match them are dropped.
func (r *Reconciler) Observe(cpu uint16, tid uint32, ts int64, idx event.Index) {
	r.processor(cpu).ring.Push(Entry{ThreadID: tid, Time: ts, Index: idx})
}

// Initialized reports whether the model of cpu is trusted.
func (r *Reconciler) Initialized(cpu uint16) bool {
	return r.processor(cpu).model.Initialized()
}

// Match returns the event a stack walk on cpu for thread tid belongs to.
// ticks is the tick count carried by the walk and walkTime the timestamp of
// the walk record itself.
func (r *Reconciler) Match(cpu uint16, tid uint32, ticks, walkTime int64) (event.Index, Result) {
	idx, res := r.match(r.processor(cpu), cpu, tid, ticks, walkTime)
	r.metrics.matches.WithLabelValues(res.String()).Inc()
	return idx, res
}

func (r *Reconciler) match(p *processor, cpu uint16, tid uint32, ticks, walkTime int64) (event.Index, Result) {
	if !p.model.Initialized() {
		return r.fallback(p, tid, ticks, walkTime)
	}

	expected := p.model.ExpectedTime100ns(ticks)
	e, ok := r.matcher.Match(p.ring, expected)
	if !ok {
		return event.NoIndex, DroppedNoCandidate
	}
	if e.ThreadID != tid {
		level.Warn(r.logger).Log("msg", "stack walk thread disagrees with clock model, resetting", "ts", walkTime, "cpu", cpu, "tid", tid, "matched_tid", e.ThreadID)
		r.reset(p, resetThreadMismatch)
		return r.fallback(p, tid, ticks, walkTime)
	}
	if e.Index == event.NoIndex {
		return event.NoIndex, DroppedNoCandidate
	}

	delta := e.Time - expected
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= r.cfg.TightTolerance:
		p.model.Confirm(ticks, e.Time, true)
		p.loose = 0
		return e.Index, MatchTight
	case delta <= r.cfg.LooseTolerance:
		level.Debug(r.logger).Log("msg", "loose stack walk match", "ts", walkTime, "cpu", cpu, "delta", delta)
		p.loose++
		if p.loose >= r.cfg.MaxConsecutiveLoose {
			r.reset(p, resetLoose)
		} else {
			p.model.Confirm(ticks, e.Time, false)
		}
		return e.Index, MatchLoose
	default:
		level.Debug(r.logger).Log("msg", "dropping stack walk beyond clock tolerance", "ts", walkTime, "cpu", cpu, "delta", delta)
		r.reset(p, resetDelta)
		return event.NoIndex, DroppedDelta
	}
}

// fallback picks the newest event of tid no older than the lookback window
// and no newer than the walk itself. If that event was not written, the walk
// is dropped rather than moved to an older one.
func (r *Reconciler) fallback(p *processor, tid uint32, ticks, walkTime int64) (event.Index, Result) {
	for i := 0; i < p.ring.Len(); i++ {
		e := p.ring.At(i)
		if walkTime-e.Time > r.cfg.FallbackLookback {
			break
		}
		if e.ThreadID != tid || e.Time > walkTime {
			continue
		}
		if e.Index == event.NoIndex {
			return event.NoIndex, DroppedNoCandidate
		}
		p.model.Confirm(ticks, e.Time, false)
		return e.Index, MatchFallback
	}
	return event.NoIndex, DroppedNoCandidate
}

func (r *Reconciler) reset(p *processor, reason string) {
	p.model.Reset()
	p.loose = 0
	r.metrics.resets.WithLabelValues(reason).Inc()
}
