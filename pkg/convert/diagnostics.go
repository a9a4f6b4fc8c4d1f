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

package convert

import (
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-tracelog/pkg/process"
)

// Diagnostic kinds reported by the pass itself. Bookkeeping kinds come from
// the process package.
const (
	DiagMalformedPayload     = "malformed_payload"
	DiagAddressWithoutModule = "address_without_module"
)

// diagnostics counts the source inconsistencies recovered during a pass.
type diagnostics struct {
	logger  log.Logger
	total   *prometheus.CounterVec
	counts  map[string]uint64
	quietly map[string]bool
}

var _ process.Reporter = &diagnostics{}

func newDiagnostics(logger log.Logger, total *prometheus.CounterVec) *diagnostics {
	return &diagnostics{
		logger: logger,
		total:  total,
		counts: map[string]uint64{},
		// One per frame at worst.
		quietly: map[string]bool{DiagAddressWithoutModule: true},
	}
}

func (d *diagnostics) Report(kind string, ts int64, pid uint32) {
	d.counts[kind]++
	d.total.WithLabelValues(kind).Inc()
	if d.quietly[kind] {
		level.Debug(d.logger).Log("msg", "recovered source inconsistency", "kind", kind, "ts", ts, "pid", pid)
		return
	}
	level.Warn(d.logger).Log("msg", "recovered source inconsistency", "kind", kind, "ts", ts, "pid", pid)
}

// extensions writes the counts into the key/value area.
func (d *diagnostics) extensions(kv map[string]string) {
	for kind, n := range d.counts {
		kv["diag."+kind] = strconv.FormatUint(n, 10)
	}
}
