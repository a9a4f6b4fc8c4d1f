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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  int
	}{
		{level: "error", want: 1},
		{level: "warn", want: 2},
		{level: "info", want: 3},
		{level: "debug", want: 4},
		{level: "bogus", want: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			l := newLogger(&buf, tt.level, LogFormatLogfmt, "")
			level.Error(l).Log("msg", "e")
			level.Warn(l).Log("msg", "w")
			level.Info(l).Log("msg", "i")
			level.Debug(l).Log("msg", "d")
			require.Equal(t, tt.want, bytes.Count(buf.Bytes(), []byte("\n")))
		})
	}
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newLogger(&buf, "info", LogFormatJSON, "convert")
	level.Info(l).Log("msg", "converted trace", "pages", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "converted trace", rec["msg"])
	require.Equal(t, "convert", rec["name"])
	require.Equal(t, "info", rec["level"])
	require.Contains(t, rec, "ts")
	require.Contains(t, rec, "caller")
}
