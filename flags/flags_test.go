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

package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/config"
)

func tempFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trace.raw")
	require.NoError(t, os.WriteFile(path, []byte("PTRW"), 0o600))
	return path
}

func TestParseConvert(t *testing.T) {
	t.Parallel()

	in := tempFile(t)
	f, ctx, err := Parse([]string{
		"--log-level", "debug",
		"convert", in, "-o", "out.tlog",
		"--page-size", "256",
		"--symbols-directories", "/a,/b",
		"--binary",
	})
	require.NoError(t, err)
	require.Equal(t, "convert <input>", ctx.Command())
	require.Equal(t, "debug", f.Log.Level)
	require.Equal(t, "logfmt", f.Log.Format)
	require.Empty(t, f.HTTPAddress)
	require.Equal(t, in, f.Convert.Input)
	require.Equal(t, "out.tlog", f.Convert.Output)

	cfg := config.Default()
	f.Convert.Apply(cfg)
	require.Equal(t, 256, cfg.PageSize)
	require.Equal(t, config.Default().BucketSize, cfg.BucketSize)
	require.Equal(t, []string{"/a", "/b"}, cfg.Symbols.Directories)
	require.Equal(t, config.MatcherBinary, cfg.Clock.Matcher)
	require.NoError(t, cfg.Validate())
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	in := tempFile(t)
	f, ctx, err := Parse([]string{"events", in, "--start", "100", "--end", "200", "--pid", "4", "--pid", "8", "--backward"})
	require.NoError(t, err)
	require.Equal(t, "events <log>", ctx.Command())
	require.Equal(t, FlagsRange{Start: 100, End: 200, PIDs: []uint32{4, 8}, Backward: true}, f.Events.Range)
	require.Equal(t, 100, f.Events.Limit)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	in := tempFile(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: []string{}},
		{name: "missing output", args: []string{"convert", in}},
		{name: "missing input", args: []string{"convert", filepath.Join(t.TempDir(), "nope"), "-o", "x"}},
		{name: "page size", args: []string{"convert", in, "-o", "x", "--page-size", "1000"}},
		{name: "log level", args: []string{"--log-level", "trace", "info", in}},
		{name: "range", args: []string{"events", in, "--start", "10", "--end", "5"}},
		{name: "export range", args: []string{"export-pprof", in, "-o", "p.pb.gz", "--start", "10", "--end", "5"}},
		{name: "stack event", args: []string{"stack", in, "minus-one"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Parse(tt.args)
			require.Error(t, err)
		})
	}
}
