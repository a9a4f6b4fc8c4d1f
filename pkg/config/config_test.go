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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-tracelog/pkg/clock"
	"github.com/parca-dev/parca-tracelog/pkg/convert"
	"github.com/parca-dev/parca-tracelog/pkg/phase"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    func(*Config)
		wantErr bool
	}{
		{
			name:    "empty",
			input:   ``,
			wantErr: true,
		},
		{
			name:  "comment only",
			input: `# comment`,
			want:  func(*Config) {},
		},
		{
			name: "overrides",
			input: `page_size: 256
clock:
  tight_tolerance: 2us
  matcher: binary
phase:
  prolog_gap: 500ms
symbols:
  directories: [/srv/symbols, /opt/symbols]
  kallsyms: /proc/kallsyms
`,
			want: func(c *Config) {
				c.PageSize = 256
				c.Clock.TightTolerance = 2 * time.Microsecond
				c.Clock.Matcher = MatcherBinary
				c.Phase.PrologGap = 500 * time.Millisecond
				c.Symbols.Directories = []string{"/srv/symbols", "/opt/symbols"}
				c.Symbols.Kallsyms = "/proc/kallsyms"
			},
		},
		{
			name:    "unknown key",
			input:   `pagesize: 256`,
			wantErr: true,
		},
		{
			name:    "page size",
			input:   `page_size: 1000`,
			wantErr: true,
		},
		{
			name:    "bucket size",
			input:   `bucket_size: 0`,
			wantErr: true,
		},
		{
			name:    "tolerances",
			input:   "clock:\n  tight_tolerance: 1ms\n  loose_tolerance: 10us\n",
			wantErr: true,
		},
		{
			name:    "matcher",
			input:   "clock:\n  matcher: exact\n",
			wantErr: true,
		},
		{
			name:    "duration without unit",
			input:   "phase:\n  prolog_gap: 1000\n",
			wantErr: true,
		},
		{
			name:    "negative gap",
			input:   "phase:\n  prolog_gap: -1s\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Load([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			want := Default()
			tt.want(want)
			require.Equal(t, want, got)
		})
	}
}

func TestDefaultMatchesConvertOptions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Second, cfg.Phase.PrologGap)

	opts := cfg.ConvertOptions()
	want := convert.DefaultOptions()
	require.Equal(t, want.PageSize, opts.PageSize)
	require.Equal(t, want.BucketSize, opts.BucketSize)
	require.Equal(t, clock.DefaultConfig(), opts.Clock)
	require.Equal(t, phase.DefaultPrologGap, opts.PrologGap)
	require.Nil(t, opts.Matcher)
}

func TestConvertOptionsMatcher(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Clock.Matcher = MatcherBinary
	require.Equal(t, clock.BinarySearchMatcher{}, cfg.ConvertOptions().Matcher)
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Symbols.Directories = []string{"/srv/symbols"}
	cfg.Clock.LooseTolerance = 80 * time.Microsecond

	got, err := Load([]byte(cfg.String()))
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tracelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bucket_size: 128\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.BucketSize)
	require.Equal(t, 128, cfg.ConvertOptions().BucketSize)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
