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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-tracelog/pkg/clock"
	"github.com/parca-dev/parca-tracelog/pkg/convert"
	"github.com/parca-dev/parca-tracelog/pkg/symbol"
)

var ErrEmptyConfig = errors.New("empty config")

const (
	MatcherNearest = "nearest"
	MatcherBinary  = "binary"
)

// Config holds the conversion tunables of parca-tracelog.
type Config struct {
	PageSize   int     `yaml:"page_size"`
	BucketSize int     `yaml:"bucket_size"`
	Clock      Clock   `yaml:"clock"`
	Phase      Phase   `yaml:"phase"`
	Symbols    Symbols `yaml:"symbols"`
}

type Clock struct {
	RingSize            int           `yaml:"ring_size"`
	MinConfirmedMatches int           `yaml:"min_confirmed_matches"`
	FallbackLookback    time.Duration `yaml:"fallback_lookback"`
	TightTolerance      time.Duration `yaml:"tight_tolerance"`
	LooseTolerance      time.Duration `yaml:"loose_tolerance"`
	MaxConsecutiveLoose int           `yaml:"max_consecutive_loose"`
	Matcher             string        `yaml:"matcher"`
}

type Phase struct {
	PrologGap time.Duration `yaml:"prolog_gap"`
}

type Symbols struct {
	Directories []string `yaml:"directories,omitempty"`
	Kallsyms    string   `yaml:"kallsyms,omitempty"`
	CacheSize   int      `yaml:"cache_size"`
	Parallelism int      `yaml:"parallelism"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := convert.DefaultOptions()
	return &Config{
		PageSize:   opts.PageSize,
		BucketSize: opts.BucketSize,
		Clock: Clock{
			RingSize:            opts.Clock.RingSize,
			MinConfirmedMatches: opts.Clock.MinConfirmedMatches,
			FallbackLookback:    fromTicks(opts.Clock.FallbackLookback),
			TightTolerance:      fromTicks(opts.Clock.TightTolerance),
			LooseTolerance:      fromTicks(opts.Clock.LooseTolerance),
			MaxConsecutiveLoose: opts.Clock.MaxConsecutiveLoose,
			Matcher:             MatcherNearest,
		},
		Phase: Phase{
			PrologGap: fromTicks(opts.PrologGap),
		},
		Symbols: Symbols{
			CacheSize:   64,
			Parallelism: opts.SymbolParallelism,
		},
	}
}

// Trace times are in 100ns units.
func toTicks(d time.Duration) int64   { return int64(d / 100) }
func fromTicks(t int64) time.Duration { return time.Duration(t) * 100 }

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size %d is not a power of two", c.PageSize)
	}
	if c.BucketSize <= 0 || c.BucketSize&(c.BucketSize-1) != 0 {
		return fmt.Errorf("bucket_size %d is not a power of two", c.BucketSize)
	}
	if err := c.clockConfig().Validate(); err != nil {
		return err
	}
	if c.Clock.Matcher != MatcherNearest && c.Clock.Matcher != MatcherBinary {
		return fmt.Errorf("clock matcher %q is not one of %q, %q", c.Clock.Matcher, MatcherNearest, MatcherBinary)
	}
	if c.Phase.PrologGap < 0 {
		return fmt.Errorf("phase prolog_gap %s is negative", c.Phase.PrologGap)
	}
	if c.Symbols.CacheSize <= 0 {
		return fmt.Errorf("symbols cache_size must be positive, got %d", c.Symbols.CacheSize)
	}
	return nil
}

func (c *Config) clockConfig() clock.Config {
	return clock.Config{
		RingSize:            c.Clock.RingSize,
		MinConfirmedMatches: c.Clock.MinConfirmedMatches,
		FallbackLookback:    toTicks(c.Clock.FallbackLookback),
		TightTolerance:      toTicks(c.Clock.TightTolerance),
		LooseTolerance:      toTicks(c.Clock.LooseTolerance),
		MaxConsecutiveLoose: c.Clock.MaxConsecutiveLoose,
	}
}

// ConvertOptions returns the conversion options the configuration selects.
// The resolver is left for the caller to set.
func (c *Config) ConvertOptions() convert.Options {
	opts := convert.DefaultOptions()
	opts.PageSize = c.PageSize
	opts.BucketSize = c.BucketSize
	opts.Clock = c.clockConfig()
	opts.PrologGap = toTicks(c.Phase.PrologGap)
	opts.SymbolParallelism = c.Symbols.Parallelism
	if c.Clock.Matcher == MatcherBinary {
		opts.Matcher = clock.BinarySearchMatcher{}
	}
	return opts
}

// SymbolConfig returns the symbolizer configuration.
func (c *Config) SymbolConfig() symbol.Config {
	return symbol.Config{
		Directories:  c.Symbols.Directories,
		KallsymsPath: c.Symbols.Kallsyms,
		CacheSize:    c.Symbols.CacheSize,
	}
}

// Load parses the YAML input b over the defaults. Unknown keys are
// rejected.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
