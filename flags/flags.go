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
	"errors"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/parca-dev/parca-tracelog/pkg/config"
)

var (
	version string
	commit  string
)

// Parse parses the command line arguments, without the program name.
func Parse(args []string, options ...kong.Option) (Flags, *kong.Context, error) {
	flags := Flags{}
	options = append([]kong.Option{
		kong.Name("parca-tracelog"),
		kong.Description("Index, inspect and export recorded traces."),
		kong.UsageOnError(),
		kong.Vars{
			"version":             fmt.Sprintf("%s (commit %s)", version, commit),
			"default_page_size":   "1024",
			"default_event_limit": "100",
		},
	}, options...)
	parser, err := kong.New(&flags, options...)
	if err != nil {
		return Flags{}, nil, err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, nil, err
	}
	return flags, ctx, nil
}

type Flags struct {
	Log         FlagsLogs        `embed:"" prefix:"log-"`
	HTTPAddress string           `default:""  help:"Address to serve /metrics and /debug/pprof on while a command runs. Empty disables it."`
	ConfigPath  string           `default:""  help:"Path to config file."`
	Version     kong.VersionFlag `help:"Show application version."`

	Convert     CmdConvert     `cmd:"" help:"Convert a raw trace, or re-index a log, into an indexed log."`
	Info        CmdInfo        `cmd:"" help:"Print session metadata, counts and regions of a log."`
	Events      CmdEvents      `cmd:"" help:"List the events of a log."`
	Stack       CmdStack       `cmd:"" help:"Print the call stack attached to an event."`
	ExportPprof CmdExportPprof `cmd:"" help:"Export the stacks of a range of events as a gzip compressed pprof profile." name:"export-pprof"`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsRange selects events by time and process.
type FlagsRange struct {
	Start    int64    `default:"0" help:"First event time, in 100ns units."`
	End      int64    `default:"0" help:"Last event time, in 100ns units. 0 means the end of the log."`
	PIDs     []uint32 `help:"Only select events of these processes." name:"pid"`
	Backward bool     `help:"Walk from the end of the range."`
}

func (f FlagsRange) validate() error {
	if f.End != 0 && f.End < f.Start {
		return fmt.Errorf("--end %d is before --start %d", f.End, f.Start)
	}
	return nil
}

// FlagsSymbols overrides the symbols section of the config file.
type FlagsSymbols struct {
	Disable     bool     `help:"Do not resolve symbols."`
	Directories []string `help:"Ordered list of directories to search for <module>.symtab files."`
	Kallsyms    string   `help:"Path to a kallsyms file for kernel addresses."`
	Parallelism int      `default:"0" help:"Number of modules resolved in parallel. 0 keeps the configured value."`
}

type CmdConvert struct {
	Input  string `arg:"" help:"Raw trace or indexed log to read." type:"existingfile"`
	Output string `required:"" short:"o" help:"Path of the indexed log to write."`

	PageSize   int  `default:"0" help:"Events per page, a power of two. 0 keeps the configured value (${default_page_size} by default)."`
	BucketSize int  `default:"0" help:"Code address bucket size, a power of two. 0 keeps the configured value."`
	Binary     bool `help:"Locate stack walk targets by bisection instead of a linear scan."`

	Symbols FlagsSymbols `embed:"" prefix:"symbols-"`
}

var errNotPowerOfTwo = errors.New("not a power of two")

func (c CmdConvert) Validate() error {
	for name, v := range map[string]int{"--page-size": c.PageSize, "--bucket-size": c.BucketSize} {
		if v < 0 || v&(v-1) != 0 {
			return fmt.Errorf("%s %d: %w", name, v, errNotPowerOfTwo)
		}
	}
	if c.Symbols.Parallelism < 0 {
		return fmt.Errorf("--symbols-parallelism %d is negative", c.Symbols.Parallelism)
	}
	return nil
}

// Apply overrides cfg with the flags that were set.
func (c CmdConvert) Apply(cfg *config.Config) {
	if c.PageSize != 0 {
		cfg.PageSize = c.PageSize
	}
	if c.BucketSize != 0 {
		cfg.BucketSize = c.BucketSize
	}
	if c.Binary {
		cfg.Clock.Matcher = config.MatcherBinary
	}
	if len(c.Symbols.Directories) > 0 {
		cfg.Symbols.Directories = c.Symbols.Directories
	}
	if c.Symbols.Kallsyms != "" {
		cfg.Symbols.Kallsyms = c.Symbols.Kallsyms
	}
	if c.Symbols.Parallelism != 0 {
		cfg.Symbols.Parallelism = c.Symbols.Parallelism
	}
}

type CmdInfo struct {
	Log    string `arg:"" help:"Indexed log." type:"existingfile"`
	Verify bool   `help:"Verify the checksum of the events region."`
}

type CmdEvents struct {
	Log    string     `arg:"" help:"Indexed log." type:"existingfile"`
	Range  FlagsRange `embed:""`
	Limit  int        `default:"${default_event_limit}" help:"Maximum number of events to print. 0 prints every event."`
	Stacks bool       `help:"Print the call stack of each event."`
}

func (c CmdEvents) Validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("--limit %d is negative", c.Limit)
	}
	return c.Range.validate()
}

type CmdStack struct {
	Log   string `arg:"" help:"Indexed log." type:"existingfile"`
	Event uint32 `arg:"" help:"Event sequence number."`
}

type CmdExportPprof struct {
	Log    string     `arg:"" help:"Indexed log." type:"existingfile"`
	Output string     `required:"" short:"o" help:"Path of the profile to write."`
	Range  FlagsRange `embed:""`
}

func (c CmdExportPprof) Validate() error {
	return c.Range.validate()
}
