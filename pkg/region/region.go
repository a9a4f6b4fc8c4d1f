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

// Package region implements a container of named, independently loadable
// regions inside one file.
//
// ┌────────────────┬──────────┬──────────┬─────┬───────────┬─────────┐
// │ Header + pad   │ Region 0 │ Region 1 │ ... │ Directory │ Trailer │
// └────────────────┴──────────┴──────────┴─────┴───────────┴─────────┘
//
// The header carries a semantic version of the format and is padded to
// HeaderSize bytes. The directory lists every region with its offset, length,
// codec and checksum, and the fixed-size trailer points at the directory, so
// that a reader can locate any region without decoding the others.
package region

import (
	"errors"
)

const (
	// HeaderSize is the size of the padded file header.
	HeaderSize = 64
	// TrailerSize is the size of the file trailer.
	TrailerSize = 16

	// FormatVersion is written to every new container.
	FormatVersion = "1.0.0"
	// SupportedVersions is the range of container versions this package reads.
	SupportedVersions = "^1.0.0"
)

var MAGIC = [8]byte{'P', 'T', 'L', 'O', 'G', 0, 0, 1}

var (
	ErrCorruptHeader      = errors.New("corrupt container header")
	ErrUnsupportedVersion = errors.New("unsupported container version")
	ErrChecksumMismatch   = errors.New("region checksum mismatch")
	ErrCountMismatch      = errors.New("trailing count does not match leading count")
	ErrRegionNotFound     = errors.New("region not found")
	ErrAlreadyFinalized   = errors.New("already finalized")
)

// Codec describes how a region's bytes are stored.
type Codec uint8

const (
	// CodecRaw regions are stored as written. Their contents may carry their
	// own framing, like the event page blocks.
	CodecRaw Codec = iota
	// CodecZstd regions are compressed as a whole.
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Entry is one row of the region directory.
type Entry struct {
	Name     string
	Offset   int64
	Length   int64
	Codec    Codec
	Checksum uint64
}
