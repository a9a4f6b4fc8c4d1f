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

package tracelog

import (
	"fmt"
	"sort"

	"github.com/parca-dev/parca-tracelog/pkg/event"
	"github.com/parca-dev/parca-tracelog/pkg/region"
)

// Region names, in the order they are written.
const (
	RegionEvents         = "events"
	RegionMetadata       = "metadata"
	RegionProcesses      = "processes"
	RegionModules        = "modules"
	RegionMethods        = "methods"
	RegionCodeAddresses  = "codeaddrs"
	RegionCallStacks     = "callstacks"
	RegionPages          = "pages"
	RegionEventStacks    = "eventstacks"
	RegionEventCodeAddrs = "eventcodeaddrs"
	RegionExtensions     = "extensions"
	RegionParsers        = "parsers"
)

// Name is appended to the parser list of a log re-iterated as a source.
const Name = "tracelog"

// EncodeMetadata encodes the session metadata, parsers excluded.
func EncodeMetadata(md event.SessionMetadata) []byte {
	var e region.Encoder
	e.Varint(md.StartTime)
	e.Varint(md.FirstEventTime)
	e.Varint(md.EndTime)
	e.Uvarint(uint64(md.PointerSize))
	e.Uvarint(uint64(md.ProcessorCount))
	e.Uvarint(md.LostEvents)
	e.String(md.MachineName)
	e.Uvarint(md.MemorySizeMB)
	return e.Bytes()
}

func DecodeMetadata(b []byte) (event.SessionMetadata, error) {
	d := region.NewDecoder(b)
	md := event.SessionMetadata{
		StartTime:      d.Varint(),
		FirstEventTime: d.Varint(),
		EndTime:        d.Varint(),
		PointerSize:    uint8(d.Uvarint()),
		ProcessorCount: uint16(d.Uvarint()),
		LostEvents:     d.Uvarint(),
		MachineName:    d.String(),
		MemorySizeMB:   d.Uvarint(),
	}
	if err := d.Err(); err != nil {
		return event.SessionMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if md.PointerSize != 4 && md.PointerSize != 8 {
		return event.SessionMetadata{}, fmt.Errorf("pointer size %d: %w", md.PointerSize, region.ErrCorruptHeader)
	}
	return md, nil
}

// EncodeExtensions encodes the key/value area in key order.
func EncodeExtensions(kv map[string]string) []byte {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var e region.Encoder
	e.Count(len(keys))
	for _, k := range keys {
		e.String(k)
		e.String(kv[k])
	}
	e.Count(len(keys))
	return e.Bytes()
}

func DecodeExtensions(b []byte) (map[string]string, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	kv := make(map[string]string, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		k := d.String()
		kv[k] = d.String()
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode extensions: %w", err)
	}
	return kv, nil
}

func EncodeParsers(parsers []string) []byte {
	var e region.Encoder
	e.Count(len(parsers))
	for _, p := range parsers {
		e.String(p)
	}
	e.Count(len(parsers))
	return e.Bytes()
}

func DecodeParsers(b []byte) ([]string, error) {
	d := region.NewDecoder(b)
	n := d.Count()
	parsers := make([]string, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		parsers = append(parsers, d.String())
	}
	d.CheckCount(n)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode parsers: %w", err)
	}
	return parsers, nil
}
