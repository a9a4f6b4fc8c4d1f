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

package event

import "strconv"

// Opcode identifies the category of a record.
type Opcode uint16

const (
	OpGeneric Opcode = iota

	OpProcessStart
	OpProcessEnd
	OpProcessDCStart
	OpProcessDCEnd

	OpThreadStart
	OpThreadEnd
	OpThreadDCStart
	OpThreadDCEnd

	OpImageLoad
	OpImageUnload
	OpImageDCStart
	OpImageDCEnd

	OpMethodLoad
	OpMethodUnload

	OpStackWalk
	OpSampledProfile

	OpCollectionStart
	OpCollectionStop
	OpSteadyStateStart

	opcodeCount
)

var opcodeNames = [...]string{
	OpGeneric:          "Generic",
	OpProcessStart:     "ProcessStart",
	OpProcessEnd:       "ProcessEnd",
	OpProcessDCStart:   "ProcessDCStart",
	OpProcessDCEnd:     "ProcessDCEnd",
	OpThreadStart:      "ThreadStart",
	OpThreadEnd:        "ThreadEnd",
	OpThreadDCStart:    "ThreadDCStart",
	OpThreadDCEnd:      "ThreadDCEnd",
	OpImageLoad:        "ImageLoad",
	OpImageUnload:      "ImageUnload",
	OpImageDCStart:     "ImageDCStart",
	OpImageDCEnd:       "ImageDCEnd",
	OpMethodLoad:       "MethodLoad",
	OpMethodUnload:     "MethodUnload",
	OpStackWalk:        "StackWalk",
	OpSampledProfile:   "SampledProfile",
	OpCollectionStart:  "CollectionStart",
	OpCollectionStop:   "CollectionStop",
	OpSteadyStateStart: "SteadyStateStart",
}

func (o Opcode) String() string {
	if o < opcodeCount {
		return opcodeNames[o]
	}
	return "Opcode(" + strconv.Itoa(int(o)) + ")"
}

// IsRundown reports whether o is part of a start-of-trace or end-of-trace
// snapshot of existing processes, threads and images.
func (o Opcode) IsRundown() bool {
	switch o {
	case OpProcessDCStart, OpProcessDCEnd, OpThreadDCStart, OpThreadDCEnd, OpImageDCStart, OpImageDCEnd:
		return true
	}
	return false
}

// IsStartBookkeeping reports whether o announces a process, thread or image
// that later records may refer to.
func (o Opcode) IsStartBookkeeping() bool {
	switch o {
	case OpProcessStart, OpProcessDCStart, OpThreadStart, OpThreadDCStart, OpImageLoad, OpImageDCStart:
		return true
	}
	return false
}
