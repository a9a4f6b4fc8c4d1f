// Copyright 2021-2024 The Parca Authors
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

// Package hash computes the checksums stored next to every region of an
// indexed log.
package hash

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/minio/highwayhash"
)

// The key is part of the file format: changing it invalidates every
// checksum written so far.
var key = mustDecode("7061726361207472616365206c6f6720726567696f6e20636865636b73756d21")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// Bytes returns the checksum of b.
func Bytes(b []byte) uint64 {
	return highwayhash.Sum64(b, key)
}

// Reader returns the checksum of everything read from r.
func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, r)
	return h.Sum64(), err
}
