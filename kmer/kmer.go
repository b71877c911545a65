// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kmer provides packed k-mer keys and the pore model that maps each
// k-mer to its expected signal level.
package kmer

import (
	"math"
	"strings"
)

// MaxK is the longest k-mer that fits in a Key.
const MaxK = 12

// Key is a k-mer packed two bits per base, first base in the most significant
// position.  A=0, C=1, G=2, T=3.
type Key uint32

// NoMatch is the key used for k-mers containing anything other than ACGT.  It
// never matches a model entry.
const NoMatch = Key(math.MaxUint32)

const alphabet = "ACGT"

// BaseIndex returns the two bit code for b, or -1 if b is not an unambiguous
// base.
func BaseIndex(b byte) int {
	switch b {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	}
	return -1
}

// Pack returns the key for seq, or NoMatch if seq is too long or contains an
// ambiguous base.
func Pack(seq []byte) Key {
	if len(seq) == 0 || len(seq) > MaxK {
		return NoMatch
	}
	var key Key
	for _, b := range seq {
		i := BaseIndex(b)
		if i < 0 {
			return NoMatch
		}
		key = key<<2 | Key(i)
	}
	return key
}

// Unpack returns the k bases encoded by key.
func Unpack(key Key, k int) string {
	if key == NoMatch {
		return strings.Repeat("N", k)
	}
	out := make([]byte, k)
	for i := k - 1; i >= 0; i-- {
		out[i] = alphabet[key&3]
		key >>= 2
	}
	return string(out)
}

// Next returns the k-mer that follows key when base is appended.
func Next(key Key, base uint8, k int) Key {
	if key == NoMatch {
		return NoMatch
	}
	return (key<<2 | Key(base&3)) & mask(k)
}

// Last returns the final base of key.
func Last(key Key) uint8 {
	return uint8(key & 3)
}

// First returns the first base of a k-mer.
func First(key Key, k int) uint8 {
	return uint8(key>>(2*uint(k-1))) & 3
}

// Base returns base i (0 based, from the 5' end) of key.
func Base(key Key, i, k int) uint8 {
	return uint8(key>>(2*uint(k-1-i))) & 3
}

// ReverseComplement returns the key of the reverse complement of key.
func ReverseComplement(key Key, k int) Key {
	if key == NoMatch {
		return NoMatch
	}
	var rc Key
	for i := 0; i < k; i++ {
		rc = rc<<2 | (key&3 ^ 3)
		key >>= 2
	}
	return rc
}

// Count returns the number of distinct k-mers of length k.
func Count(k int) int {
	return 1 << (2 * uint(k))
}

func mask(k int) Key {
	return Key(Count(k) - 1)
}
