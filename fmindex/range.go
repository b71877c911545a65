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

package fmindex

import "fmt"

// Range is a half open interval [Lo, Hi) of suffix array rows.  Every row in
// the interval is a suffix that starts with the pattern searched so far.  An
// empty Range (Lo == Hi) means the pattern does not occur; it is a normal
// outcome that ends a search path, not an error.
type Range struct {
	Lo, Hi uint64
}

// Len returns the number of suffixes in the range.
func (r Range) Len() uint64 {
	if r.Hi < r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Empty reports whether the range holds no suffix.
func (r Range) Empty() bool {
	return r.Hi <= r.Lo
}

// Contains reports whether row lies inside the range.
func (r Range) Contains(row uint64) bool {
	return row >= r.Lo && row < r.Hi
}

// String returns a human readable description of the receiver.
func (r Range) String() string {
	return fmt.Sprintf("[%d-%d)", r.Lo, r.Hi)
}
