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

// ExtendWithin extends r by base, substituting another base when the exact
// extension is empty and edits is below budget.  The substitute is the
// alternative with the most occurrences.  It returns the new range, the base
// actually used and the updated edit count; the range is empty when neither
// the exact base nor an affordable substitute occurs.
func (idx *Index) ExtendWithin(r Range, base uint8, edits, budget int) (Range, uint8, int) {
	if next := idx.Extend(r, base); !next.Empty() {
		return next, base, edits
	}
	if edits >= budget {
		return Range{}, base, edits
	}
	var (
		best     Range
		bestBase = base
	)
	for alt := uint8(0); alt < 4; alt++ {
		if alt == base&3 {
			continue
		}
		if next := idx.Extend(r, alt); next.Len() > best.Len() {
			best, bestBase = next, alt
		}
	}
	if best.Empty() {
		return Range{}, base, edits
	}
	return best, bestBase, edits + 1
}
