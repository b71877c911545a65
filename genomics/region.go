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

// Package genomics contains definitions related to Genomic data.
package genomics

import "fmt"

// AllReferences defines a Region that matches every reference position.
var AllReferences = Region{ReferenceID: -1}

// Region defines a region of genomic interest.
type Region struct {
	// ReferenceID specifies the reference to match.  If it is negative, any
	// reference matches the region.
	ReferenceID int32
	// Start and End specify the open range (in base pairs) relative to the
	// reference.  If End is zero, it is treated as though it was set to the last
	// possible position.
	Start, End uint32
}

func (region Region) String() string {
	return fmt.Sprintf("[region:%d, start:%d, end:%d]", region.ReferenceID, region.Start, region.End)
}

// Overlaps reports whether any base of locus falls inside region.
func (region Region) Overlaps(locus Locus) bool {
	if region.ReferenceID >= 0 && region.ReferenceID != locus.ReferenceID {
		return false
	}
	if region.End != 0 && locus.Start >= region.End {
		return false
	}
	return locus.End > region.Start
}

// Strand is the reference strand a read was matched against.
type Strand int8

const (
	Forward Strand = 1
	Reverse Strand = -1
)

func (s Strand) String() string {
	switch s {
	case Forward:
		return "+"
	case Reverse:
		return "-"
	}
	return "."
}

// Locus identifies a stretch of reference bases on one strand.  Start and End
// form a half open interval on the forward strand regardless of Strand.
type Locus struct {
	ReferenceID int32  `json:"reference_id"`
	Name        string `json:"name"`
	Start       uint32 `json:"start"`
	End         uint32 `json:"end"`
	Strand      Strand `json:"strand"`
}

func (locus Locus) String() string {
	return fmt.Sprintf("%s:%d-%d(%s)", locus.Name, locus.Start, locus.End, locus.Strand)
}

// Disjoint reports whether two loci share no reference base.  Loci on
// different strands of the same interval are not disjoint.
func (locus Locus) Disjoint(other Locus, slack uint32) bool {
	if locus.ReferenceID != other.ReferenceID {
		return true
	}
	return locus.End+slack <= other.Start || other.End+slack <= locus.Start
}
