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

package mapper

import (
	"errors"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/kmer"
)

// Reference is the read-only state shared by every Mapper: the index, the
// k-mer model and the index range of every k-mer.
type Reference struct {
	index  *fmindex.Index
	model  *kmer.Model
	ranges []fmindex.Range
}

// NewReference precomputes the range of every k-mer of model in index.
func NewReference(index *fmindex.Index, model *kmer.Model) (*Reference, error) {
	if index == nil || model == nil {
		return nil, errors.New("missing index or model")
	}
	ref := &Reference{
		index:  index,
		model:  model,
		ranges: make([]fmindex.Range, model.Count()),
	}
	for b := uint8(0); b < 4; b++ {
		ref.fill(kmer.Key(b), 1, index.FullRange(b))
	}
	return ref, nil
}

// fill records the ranges of every k-mer starting with the depth bases of
// key, whose range is r.
func (ref *Reference) fill(key kmer.Key, depth int, r fmindex.Range) {
	if r.Empty() {
		return
	}
	if depth == ref.model.K() {
		ref.ranges[key] = r
		return
	}
	for b := uint8(0); b < 4; b++ {
		ref.fill(key<<2|kmer.Key(b), depth+1, ref.index.Extend(r, b))
	}
}

// Index returns the reference index.
func (ref *Reference) Index() *fmindex.Index { return ref.index }

// Model returns the k-mer model.
func (ref *Reference) Model() *kmer.Model { return ref.model }

// Range returns the rows of the index matching key.  It is empty for k-mers
// that do not occur.
func (ref *Reference) Range(key kmer.Key) fmindex.Range {
	if int64(key) >= int64(len(ref.ranges)) {
		return fmindex.Range{}
	}
	return ref.ranges[key]
}
