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

// Package fmindex provides a compressed full-text index over a reference
// genome and both of its strands.
//
// The index is built over the text T = reverse(S) + '$' where S concatenates,
// for every contig, its forward sequence, a separator, its reverse complement
// and another separator.  Because T is reversed, narrowing a Range by one base
// with Extend appends that base to the end of the pattern: k-mers can be
// matched in the order they are read from the pore.
package fmindex

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/googlegenomics/sigmap/genomics"
)

// Text symbols.  Bases are stored as their two bit code plus symBase.
const (
	symEnd  = 0
	symSep  = 1
	symBase = 2
	sigma   = 6
)

const (
	// Occurrence counts are stored for every checkpointInterval rows of the
	// BWT.
	checkpointInterval = 64

	// DefaultSampleRate is the suffix array sampling rate used by Build.
	DefaultSampleRate = 8
)

// Sequence is a named contig given to Build.
type Sequence struct {
	Name  string
	Bases []byte
}

// Contig describes one reference sequence of an Index.
type Contig struct {
	Name   string
	Length uint32

	// offset is the position of the first forward base in S.  The reverse
	// complement starts at offset+Length+1.
	offset uint64
}

// Hit is one occurrence of a pattern.  End is the inclusive position of the
// last pattern base in the coordinates of the matched strand: position 0 of
// the reverse strand is the complement of the last forward base.
type Hit struct {
	Contig int
	Strand genomics.Strand
	End    uint32
}

// Index is an FM index.  It is immutable once built or read and safe for
// concurrent use.
type Index struct {
	contigs []Contig

	// n is the length of T, including the terminating '$'.
	n   uint64
	bwt []byte

	// c[s] is the number of symbols in T smaller than s.
	c [sigma + 1]uint64

	// occ[i*sigma+s] is the number of s in bwt[:i*checkpointInterval].
	occ []uint64

	sampleRate uint64
	// marked has a bit set for every row whose suffix array value is a
	// multiple of sampleRate; samples holds those values in row order.
	marked  []uint64
	ranks   []uint64
	samples []uint64
}

// Build constructs an index over seqs.  Bases other than ACGT (in either case)
// are indexed as separators so no match can span them.
func Build(seqs []Sequence, sampleRate int) (*Index, error) {
	if len(seqs) == 0 {
		return nil, errors.New("no sequences")
	}
	if sampleRate < 1 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	idx := &Index{sampleRate: uint64(sampleRate)}

	var s []byte
	for _, seq := range seqs {
		if len(seq.Bases) == 0 {
			return nil, fmt.Errorf("contig %q is empty", seq.Name)
		}
		if uint64(len(seq.Bases)) > 1<<32-1 {
			return nil, fmt.Errorf("contig %q is too long (%d bases)", seq.Name, len(seq.Bases))
		}
		idx.contigs = append(idx.contigs, Contig{
			Name:   seq.Name,
			Length: uint32(len(seq.Bases)),
			offset: uint64(len(s)),
		})
		for _, b := range seq.Bases {
			s = append(s, symbol(b))
		}
		s = append(s, symSep)
		for i := len(seq.Bases) - 1; i >= 0; i-- {
			s = append(s, complement(symbol(seq.Bases[i])))
		}
		s = append(s, symSep)
	}

	text := make([]byte, len(s)+1)
	for i, sym := range s {
		text[len(s)-1-i] = sym
	}
	text[len(s)] = symEnd
	idx.n = uint64(len(text))

	sa := suffixArray(text)
	idx.bwt = make([]byte, idx.n)
	for row, p := range sa {
		if p == 0 {
			idx.bwt[row] = text[idx.n-1]
		} else {
			idx.bwt[row] = text[p-1]
		}
	}
	idx.marked = make([]uint64, (idx.n+63)/64)
	for row, p := range sa {
		if uint64(p)%idx.sampleRate == 0 {
			idx.marked[row/64] |= 1 << (uint(row) % 64)
			idx.samples = append(idx.samples, uint64(p))
		}
	}
	idx.init()
	return idx, nil
}

// init derives the count, checkpoint and rank tables from bwt and marked.
func (idx *Index) init() {
	var counts [sigma]uint64
	idx.occ = make([]uint64, 0, (idx.n/checkpointInterval+1)*sigma)
	for i, sym := range idx.bwt {
		if i%checkpointInterval == 0 {
			idx.occ = append(idx.occ, counts[:]...)
		}
		counts[sym]++
	}
	if idx.n%checkpointInterval == 0 {
		idx.occ = append(idx.occ, counts[:]...)
	}
	idx.c = [sigma + 1]uint64{}
	for s := 0; s < sigma; s++ {
		idx.c[s+1] = idx.c[s] + counts[s]
	}

	idx.ranks = make([]uint64, len(idx.marked))
	var total uint64
	for i, word := range idx.marked {
		idx.ranks[i] = total
		total += uint64(bits.OnesCount64(word))
	}
}

// Contigs returns the contigs of the index in build order.
func (idx *Index) Contigs() []Contig {
	return idx.contigs
}

// Len returns the number of symbols in the indexed text.
func (idx *Index) Len() uint64 {
	return idx.n
}

// FullRange returns the rows of every suffix starting with base (0-3 for
// A, C, G, T).
func (idx *Index) FullRange(base uint8) Range {
	s := symBase + base&3
	return Range{idx.c[s], idx.c[s+1]}
}

// Extend narrows r to the suffixes of the pattern followed by base.  The
// result is empty when the extended pattern does not occur.
func (idx *Index) Extend(r Range, base uint8) Range {
	if r.Empty() {
		return Range{}
	}
	s := symBase + base&3
	return Range{idx.c[s] + idx.rank(s, r.Lo), idx.c[s] + idx.rank(s, r.Hi)}
}

// Match returns the rows matching pattern exactly.
func (idx *Index) Match(pattern []byte) Range {
	if len(pattern) == 0 {
		return Range{0, idx.n}
	}
	var r Range
	for i, b := range pattern {
		code := baseCode(b)
		if code < 0 {
			return Range{}
		}
		if i == 0 {
			r = idx.FullRange(uint8(code))
		} else {
			r = idx.Extend(r, uint8(code))
		}
		if r.Empty() {
			return Range{}
		}
	}
	return r
}

// rank returns the number of s in bwt[:i].
func (idx *Index) rank(s byte, i uint64) uint64 {
	cp := i / checkpointInterval
	count := idx.occ[cp*sigma+uint64(s)]
	for j := cp * checkpointInterval; j < i; j++ {
		if idx.bwt[j] == s {
			count++
		}
	}
	return count
}

// locate returns the position in T of the suffix at row.
func (idx *Index) locate(row uint64) uint64 {
	var steps uint64
	for idx.marked[row/64]&(1<<(row%64)) == 0 {
		s := idx.bwt[row]
		row = idx.c[s] + idx.rank(s, row)
		steps++
	}
	word := idx.marked[row/64] & (1<<(row%64) - 1)
	sample := idx.samples[idx.ranks[row/64]+uint64(bits.OnesCount64(word))]
	return sample + steps
}

// Locate resolves row of a Range to the occurrence of the pattern it denotes.
// The pattern must be free of separators, which holds for every Range built
// with FullRange and Extend.
func (idx *Index) Locate(row uint64) (Hit, error) {
	if row >= idx.n {
		return Hit{}, fmt.Errorf("row %d out of range [0, %d)", row, idx.n)
	}
	p := idx.locate(row)
	// The suffix of T at p is the reversed prefix of S ending at end.
	sLen := idx.n - 1
	if p >= sLen {
		return Hit{}, fmt.Errorf("row %d is the terminator", row)
	}
	end := sLen - 1 - p
	i := sort.Search(len(idx.contigs), func(i int) bool {
		return idx.contigs[i].offset > end
	}) - 1
	if i < 0 {
		return Hit{}, fmt.Errorf("position %d precedes the first contig", end)
	}
	contig := idx.contigs[i]
	length := uint64(contig.Length)
	switch q := end - contig.offset; {
	case q < length:
		return Hit{Contig: i, Strand: genomics.Forward, End: uint32(q)}, nil
	case q > length && q <= 2*length:
		return Hit{Contig: i, Strand: genomics.Reverse, End: uint32(q - length - 1)}, nil
	}
	return Hit{}, fmt.Errorf("position %d is a separator of contig %q", end, contig.Name)
}

// Hits locates up to max rows of r, starting from r.Lo.  A max of zero or less
// locates every row.
func (idx *Index) Hits(r Range, max int) ([]Hit, error) {
	n := r.Len()
	if max > 0 && n > uint64(max) {
		n = uint64(max)
	}
	hits := make([]Hit, 0, n)
	for row := r.Lo; row < r.Lo+n; row++ {
		hit, err := idx.Locate(row)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// ForwardInterval converts the half open interval [start, end) on strand of
// contig i to the equivalent forward strand interval.
func (idx *Index) ForwardInterval(i int, strand genomics.Strand, start, end uint32) (uint32, uint32) {
	if strand != genomics.Reverse {
		return start, end
	}
	length := idx.contigs[i].Length
	return length - end, length - start
}

// Interval returns the forward strand locus of the half open interval
// [start, end) on strand of contig i.
func (idx *Index) Interval(i int, strand genomics.Strand, start, end uint32) genomics.Locus {
	lo, hi := idx.ForwardInterval(i, strand, start, end)
	return genomics.Locus{
		ReferenceID: int32(i),
		Name:        idx.contigs[i].Name,
		Start:       lo,
		End:         hi,
		Strand:      strand,
	}
}

// Locus returns the forward strand locus covered by a pattern of length bases
// whose occurrence is hit.
func (idx *Index) Locus(hit Hit, length uint32) genomics.Locus {
	var start uint32
	if length <= hit.End+1 {
		start = hit.End + 1 - length
	}
	return idx.Interval(hit.Contig, hit.Strand, start, hit.End+1)
}

func baseCode(b byte) int {
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

func symbol(b byte) byte {
	code := baseCode(b)
	if code < 0 {
		return symSep
	}
	return symBase + byte(code)
}

func complement(s byte) byte {
	if s < symBase {
		return s
	}
	return symBase + (3 - (s - symBase))
}

// suffixArray sorts the suffixes of text by prefix doubling.  text must end
// with a unique smallest symbol.
func suffixArray(text []byte) []int {
	n := len(text)
	sa := make([]int, n)
	rank := make([]int, n)
	next := make([]int, n)
	for i := range sa {
		sa[i] = i
		rank[i] = int(text[i])
	}
	for k := 1; ; k <<= 1 {
		second := func(i int) int {
			if i+k < n {
				return rank[i+k]
			}
			return -1
		}
		less := func(a, b int) bool {
			if rank[a] != rank[b] {
				return rank[a] < rank[b]
			}
			return second(a) < second(b)
		}
		sort.Slice(sa, func(i, j int) bool { return less(sa[i], sa[j]) })
		next[sa[0]] = 0
		for i := 1; i < n; i++ {
			next[sa[i]] = next[sa[i-1]]
			if less(sa[i-1], sa[i]) {
				next[sa[i]]++
			}
		}
		copy(rank, next)
		if rank[sa[n-1]] == n-1 {
			return sa
		}
	}
}
