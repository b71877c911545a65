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

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/googlegenomics/sigmap/internal/binary"
)

var indexMagic = []byte{'S', 'F', 'M', 'I', 1}

const (
	// The largest text accepted by Read.  This is just to prevent arbitrarily
	// large allocations due to malformed data.
	maximumTextLength = 1 << 36

	maximumContigs = 1 << 24
)

// IndexLoadError is returned when an index file is missing, truncated or
// inconsistent.
type IndexLoadError struct {
	Err error
}

func (err *IndexLoadError) Error() string {
	return fmt.Sprintf("loading index: %v", err.Err)
}

func (err *IndexLoadError) Unwrap() error {
	return err.Err
}

// Write serializes idx to w.  The format is:
//
//	magic "SFMI\x01"
//	uint64 text length, uint64 sample rate
//	uint32 contig count, then per contig: name, uint32 length
//	snappy block holding the BWT
//	uint64 word count, then the sample bitvector
//	uint64 sample count, then the sampled suffix array values
//
// All integers are little endian.
func (idx *Index) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(indexMagic); err != nil {
		return fmt.Errorf("writing magic: %v", err)
	}
	if err := binary.Write(bw, []uint64{idx.n, idx.sampleRate}); err != nil {
		return fmt.Errorf("writing header: %v", err)
	}
	if err := binary.Write(bw, uint32(len(idx.contigs))); err != nil {
		return fmt.Errorf("writing contig count: %v", err)
	}
	for _, contig := range idx.contigs {
		if err := binary.WriteString(bw, contig.Name); err != nil {
			return fmt.Errorf("writing contig name: %v", err)
		}
		if err := binary.Write(bw, contig.Length); err != nil {
			return fmt.Errorf("writing contig length: %v", err)
		}
	}
	if err := binary.WriteBlock(bw, idx.bwt); err != nil {
		return fmt.Errorf("writing BWT: %v", err)
	}
	for _, table := range [][]uint64{idx.marked, idx.samples} {
		if err := binary.Write(bw, uint64(len(table))); err != nil {
			return fmt.Errorf("writing table length: %v", err)
		}
		if err := binary.Write(bw, table); err != nil {
			return fmt.Errorf("writing table: %v", err)
		}
	}
	return bw.Flush()
}

// Read parses an index written by Write.  Every failure is reported as an
// *IndexLoadError.
func Read(r io.Reader) (*Index, error) {
	idx, err := read(bufio.NewReader(r))
	if err != nil {
		return nil, &IndexLoadError{err}
	}
	return idx, nil
}

func read(r io.Reader) (*Index, error) {
	if err := binary.ExpectBytes(r, indexMagic); err != nil {
		return nil, err
	}
	var header [2]uint64
	if err := binary.Read(r, &header); err != nil {
		return nil, fmt.Errorf("reading header: %v", err)
	}
	idx := &Index{n: header[0], sampleRate: header[1]}
	if idx.n < 2 || idx.n > maximumTextLength {
		return nil, fmt.Errorf("invalid text length %d", idx.n)
	}
	if idx.sampleRate < 1 || idx.sampleRate > idx.n {
		return nil, fmt.Errorf("invalid sample rate %d", idx.sampleRate)
	}

	var count uint32
	if err := binary.Read(r, &count); err != nil {
		return nil, fmt.Errorf("reading contig count: %v", err)
	}
	if count == 0 || count > maximumContigs {
		return nil, fmt.Errorf("invalid contig count %d", count)
	}
	var offset uint64
	for i := uint32(0); i < count; i++ {
		name, err := binary.ReadString(r)
		if err != nil {
			return nil, fmt.Errorf("reading contig %d: %v", i, err)
		}
		var length uint32
		if err := binary.Read(r, &length); err != nil {
			return nil, fmt.Errorf("reading contig %d length: %v", i, err)
		}
		if length == 0 {
			return nil, fmt.Errorf("contig %q is empty", name)
		}
		idx.contigs = append(idx.contigs, Contig{Name: name, Length: length, offset: offset})
		offset += 2*uint64(length) + 2
	}
	if offset+1 != idx.n {
		return nil, fmt.Errorf("contigs cover %d symbols, text has %d", offset+1, idx.n)
	}

	bwt, err := binary.ReadBlock(r)
	if err != nil {
		return nil, fmt.Errorf("reading BWT: %v", err)
	}
	if uint64(len(bwt)) != idx.n {
		return nil, fmt.Errorf("BWT has %d symbols, want %d", len(bwt), idx.n)
	}
	ends, first := 0, uint64(0)
	for i, sym := range bwt {
		if sym >= sigma {
			return nil, fmt.Errorf("invalid symbol %d at BWT row %d", sym, i)
		}
		if sym == symEnd {
			ends++
			first = uint64(i)
		}
	}
	if ends != 1 {
		return nil, fmt.Errorf("BWT has %d terminators, want 1", ends)
	}
	idx.bwt = bwt

	if idx.marked, err = readTable(r, (idx.n+63)/64); err != nil {
		return nil, fmt.Errorf("reading sample bitvector: %v", err)
	}
	var marks uint64
	for _, word := range idx.marked {
		marks += uint64(bits.OnesCount64(word))
	}
	if idx.samples, err = readTable(r, marks); err != nil {
		return nil, fmt.Errorf("reading suffix array samples: %v", err)
	}
	for _, p := range idx.samples {
		if p >= idx.n || p%idx.sampleRate != 0 {
			return nil, fmt.Errorf("invalid suffix array sample %d", p)
		}
	}
	// The row of the whole text must be sampled or locate would not
	// terminate.
	if idx.marked[first/64]&(1<<(first%64)) == 0 {
		return nil, errors.New("text start is not sampled")
	}
	if rem := idx.n % 64; rem != 0 && idx.marked[len(idx.marked)-1]>>rem != 0 {
		return nil, errors.New("sample bitvector marks rows past the end")
	}
	idx.init()
	return idx, nil
}

// readTable reads a length prefixed []uint64 that must hold exactly want
// values.
func readTable(r io.Reader, want uint64) ([]uint64, error) {
	var length uint64
	if err := binary.Read(r, &length); err != nil {
		return nil, fmt.Errorf("reading length: %v", err)
	}
	if length != want {
		return nil, fmt.Errorf("got %d values, want %d", length, want)
	}
	table := make([]uint64, length)
	if err := binary.Read(r, table); err != nil {
		return nil, err
	}
	return table, nil
}
