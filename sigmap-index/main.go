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

// This binary builds the reference index used by sigmap-server from one or
// more FASTA files.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/googlegenomics/sigmap/fmindex"
)

var (
	fastaFiles = flag.String("fasta", "", "comma-separated list of FASTA files holding the reference contigs")
	output     = flag.String("out", "", "index file to write")
	sampleRate = flag.Int("sample_rate", fmindex.DefaultSampleRate, "suffix array sampling rate")
	verbose    = flag.Bool("v", false, "log every contig")
)

func main() {
	flag.Parse()
	if *fastaFiles == "" || *output == "" {
		log.Fatal("You must specify both -fasta and -out.")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	start := time.Now()
	var (
		seqs  []fmindex.Sequence
		bases uint64
	)
	for _, path := range strings.Split(*fastaFiles, ",") {
		contigs, err := readFASTA(path)
		if err != nil {
			log.Fatalf("Reading %s: %v", path, err)
		}
		for _, c := range contigs {
			bases += uint64(len(c.Bases))
		}
		seqs = append(seqs, contigs...)
	}
	log.Infof("Read %d contigs (%s bases) in %v", len(seqs), humanize.Comma(int64(bases)), time.Since(start))

	start = time.Now()
	idx, err := fmindex.Build(seqs, *sampleRate)
	if err != nil {
		log.Fatalf("Building index: %v", err)
	}
	log.Infof("Built index over %s symbols in %v", humanize.Comma(int64(idx.Len())), time.Since(start))

	size, err := writeIndex(idx, *output)
	if err != nil {
		log.Fatalf("Writing %s: %v", *output, err)
	}
	log.Infof("Wrote %s (%s)", *output, humanize.Bytes(uint64(size)))
}

func readFASTA(path string) ([]fmindex.Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		seqs   []fmindex.Sequence
		reader = fasta.NewReader(bufio.NewReader(f), linear.NewSeq("", nil, alphabet.DNA))
	)
	for {
		s, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		l := s.(*linear.Seq)
		bases := make([]byte, len(l.Seq))
		for i, v := range l.Seq {
			bases[i] = byte(v)
		}
		name := l.Name()
		if name == "" {
			return nil, fmt.Errorf("contig %d has no name", len(seqs))
		}
		log.Debugf("Contig %s: %s bases", name, humanize.Comma(int64(len(bases))))
		seqs = append(seqs, fmindex.Sequence{Name: name, Bases: bases})
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no contigs in %s", path)
	}
	return seqs, nil
}

func writeIndex(idx *fmindex.Index, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := idx.Write(f); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}
