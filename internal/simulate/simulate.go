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

// Package simulate produces deterministic references, pore models and
// noise-free raw signal for exercising the mapping pipeline.
package simulate

import (
	"math/rand"

	"github.com/googlegenomics/sigmap/kmer"
)

// Model returns a model over k-mers of length k whose mean levels are drawn
// uniformly from [lo, hi) and whose spreads all equal stdv.
func Model(seed int64, k int, lo, hi, stdv float32) *kmer.Model {
	rng := rand.New(rand.NewSource(seed))
	entries := make([]kmer.Entry, kmer.Count(k))
	for i := range entries {
		entries[i] = kmer.Entry{Mean: lo + (hi-lo)*rng.Float32(), Stdv: stdv}
	}
	model, err := kmer.NewModel(k, entries)
	if err != nil {
		panic(err)
	}
	return model
}

// Reference returns n random bases.
func Reference(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	seq := make([]byte, n)
	for i := range seq {
		seq[i] = "ACGT"[rng.Intn(4)]
	}
	return seq
}

// ReverseComplement returns the reverse complement of seq.
func ReverseComplement(seq []byte) []byte {
	out := make([]byte, len(seq))
	for i, b := range seq {
		var c byte
		switch b {
		case 'A':
			c = 'T'
		case 'C':
			c = 'G'
		case 'G':
			c = 'C'
		case 'T':
			c = 'A'
		default:
			c = 'N'
		}
		out[len(seq)-1-i] = c
	}
	return out
}

// Signal returns the samples a pore would produce for seq with no noise: the
// expected level of every k-mer repeated dwell times.
func Signal(model *kmer.Model, seq []byte, dwell int) []float32 {
	levels := model.Levels(seq)
	samples := make([]float32, 0, len(levels)*dwell)
	for _, level := range levels {
		for i := 0; i < dwell; i++ {
			samples = append(samples, level)
		}
	}
	return samples
}

// Split cuts samples into consecutive chunks of at most size samples.
func Split(samples []float32, size int) [][]float32 {
	var chunks [][]float32
	for len(samples) > size {
		chunks = append(chunks, samples[:size:size])
		samples = samples[size:]
	}
	return append(chunks, samples)
}

// SplitRandom cuts samples into consecutive chunks with sizes drawn uniformly
// from [1, max].
func SplitRandom(seed int64, samples []float32, max int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	var chunks [][]float32
	for len(samples) > 0 {
		n := 1 + rng.Intn(max)
		if n > len(samples) {
			n = len(samples)
		}
		chunks = append(chunks, samples[:n:n])
		samples = samples[n:]
	}
	return chunks
}
