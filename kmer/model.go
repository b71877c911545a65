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

package kmer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ModelLoadError is returned when a model file cannot be parsed.  A model that
// fails to load is fatal: no read can be mapped without one.
type ModelLoadError struct {
	// Line is the 1 based line number of the offending entry, or zero when
	// the problem concerns the file as a whole.
	Line int
	Err  error
}

func (err *ModelLoadError) Error() string {
	if err.Line > 0 {
		return fmt.Sprintf("loading k-mer model: line %d: %v", err.Line, err.Err)
	}
	return fmt.Sprintf("loading k-mer model: %v", err.Err)
}

func (err *ModelLoadError) Unwrap() error {
	return err.Err
}

// Entry is the expected signal level of one k-mer.
type Entry struct {
	Mean, Stdv float32
}

// Model maps every k-mer to its expected signal level.  A Model is immutable
// once constructed and safe for concurrent use.
type Model struct {
	k       int
	entries []Entry

	// Per k-mer constants of the normal log density.
	logNorm []float32
	invVar2 []float32

	median, mad float32
}

// NewModel returns a Model over k-mers of length k.  entries must hold one
// Entry per k-mer, indexed by Key.
func NewModel(k int, entries []Entry) (*Model, error) {
	if k < 1 || k > MaxK {
		return nil, &ModelLoadError{Err: fmt.Errorf("unsupported k %d", k)}
	}
	if got, want := len(entries), Count(k); got != want {
		return nil, &ModelLoadError{Err: fmt.Errorf("got %d entries, want %d for k=%d", got, want, k)}
	}
	model := &Model{
		k:       k,
		entries: make([]Entry, len(entries)),
		logNorm: make([]float32, len(entries)),
		invVar2: make([]float32, len(entries)),
	}
	copy(model.entries, entries)

	means := make([]float64, len(entries))
	for i, e := range entries {
		if !finite(e.Mean) || !finite(e.Stdv) || e.Stdv <= 0 {
			return nil, &ModelLoadError{Err: fmt.Errorf("k-mer %s has invalid level (%v, %v)", Unpack(Key(i), k), e.Mean, e.Stdv)}
		}
		stdv := float64(e.Stdv)
		model.logNorm[i] = float32(-math.Log(stdv * math.Sqrt(2*math.Pi)))
		model.invVar2[i] = float32(1 / (2 * stdv * stdv))
		means[i] = float64(e.Mean)
	}
	median, mad := MedianMAD(means)
	if mad <= 0 {
		return nil, &ModelLoadError{Err: errors.New("k-mer levels have no spread")}
	}
	model.median, model.mad = float32(median), float32(mad)
	return model, nil
}

// K returns the k-mer length of the model.
func (m *Model) K() int { return m.k }

// Count returns the number of k-mers in the model.
func (m *Model) Count() int { return len(m.entries) }

// Median returns the median expected level over all k-mers.
func (m *Model) Median() float32 { return m.median }

// MAD returns the median absolute deviation of the expected levels.
func (m *Model) MAD() float32 { return m.mad }

// Entry returns the expected level of key.  The second result is false for
// NoMatch and out of range keys.
func (m *Model) Entry(key Key) (Entry, bool) {
	if int64(key) >= int64(len(m.entries)) {
		return Entry{}, false
	}
	return m.entries[key], true
}

// LogProb returns the log density of observing level given key.  Keys that are
// not in the model yield negative infinity.
func (m *Model) LogProb(key Key, level float32) float32 {
	if int64(key) >= int64(len(m.entries)) {
		return float32(math.Inf(-1))
	}
	d := level - m.entries[key].Mean
	return m.logNorm[key] - d*d*m.invVar2[key]
}

// LogProbs fills dst with LogProb(key, level) for every key and returns it,
// allocating when dst is too small.
func (m *Model) LogProbs(level float32, dst []float32) []float32 {
	if cap(dst) < len(m.entries) {
		dst = make([]float32, len(m.entries))
	}
	dst = dst[:len(m.entries)]
	for i, e := range m.entries {
		d := level - e.Mean
		dst[i] = m.logNorm[i] - d*d*m.invVar2[i]
	}
	return dst
}

// Key returns the key of the first K bases of seq.
func (m *Model) Key(seq []byte) Key {
	if len(seq) < m.k {
		return NoMatch
	}
	return Pack(seq[:m.k])
}

// Levels returns the expected level of every k-mer of seq in order.  K-mers
// with ambiguous bases are reported as NaN.
func (m *Model) Levels(seq []byte) []float32 {
	if len(seq) < m.k {
		return nil
	}
	levels := make([]float32, 0, len(seq)-m.k+1)
	for i := 0; i+m.k <= len(seq); i++ {
		e, ok := m.Entry(Pack(seq[i : i+m.k]))
		if !ok {
			levels = append(levels, float32(math.NaN()))
			continue
		}
		levels = append(levels, e.Mean)
	}
	return levels
}

// Read parses a model from r.  The format is one k-mer per line: the k-mer,
// its mean level and its level standard deviation separated by whitespace.
// Further columns are ignored, as are blank lines, lines starting with '#'
// and a header line whose first column is "kmer".
func Read(r io.Reader) (*Model, error) {
	var (
		k       int
		entries []Entry
		seen    []bool
		line    int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if strings.EqualFold(fields[0], "kmer") {
			continue
		}
		if len(fields) < 3 {
			return nil, &ModelLoadError{line, fmt.Errorf("expected at least 3 columns, got %d", len(fields))}
		}
		if k == 0 {
			k = len(fields[0])
			if k > MaxK {
				return nil, &ModelLoadError{line, fmt.Errorf("k-mer %q longer than %d", fields[0], MaxK)}
			}
			entries = make([]Entry, Count(k))
			seen = make([]bool, Count(k))
		}
		if len(fields[0]) != k {
			return nil, &ModelLoadError{line, fmt.Errorf("k-mer %q is not of length %d", fields[0], k)}
		}
		key := Pack([]byte(fields[0]))
		if key == NoMatch {
			return nil, &ModelLoadError{line, fmt.Errorf("k-mer %q has ambiguous bases", fields[0])}
		}
		if seen[key] {
			return nil, &ModelLoadError{line, fmt.Errorf("duplicate k-mer %q", fields[0])}
		}
		mean, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return nil, &ModelLoadError{line, fmt.Errorf("parsing mean: %v", err)}
		}
		stdv, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return nil, &ModelLoadError{line, fmt.Errorf("parsing stdv: %v", err)}
		}
		entries[key] = Entry{float32(mean), float32(stdv)}
		seen[key] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, &ModelLoadError{Err: fmt.Errorf("reading: %v", err)}
	}
	if k == 0 {
		return nil, &ModelLoadError{Err: errors.New("no k-mers")}
	}
	missing := 0
	for _, ok := range seen {
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		return nil, &ModelLoadError{Err: fmt.Errorf("missing %d of %d k-mers", missing, len(seen))}
	}
	return NewModel(k, entries)
}

// Write writes m in the format accepted by Read.
func (m *Model) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "kmer\tlevel_mean\tlevel_stdv\n")
	for i, e := range m.entries {
		fmt.Fprintf(bw, "%s\t%s\t%s\n", Unpack(Key(i), m.k),
			strconv.FormatFloat(float64(e.Mean), 'g', -1, 32),
			strconv.FormatFloat(float64(e.Stdv), 'g', -1, 32))
	}
	return bw.Flush()
}

// MedianMAD returns the median of values and the median absolute deviation
// from it.  values is not modified.
func MedianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := middle(sorted)
	for i, v := range sorted {
		sorted[i] = math.Abs(v - median)
	}
	sort.Float64s(sorted)
	return median, middle(sorted)
}

func middle(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
