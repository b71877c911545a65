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
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/genomics"
	"github.com/googlegenomics/sigmap/internal/simulate"
	"github.com/googlegenomics/sigmap/kmer"
	"github.com/googlegenomics/sigmap/reads"
	"github.com/googlegenomics/sigmap/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	// repeatStart is the position of (ACGT)x10 in chr1.
	repeatStart = 5000
	repeatLen   = 40

	dwell = 8

	// The duplicated reference holds two copies of a long and of a short
	// segment.
	longFrom, longTo, longLen    = 1000, 6000, 900
	shortFrom, shortTo, shortLen = 11000, 15000, 300
)

var (
	fixtureOnce sync.Once
	fixtureRef  *Reference
	fixtureErr  error
	chr1        []byte

	dupOnce sync.Once
	dupRef  *Reference
	dupErr  error
	dupSeq  []byte
)

// testReference returns a reference over two random contigs, chr1 carrying a
// short tandem repeat.
func testReference(t *testing.T) *Reference {
	fixtureOnce.Do(func() {
		chr1 = simulate.Reference(11, 20000)
		for i := 0; i < repeatLen; i++ {
			chr1[repeatStart+i] = "ACGT"[i%4]
		}
		seqs := []fmindex.Sequence{
			{Name: "chr1", Bases: chr1},
			{Name: "chr2", Bases: simulate.Reference(12, 5000)},
		}
		var idx *fmindex.Index
		idx, fixtureErr = fmindex.Build(seqs, fmindex.DefaultSampleRate)
		if fixtureErr != nil {
			return
		}
		fixtureRef, fixtureErr = NewReference(idx, simulate.Model(13, 5, 50, 130, 2.5))
	})
	require.NoError(t, fixtureErr)
	return fixtureRef
}

// duplicatedReference returns a reference over one contig carrying two
// segments twice.
func duplicatedReference(t *testing.T) *Reference {
	dupOnce.Do(func() {
		dupSeq = simulate.Reference(41, 18000)
		copy(dupSeq[longTo:longTo+longLen], dupSeq[longFrom:longFrom+longLen])
		copy(dupSeq[shortTo:shortTo+shortLen], dupSeq[shortFrom:shortFrom+shortLen])
		var idx *fmindex.Index
		idx, dupErr = fmindex.Build([]fmindex.Sequence{{Name: "dup", Bases: dupSeq}}, fmindex.DefaultSampleRate)
		if dupErr != nil {
			return
		}
		dupRef, dupErr = NewReference(idx, simulate.Model(13, 5, 50, 130, 2.5))
	})
	require.NoError(t, dupErr)
	return dupRef
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Normalizer.Warmup = 400
	cfg.MaxChunks = 0
	return cfg
}

func newMapper(t *testing.T, cfg Config, readID string) *Mapper {
	return newMapperOn(t, testReference(t), cfg, readID)
}

func newMapperOn(t *testing.T, ref *Reference, cfg Config, readID string) *Mapper {
	m, err := New(ref, cfg)
	require.NoError(t, err)
	m.Reset(readID, 1)
	return m
}

// readSignal returns the noise-free signal of seq on a scale slightly off the
// model's.
func readSignal(model *kmer.Model, seq []byte) []float32 {
	samples := simulate.Signal(model, seq, dwell)
	for i := range samples {
		samples[i] = 0.9*samples[i] + 10
	}
	return samples
}

// run feeds chunks to m until the read terminates, ending the read after the
// last chunk.
func run(m *Mapper, chunks [][]float32) Result {
	for i, samples := range chunks {
		c := reads.Chunk{ReadID: m.ReadID(), Channel: 1, Number: uint32(i), Samples: samples}
		if result, done := m.Process(context.Background(), c); done {
			return result
		}
	}
	return m.EndRead(context.Background())
}

// withoutInput clears the fields of r that count the input received.
func withoutInput(r Result) Result {
	r.Chunks, r.Samples = 0, 0
	return r
}

// within reports whether locus lies inside [start, end) of chr1, give or take
// a few bases.
func within(locus genomics.Locus, start, end int) bool {
	const slack = 10
	return locus.ReferenceID == 0 && int(locus.Start)+slack >= start && int(locus.End) <= end+slack
}

func TestReference_Ranges(t *testing.T) {
	ref := testReference(t)
	k := ref.Model().K()
	for key := 0; key < kmer.Count(k); key++ {
		got, want := ref.Range(kmer.Key(key)), ref.Index().Match([]byte(kmer.Unpack(kmer.Key(key), k)))
		if got != want {
			t.Fatalf("Range(%s): got %v, want %v", kmer.Unpack(kmer.Key(key), k), got, want)
		}
	}
	if got := ref.Range(kmer.NoMatch); !got.Empty() {
		t.Errorf("Range(NoMatch): got %v, want empty", got)
	}
}

func TestSearcher_TruePath(t *testing.T) {
	ref := testReference(t)
	cfg := DefaultSearchConfig()
	s := newSearcher(ref, cfg)
	k := ref.Model().K()

	const start = 3000
	var probs []float32
	for e, level := range ref.Model().Levels(chr1[start : start+100]) {
		probs = ref.Model().LogProbs(level, probs)
		seeds, err := s.step(uint32(e), probs, nil)
		require.NoError(t, err)
		if e+1 < cfg.SeedLength {
			continue
		}
		want := uint32(start + e + k - 1)
		var found bool
		for _, sd := range seeds {
			if sd.Contig == 0 && sd.Strand == genomics.Forward && sd.RefEnd == want {
				found = true
				assert.Equal(t, uint32(e+1), sd.Events, "event %d: seed events", e)
				assert.Equal(t, uint32(e+k), sd.Bases, "event %d: seed bases", e)
			}
		}
		if !found {
			t.Fatalf("Event %d: no seed ending at %d among %d seeds", e, want, len(seeds))
		}
	}
	if s.live() == 0 {
		t.Errorf("No live paths after the true path")
	}
	s.reset()
	if s.live() != 0 {
		t.Errorf("Live paths after reset: %d", s.live())
	}
}

func TestMapper_NoiseFree(t *testing.T) {
	ref := testReference(t)
	m := newMapper(t, testConfig(), "")
	rng := rand.New(rand.NewSource(21))

	const (
		trials = 16
		length = 700
	)
	var mapped int
	for i := 0; i < trials; i++ {
		start := rng.Intn(len(chr1) - length)
		seq, strand := chr1[start:start+length], genomics.Forward
		if i%2 == 1 {
			seq, strand = simulate.ReverseComplement(seq), genomics.Reverse
		}
		m.Reset(fmt.Sprintf("read%d", i), 1)
		result := run(m, simulate.Split(readSignal(ref.Model(), seq), 2000))
		if result.Decision == DecisionAccept && result.State == StateConfidentMap &&
			result.Locus.Strand == strand && within(result.Locus, start, start+length) {
			mapped++
			continue
		}
		t.Logf("Read %d from %d%s: %v", i, start, strand, result)
	}
	if mapped*4 < trials*3 {
		t.Errorf("Mapped %d of %d noise-free reads, want at least 75%%", mapped, trials)
	}
}

func TestMapper_StreamingInvariance(t *testing.T) {
	ref := testReference(t)
	const start, length = 9000, 700
	samples := readSignal(ref.Model(), simulate.ReverseComplement(chr1[start:start+length]))

	whole := run(newMapper(t, testConfig(), "read"), [][]float32{samples})
	require.Equal(t, StateConfidentMap, whole.State, "whole read: %v", whole)
	assert.True(t, within(whole.Locus, start, start+length), "locus %v outside the source region", whole.Locus)

	testCases := []struct {
		name   string
		chunks [][]float32
	}{
		{"small chunks", simulate.Split(samples, 50)},
		{"device chunks", simulate.Split(samples, 2000)},
		{"random chunks", simulate.SplitRandom(5, samples, 3000)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := run(newMapper(t, testConfig(), "read"), tc.chunks)
			assert.Equal(t, withoutInput(whole), withoutInput(got))
		})
	}
}

func TestMapper_ChunkBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunks = 4
	m := newMapper(t, cfg, "empty")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if result, done := m.Process(ctx, reads.Chunk{ReadID: "empty", Number: uint32(i)}); done {
			t.Fatalf("Process(%d): terminated early with %v", i, result)
		}
		assert.Equal(t, StateBuffering, m.State())
	}
	result, done := m.Process(ctx, reads.Chunk{ReadID: "empty", Number: 3})
	require.True(t, done)
	assert.Equal(t, DecisionNotMapped, result.Decision)
	assert.Equal(t, StateNotMapped, result.State)
	assert.Equal(t, ReasonChunkBudget, result.Reason)
	assert.Equal(t, 4, result.Chunks)
	assert.Equal(t, StateDone, m.State())

	again, done := m.Process(ctx, reads.Chunk{ReadID: "empty", Number: 4, Samples: []float32{90}})
	assert.True(t, done)
	assert.Equal(t, result, again)
}

func TestMapper_EventBudget(t *testing.T) {
	ref := testReference(t)
	cfg := testConfig()
	cfg.Tracker.MaxEvents = 600
	m := newMapper(t, cfg, "foreign")

	samples := readSignal(ref.Model(), simulate.Reference(99, 900))
	result := run(m, [][]float32{samples})
	assert.Equal(t, DecisionNotMapped, result.Decision, "%v", result)
	assert.Equal(t, ReasonEventBudget, result.Reason)
	assert.Equal(t, 600, result.Events)
	assert.False(t, result.Mapped)
}

func TestMapper_ReadEnded(t *testing.T) {
	ref := testReference(t)
	m := newMapper(t, testConfig(), "short")
	// Too few events to finish warming up the normalizer.
	samples := readSignal(ref.Model(), chr1[100:300])
	_, done := m.Process(context.Background(), reads.Chunk{ReadID: "short", Samples: samples})
	require.False(t, done)

	result := m.EndRead(context.Background())
	assert.Equal(t, DecisionNotMapped, result.Decision)
	assert.Equal(t, ReasonReadEnded, result.Reason)
	assert.Equal(t, result, m.EndRead(context.Background()))
}

func TestMapper_Chimeric(t *testing.T) {
	ref := testReference(t)
	var seq []byte
	seq = append(seq, chr1[2000:2600]...)
	seq = append(seq, simulate.ReverseComplement(chr1[12000:12600])...)
	samples := readSignal(ref.Model(), seq)

	// Long enough for the second segment to settle before the first is
	// confirmed.
	cfg := testConfig()
	cfg.ConfirmEvents = 1000

	whole := run(newMapper(t, cfg, "chimera"), [][]float32{samples})
	require.Equal(t, StateChimeric, whole.State, "%v", whole)
	assert.Equal(t, DecisionAmbiguous, whole.Decision)
	assert.Equal(t, ReasonChimeric, whole.Reason)
	assert.False(t, whole.Mapped)
	assert.True(t, within(whole.Locus, 2000, 2600) || within(whole.Locus, 12000, 12600), "locus %v", whole.Locus)
	assert.NotEmpty(t, whole.Detail)

	for _, size := range []int{50, 2000} {
		t.Run(fmt.Sprintf("chunks of %d", size), func(t *testing.T) {
			got := run(newMapper(t, cfg, "chimera"), simulate.Split(samples, size))
			assert.Equal(t, withoutInput(whole), withoutInput(got))
		})
	}
}

func TestMapper_Ambiguous(t *testing.T) {
	ref := duplicatedReference(t)
	samples := readSignal(ref.Model(), dupSeq[longFrom+100:longFrom+800])
	inCopy := func(locus genomics.Locus) bool {
		return within(locus, longFrom, longFrom+longLen) || within(locus, longTo, longTo+longLen)
	}

	cfg := testConfig()
	cfg.ConfirmEvents = 1
	first := run(newMapperOn(t, ref, cfg, "copy"), simulate.Split(samples, 2000))
	require.Equal(t, StateAmbiguous, first.State, "%v", first)
	assert.Equal(t, DecisionAmbiguous, first.Decision)
	assert.Equal(t, ReasonAmbiguous, first.Reason)
	assert.False(t, first.Mapped)
	assert.True(t, inCopy(first.Locus), "locus %v", first.Locus)
	assert.NotEmpty(t, first.Detail)

	cfg.ConfirmEvents = 30
	confirmed := run(newMapperOn(t, ref, cfg, "copy"), simulate.Split(samples, 50))
	require.Equal(t, StateAmbiguous, confirmed.State, "%v", confirmed)
	assert.Equal(t, first.Events+29, confirmed.Events)

	// A window longer than the read leaves the report pending until the
	// read can receive no more events.
	cfg.ConfirmEvents = 100000
	ended := run(newMapperOn(t, ref, cfg, "copy"), [][]float32{samples})
	assert.Equal(t, StateAmbiguous, ended.State, "%v", ended)
	assert.Equal(t, ReasonAmbiguous, ended.Reason)

	cfg.MaxChunks = 1
	m := newMapperOn(t, ref, cfg, "copy")
	budget, done := m.Process(context.Background(), reads.Chunk{ReadID: "copy", Channel: 1, Samples: samples})
	require.True(t, done)
	assert.Equal(t, StateAmbiguous, budget.State, "%v", budget)
	assert.Equal(t, ReasonAmbiguous, budget.Reason)
}

func TestMapper_AmbiguityResolved(t *testing.T) {
	ref := duplicatedReference(t)
	const length = 700
	samples := readSignal(ref.Model(), dupSeq[shortFrom:shortFrom+length])

	// The read is ambiguous for fewer events than the window, then maps to
	// the copy it continues from.
	cfg := testConfig()
	cfg.ConfirmEvents = shortLen
	result := run(newMapperOn(t, ref, cfg, "leaves"), simulate.Split(samples, 2000))
	require.Equal(t, StateConfidentMap, result.State, "%v", result)
	assert.Equal(t, genomics.Forward, result.Locus.Strand)
	assert.True(t, within(result.Locus, shortFrom, shortFrom+length), "locus %v", result.Locus)
	assert.True(t, int(result.MatchedLength) > shortLen, "matched length %d", result.MatchedLength)
}

func TestMapper_TandemRepeat(t *testing.T) {
	ref := testReference(t)
	const start, end = repeatStart - 240, repeatStart + repeatLen + 420

	cfg := testConfig()
	cfg.Tracker.MinMatchedLength = 25
	cfg.Targets = []genomics.Region{{ReferenceID: 0, Start: start, End: end}}
	m := newMapper(t, cfg, "repeat")

	result := run(m, simulate.Split(readSignal(ref.Model(), chr1[start:end]), 2000))
	require.Equal(t, StateConfidentMap, result.State, "%v", result)
	assert.Equal(t, DecisionAccept, result.Decision)
	assert.Equal(t, genomics.Forward, result.Locus.Strand)
	assert.True(t, within(result.Locus, start, end), "locus %v", result.Locus)
	assert.True(t, result.MatchedLength >= 25, "matched length %d", result.MatchedLength)
}

func TestMapper_Cancel(t *testing.T) {
	ref := testReference(t)
	samples := readSignal(ref.Model(), chr1[100:400])

	ctx, cancel := context.WithCancel(context.Background())
	m := newMapper(t, testConfig(), "cancelled")
	_, done := m.Process(ctx, reads.Chunk{ReadID: "cancelled", Samples: samples})
	require.False(t, done)
	cancel()
	result, done := m.Process(ctx, reads.Chunk{ReadID: "cancelled", Number: 1, Samples: samples})
	require.True(t, done)
	assert.Equal(t, DecisionAborted, result.Decision)
	assert.Equal(t, ReasonCancelled, result.Reason)
	assert.Equal(t, 1, result.Chunks)

	again, aborted := m.Abort(ReasonBackpressure, "")
	assert.False(t, aborted)
	assert.Equal(t, result, again)

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	m.Reset("late", 2)
	result, done = m.Process(ctx, reads.Chunk{ReadID: "late", Channel: 2, Samples: samples})
	require.True(t, done)
	assert.Equal(t, ReasonTimeout, result.Reason)
	assert.Equal(t, 2, result.Channel)

	m.Reset("dropped", 3)
	result, aborted = m.Abort(ReasonBackpressure, "queue full")
	assert.True(t, aborted)
	assert.Equal(t, DecisionNoDecision, result.Decision)
	assert.Equal(t, "queue full", result.Detail)
}

func TestDecide(t *testing.T) {
	inside := genomics.Locus{ReferenceID: 1, Start: 150, End: 250, Strand: genomics.Reverse}
	outside := genomics.Locus{ReferenceID: 0, Start: 150, End: 250, Strand: genomics.Forward}
	targets := []genomics.Region{{ReferenceID: 1, Start: 100, End: 200}, {ReferenceID: 2}}

	testCases := []struct {
		name    string
		mode    Mode
		targets []genomics.Region
		locus   genomics.Locus
		want    Decision
	}{
		{"no targets", Enrich, nil, outside, DecisionAccept},
		{"no targets deplete", Deplete, nil, outside, DecisionAccept},
		{"enrich inside", Enrich, targets, inside, DecisionAccept},
		{"enrich outside", Enrich, targets, outside, DecisionReject},
		{"deplete inside", Deplete, targets, inside, DecisionReject},
		{"deplete outside", Deplete, targets, outside, DecisionAccept},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Mode: tc.mode, Targets: tc.targets}
			if got := decide(&cfg, tc.locus); got != tc.want {
				t.Errorf("decide(%v): got %s, want %s", tc.locus, got, tc.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"path window", func(c *Config) { c.Search.PathWindow = maxPathWindow + 1 }},
		{"seed length", func(c *Config) { c.Search.SeedLength = 0 }},
		{"thresholds", func(c *Config) { c.Search.PathProbThreshold = -20 }},
		{"confirm events", func(c *Config) { c.ConfirmEvents = 0 }},
		{"mode", func(c *Config) { c.Mode = "both" }},
		{"detector", func(c *Config) { c.Detector.ShortWindow = 0 }},
		{"tracker", func(c *Config) { c.Tracker.MaxClusters = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

var _ seed.Locator = (*fmindex.Index)(nil)
