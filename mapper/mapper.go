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

// Package mapper decides where the signal of a read maps while the read is
// still being sequenced.
//
// A Mapper runs the events detected in every chunk through the normalizer,
// the path search over the reference index and the seed tracker, and turns
// the tracker's report into a Result once the read can be classified.
package mapper

import (
	"context"
	"errors"
	"fmt"

	"github.com/googlegenomics/sigmap/reads"
	"github.com/googlegenomics/sigmap/seed"
	"github.com/googlegenomics/sigmap/signal"
)

// cancelCheckInterval is the number of events processed between checks of
// the context.
const cancelCheckInterval = 256

// Mapper classifies one read at a time.  It may be reused for another read
// after Reset.  A Mapper is not safe for concurrent use.
type Mapper struct {
	ref *Reference
	cfg Config

	detector   *signal.Detector
	normalizer *signal.Normalizer
	search     *searcher
	tracker    *seed.Tracker

	readID  string
	channel int
	state   State
	chunks  int
	samples uint64

	// held counts the consecutive events the current report status has
	// held.
	held   int
	report seed.Report
	result Result

	events []signal.Event
	norm   []signal.NormEvent
	probs  []float32
	seeds  []seed.Seed
}

// New returns a Mapper over ref.
func New(ref *Reference, cfg Config) (*Mapper, error) {
	if ref == nil {
		return nil, errors.New("missing reference")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapper config: %v", err)
	}
	detector, err := signal.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	normalizer, err := signal.NewNormalizer(cfg.Normalizer, ref.model.Median(), ref.model.MAD())
	if err != nil {
		return nil, err
	}
	tracker, err := seed.NewTracker(cfg.Tracker, ref.index)
	if err != nil {
		return nil, err
	}
	return &Mapper{
		ref:        ref,
		cfg:        cfg,
		detector:   detector,
		normalizer: normalizer,
		search:     newSearcher(ref, cfg.Search),
		tracker:    tracker,
		state:      StateInit,
	}, nil
}

// Reset prepares the Mapper for a new read.
func (m *Mapper) Reset(readID string, channel int) {
	m.release()
	m.readID, m.channel = readID, channel
	m.state = StateInit
	m.chunks, m.samples, m.held = 0, 0, 0
	m.report = seed.Report{}
	m.result = Result{}
}

func (m *Mapper) release() {
	m.detector.Reset()
	m.normalizer.Reset()
	m.search.reset()
	m.tracker.Reset()
	m.events = m.events[:0]
	m.norm = m.norm[:0]
	m.seeds = m.seeds[:0]
}

// ReadID returns the read the Mapper is working on.
func (m *Mapper) ReadID() string { return m.readID }

// State returns the current state.  It is StateDone once a Result has been
// produced.
func (m *Mapper) State() State { return m.state }

// Result returns the Result of the read and whether it has terminated.
func (m *Mapper) Result() (Result, bool) {
	return m.result, m.state == StateDone
}

// Process feeds the samples of c to the read.  It returns the Result and true
// once the read has terminated; later calls return the same Result.  The read
// is aborted when ctx is cancelled or its deadline passes.
func (m *Mapper) Process(ctx context.Context, c reads.Chunk) (Result, bool) {
	if m.state == StateDone {
		return m.result, true
	}
	if err := ctx.Err(); err != nil {
		return m.interrupted(err), true
	}
	if m.state == StateInit {
		m.state = StateBuffering
	}
	m.chunks++
	m.samples += uint64(len(c.Samples))

	m.events = m.detector.Add(c.Samples, m.events[:0])
	if err := m.consume(ctx); err != nil {
		return m.interrupted(err), true
	}
	if m.state == StateDone {
		return m.result, true
	}
	return m.settle(false)
}

// EndRead tells the Mapper that no more chunks will arrive.  The trailing
// event is processed and the read terminates.
func (m *Mapper) EndRead(ctx context.Context) Result {
	if m.state == StateDone {
		return m.result
	}
	if err := ctx.Err(); err != nil {
		return m.interrupted(err)
	}
	m.events = m.detector.Flush(m.events[:0])
	if err := m.consume(ctx); err != nil {
		return m.interrupted(err)
	}
	if m.state == StateDone {
		return m.result
	}
	result, _ := m.settle(true)
	return result
}

// Abort terminates the read for reason.  It returns the Result and whether
// this call terminated the read; aborting a terminated read returns its
// existing Result.
func (m *Mapper) Abort(reason Reason, detail string) (Result, bool) {
	if m.state == StateDone {
		return m.result, false
	}
	result := m.finish(StateAborted, reason)
	m.result.Detail = detail
	result.Detail = detail
	return result, true
}

// consume runs the detected events through the rest of the pipeline and
// applies the tracker's report after every event, so the read terminates at
// the same event however its samples were chunked.  Events after the
// terminating one are discarded.
func (m *Mapper) consume(ctx context.Context) error {
	for i, e := range m.events {
		if i%cancelCheckInterval == cancelCheckInterval-1 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		m.norm = m.normalizer.Add(e, m.norm[:0])
		if m.state == StateBuffering && m.normalizer.Ready() {
			m.state = StateSearching
		}
		for _, ne := range m.norm {
			if err := m.step(ne.Level); err != nil {
				return err
			}
			if m.check() {
				return nil
			}
		}
	}
	return nil
}

func (m *Mapper) step(level float32) error {
	m.probs = m.ref.model.LogProbs(level, m.probs)
	event := uint32(m.tracker.Events())
	var err error
	m.seeds, err = m.search.step(event, m.probs, m.seeds[:0])
	if err != nil {
		return err
	}
	m.tracker.Add(event, m.seeds)
	return nil
}

// check applies the tracker's report after an event and reports whether the
// read terminated.  Chimeric and exhausted reports are final.  Confident and
// ambiguous reports must hold for ConfirmEvents consecutive events, or until
// the event budget runs out.
func (m *Mapper) check() bool {
	report := m.tracker.Report()
	if report.Status != m.report.Status {
		m.held = 0
	}
	m.held++
	m.report = report

	budget := m.cfg.Tracker.MaxEvents
	confirmed := m.held >= m.cfg.ConfirmEvents || (budget > 0 && m.tracker.Events() >= budget)
	switch report.Status {
	case seed.Chimeric:
		m.finish(StateChimeric, ReasonChimeric)
	case seed.Exhausted:
		m.finish(StateNotMapped, ReasonEventBudget)
	case seed.Confident:
		if !confirmed {
			return false
		}
		m.finish(StateConfidentMap, ReasonConfident)
	case seed.Ambiguous:
		if !confirmed {
			return false
		}
		m.finish(StateAmbiguous, ReasonAmbiguous)
	default:
		return false
	}
	return true
}

// settle classifies a read that will see no more events, either because it
// ended or because it used up its chunk budget.  A pending confident or
// ambiguous report is taken as it stands.
func (m *Mapper) settle(ended bool) (Result, bool) {
	if !ended && (m.cfg.MaxChunks == 0 || m.chunks < m.cfg.MaxChunks) {
		return Result{}, false
	}
	switch {
	case m.report.Status == seed.Confident:
		return m.finish(StateConfidentMap, ReasonConfident), true
	case m.report.Status == seed.Ambiguous:
		return m.finish(StateAmbiguous, ReasonAmbiguous), true
	case ended:
		return m.finish(StateNotMapped, ReasonReadEnded), true
	}
	return m.finish(StateNotMapped, ReasonChunkBudget), true
}

// interrupted aborts the read after ctx reported err, or after a failure of
// the pipeline.
func (m *Mapper) interrupted(err error) Result {
	var result Result
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result, _ = m.Abort(ReasonTimeout, "")
	case errors.Is(err, context.Canceled):
		result, _ = m.Abort(ReasonCancelled, "")
	default:
		result, _ = m.Abort(ReasonFailed, err.Error())
	}
	return result
}

// finish records the Result of the read in state and releases the read's
// pipeline state.
func (m *Mapper) finish(state State, reason Reason) Result {
	r := Result{
		ReadID:  m.readID,
		Channel: m.channel,
		State:   state,
		Reason:  reason,
		Events:  m.tracker.Events(),
		Chunks:  m.chunks,
		Samples: m.samples,
	}
	best := m.report.Best
	switch state {
	case StateConfidentMap:
		r.Mapped = true
		r.Locus, r.MatchedLength, r.Score = m.report.Locus, best.MatchedLength(), best.Score
		r.Decision = decide(&m.cfg, r.Locus)
	case StateAmbiguous, StateChimeric:
		r.Locus, r.MatchedLength, r.Score = m.report.Locus, best.MatchedLength(), best.Score
		r.Decision = DecisionAmbiguous
		r.Detail = fmt.Sprintf("competing locus %v, score %.2f", m.report.OtherLocus, m.report.Other.Score)
	case StateNotMapped:
		r.Decision = DecisionNotMapped
	default:
		r.Decision = abortDecision(reason)
	}

	m.release()
	m.result = r
	m.state = StateDone
	return r
}
