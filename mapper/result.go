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
	"fmt"

	"github.com/googlegenomics/sigmap/genomics"
)

// State is a step of the per-read state machine.
type State string

const (
	StateInit      State = "INIT"
	StateBuffering State = "BUFFERING"
	StateSearching State = "SEARCHING"

	// Classifications.  A Result carries one of these; the Mapper itself
	// moves on to StateDone once the Result is produced.
	StateConfidentMap State = "CONFIDENT_MAP"
	StateAmbiguous    State = "AMBIGUOUS"
	StateChimeric     State = "CHIMERIC"
	StateNotMapped    State = "NOT_MAPPED"
	StateAborted      State = "ABORTED"

	StateDone State = "DONE"
)

// Decision is the action suggested to the sequencer controller.
type Decision string

const (
	DecisionAccept     Decision = "ACCEPT"
	DecisionReject     Decision = "REJECT"
	DecisionAmbiguous  Decision = "AMBIGUOUS"
	DecisionNotMapped  Decision = "NOT_MAPPED"
	DecisionAborted    Decision = "ABORTED"
	DecisionNoDecision Decision = "NO_DECISION"
)

// Reason explains why a read terminated.
type Reason string

const (
	ReasonConfident    Reason = "CONFIDENT"
	ReasonAmbiguous    Reason = "AMBIGUOUS"
	ReasonChimeric     Reason = "CHIMERIC"
	ReasonEventBudget  Reason = "EVENT_BUDGET"
	ReasonChunkBudget  Reason = "CHUNK_BUDGET"
	ReasonReadEnded    Reason = "READ_ENDED"
	ReasonCancelled    Reason = "CANCELLED"
	ReasonTimeout      Reason = "TIMEOUT"
	ReasonBackpressure Reason = "BACKPRESSURE_DROPPED"
	ReasonFailed       Reason = "FAILED"
)

// Result is the outcome of one read.  Locus, MatchedLength and Score describe
// the strongest cluster for confident, ambiguous and chimeric maps and are
// zero otherwise.  Chunks and Samples count the input received before the
// read terminated.  Unless the chunk budget or a cancellation ends the read,
// they are the only fields that depend on how its signal was chunked.
type Result struct {
	ReadID  string `json:"read_id"`
	Channel int    `json:"channel"`

	Decision Decision `json:"decision"`
	State    State    `json:"state"`
	Reason   Reason   `json:"reason"`

	Mapped        bool           `json:"mapped"`
	Locus         genomics.Locus `json:"locus"`
	MatchedLength uint32         `json:"matched_length"`
	Score         float64        `json:"score"`

	Events  int    `json:"events"`
	Chunks  int    `json:"chunks"`
	Samples uint64 `json:"samples"`

	Detail string `json:"detail,omitempty"`
}

func (r Result) String() string {
	if r.Mapped || r.State == StateAmbiguous || r.State == StateChimeric {
		return fmt.Sprintf("read %s: %s (%s) at %v, %d bases, score %.2f", r.ReadID, r.Decision, r.Reason, r.Locus, r.MatchedLength, r.Score)
	}
	return fmt.Sprintf("read %s: %s (%s)", r.ReadID, r.Decision, r.Reason)
}

// decide returns the decision for a read confidently mapped to locus.
func decide(cfg *Config, locus genomics.Locus) Decision {
	if len(cfg.Targets) == 0 {
		return DecisionAccept
	}
	var inside bool
	for _, region := range cfg.Targets {
		if region.Overlaps(locus) {
			inside = true
			break
		}
	}
	if inside == (cfg.Mode == Enrich) {
		return DecisionAccept
	}
	return DecisionReject
}

// abortDecision returns the decision for a read aborted for reason.
func abortDecision(reason Reason) Decision {
	switch reason {
	case ReasonCancelled, ReasonTimeout:
		return DecisionAborted
	}
	return DecisionNoDecision
}
