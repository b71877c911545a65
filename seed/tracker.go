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

// Package seed groups reference hits of a read's signal into clusters of
// mutually consistent seeds and decides when one of them is a confident
// mapping.
package seed

import (
	"fmt"
	"math"
	"sort"

	"github.com/googlegenomics/sigmap/genomics"
)

// Seed is one reference position hypothesised for the events up to Event.
type Seed struct {
	Contig int
	Strand genomics.Strand

	// RefEnd is the inclusive position of the last matched base in the
	// coordinates of Strand.
	RefEnd uint32

	// Bases and Events are the number of reference bases and signal events
	// the seed's search path consumed.
	Bases  uint32
	Events uint32

	// Event is the index of the event that completed the seed.
	Event uint32

	// Prob is the mean log-probability of the path's recent events.
	Prob float32
}

// Locator converts strand coordinates to forward strand loci.
type Locator interface {
	Interval(contig int, strand genomics.Strand, start, end uint32) genomics.Locus
}

// Config holds the clustering and scoring parameters.
type Config struct {
	// A seed extends a cluster when it lies on the same contig and strand at
	// or after the cluster's tail, and the number of events and bases since
	// the tail differ by at most GapTolerance.
	GapTolerance uint32 `yaml:"gap_tolerance"`

	// Clusters that were not extended for more than StaleEvents events are
	// dropped.
	StaleEvents uint32 `yaml:"stale_events"`

	// A seed of probability p adds p-ProbFloor to its cluster's score, at
	// most once per event.
	ProbFloor float64 `yaml:"prob_floor"`

	// A cluster of age a events is dropped when its score falls more than
	// max(MinPruneMargin, PruneMargin*PruneDecay^a) below the best cluster.
	PruneMargin    float64 `yaml:"prune_margin"`
	PruneDecay     float64 `yaml:"prune_decay"`
	MinPruneMargin float64 `yaml:"min_prune_margin"`

	// A cluster with at least MinMatchedLength bases and MinScore is above
	// threshold.  Clusters above threshold are never pruned.
	MinMatchedLength uint32  `yaml:"min_matched_length"`
	MinScore         float64 `yaml:"min_score"`

	// Two clusters above threshold whose scores differ by at most Epsilon
	// are comparable.
	Epsilon float64 `yaml:"epsilon"`

	// Loci closer than LocusSlack bases are considered the same place.
	LocusSlack uint32 `yaml:"locus_slack"`

	// MaxEvents is the event budget of a read; zero means unlimited.
	MaxEvents int `yaml:"max_events"`

	// MaxClusters bounds the number of live clusters; the weakest ones below
	// threshold are dropped first.
	MaxClusters int `yaml:"max_clusters"`
}

// DefaultConfig returns the default tracker parameters.
func DefaultConfig() Config {
	return Config{
		GapTolerance:     12,
		StaleEvents:      40,
		ProbFloor:        -3.75,
		PruneMargin:      30,
		PruneDecay:       0.95,
		MinPruneMargin:   10,
		MinMatchedLength: 40,
		MinScore:         20,
		Epsilon:          5,
		LocusSlack:       1000,
		MaxEvents:        30000,
		MaxClusters:      2000,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg Config) Validate() error {
	switch {
	case cfg.StaleEvents == 0:
		return fmt.Errorf("stale events must be positive")
	case cfg.PruneDecay <= 0 || cfg.PruneDecay > 1:
		return fmt.Errorf("prune decay must be in (0, 1] (got %v)", cfg.PruneDecay)
	case cfg.MinPruneMargin < 0 || cfg.PruneMargin < cfg.MinPruneMargin:
		return fmt.Errorf("invalid prune margins %v, %v", cfg.PruneMargin, cfg.MinPruneMargin)
	case cfg.MinMatchedLength == 0:
		return fmt.Errorf("minimum matched length must be positive")
	case cfg.Epsilon < 0:
		return fmt.Errorf("epsilon must not be negative (got %v)", cfg.Epsilon)
	case cfg.MaxEvents < 0:
		return fmt.Errorf("event budget must not be negative (got %d)", cfg.MaxEvents)
	case cfg.MaxClusters < 1:
		return fmt.Errorf("cluster limit must be positive (got %d)", cfg.MaxClusters)
	}
	return nil
}

// Cluster is a chain of consistent seeds.  Reference coordinates are on
// Strand; RefEnd is inclusive.
type Cluster struct {
	ID     int
	Contig int
	Strand genomics.Strand

	RefStart, RefEnd     uint32
	EventStart, EventEnd uint32

	Score float64
	Seeds int

	// Born is the event at which the cluster was created.
	Born uint32
}

// MatchedLength returns the number of reference bases the cluster spans.
func (c Cluster) MatchedLength() uint32 {
	return c.RefEnd - c.RefStart + 1
}

func (c Cluster) String() string {
	return fmt.Sprintf("cluster %d: %d%s:%d-%d events %d-%d score %.2f",
		c.ID, c.Contig, c.Strand, c.RefStart, c.RefEnd, c.EventStart, c.EventEnd, c.Score)
}

// record is an arena slot.
type record struct {
	Cluster
	live    bool
	settled bool

	// scored is the last event whose evidence was added to Score.
	scored uint32
}

// Tracker accumulates the seeds of one read.  Clusters live in an arena and
// are addressed by index; slots of pruned clusters are reused.  A Tracker is
// not safe for concurrent use.
type Tracker struct {
	cfg Config
	loc Locator

	arena []record
	free  []int
	live  []int

	// settled is scratch space for Report.
	settled []int

	events int
}

// NewTracker returns a Tracker using cfg to cluster seeds and loc to compare
// their loci.
func NewTracker(cfg Config, loc Locator) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %v", err)
	}
	return &Tracker{cfg: cfg, loc: loc}, nil
}

// Reset releases every cluster so the Tracker can process a new read.
func (t *Tracker) Reset() {
	t.arena = t.arena[:0]
	t.free = t.free[:0]
	t.live = t.live[:0]
	t.events = 0
}

// Events returns the number of events observed since the last Reset.
func (t *Tracker) Events() int {
	return t.events
}

// Add folds the seeds completed at event into the clusters and prunes.  It
// must be called for every event, with or without seeds, in increasing event
// order.
func (t *Tracker) Add(event uint32, seeds []Seed) {
	t.events++
	for _, s := range seeds {
		if i := t.compatible(s, event); i >= 0 {
			t.extend(i, s, event)
		} else {
			t.spawn(s, event)
		}
	}
	t.prune(event)
}

// compatible returns the arena index of the best scoring cluster s can
// extend, or -1.
func (t *Tracker) compatible(s Seed, event uint32) int {
	best := -1
	for _, i := range t.live {
		c := &t.arena[i]
		if c.Contig != s.Contig || c.Strand != s.Strand || s.RefEnd < c.RefEnd || event < c.EventEnd {
			continue
		}
		dRef, dEvt := s.RefEnd-c.RefEnd, event-c.EventEnd
		if absDiff(dRef, dEvt) > t.cfg.GapTolerance {
			continue
		}
		if best < 0 || c.Score > t.arena[best].Score {
			best = i
		}
	}
	return best
}

func (t *Tracker) extend(i int, s Seed, event uint32) {
	c := &t.arena[i]
	c.RefEnd = s.RefEnd
	c.EventEnd = event
	c.Seeds++
	if c.scored != event {
		c.Score += t.evidence(s)
		c.scored = event
	}
}

func (t *Tracker) spawn(s Seed, event uint32) {
	c := record{
		Cluster: Cluster{
			Contig:     s.Contig,
			Strand:     s.Strand,
			RefEnd:     s.RefEnd,
			EventEnd:   event,
			Score:      t.evidence(s),
			Seeds:      1,
			Born:       event,
			RefStart:   saturatingStart(s.RefEnd, s.Bases),
			EventStart: saturatingStart(event, s.Events),
		},
		live:   true,
		scored: event,
	}
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.arena[i] = c
	} else {
		i = len(t.arena)
		t.arena = append(t.arena, c)
	}
	t.arena[i].ID = i
	t.live = append(t.live, i)
}

func (t *Tracker) evidence(s Seed) float64 {
	if q := float64(s.Prob) - t.cfg.ProbFloor; q > 0 {
		return q
	}
	return 0
}

// prune drops stale clusters and clusters trailing the best one by more than
// their age allows, then enforces MaxClusters.  Clusters above threshold are
// kept regardless.
func (t *Tracker) prune(event uint32) {
	best := math.Inf(-1)
	for _, i := range t.live {
		c := &t.arena[i]
		if !c.settled && c.MatchedLength() >= t.cfg.MinMatchedLength && c.Score >= t.cfg.MinScore {
			c.settled = true
		}
		if !c.settled && c.Score > best {
			best = c.Score
		}
	}

	kept := t.live[:0]
	for _, i := range t.live {
		c := &t.arena[i]
		if !c.settled {
			age := float64(event - c.Born)
			margin := math.Max(t.cfg.MinPruneMargin, t.cfg.PruneMargin*math.Pow(t.cfg.PruneDecay, age))
			if event-c.EventEnd > t.cfg.StaleEvents || c.Score < best-margin {
				t.release(i)
				continue
			}
		}
		kept = append(kept, i)
	}
	t.live = kept

	if excess := len(t.live) - t.cfg.MaxClusters; excess > 0 {
		sort.SliceStable(t.live, func(a, b int) bool {
			return t.less(t.live[a], t.live[b])
		})
		kept := t.live[:0]
		for _, i := range t.live {
			if excess > 0 && !t.arena[i].settled {
				t.release(i)
				excess--
				continue
			}
			kept = append(kept, i)
		}
		t.live = kept
	}
}

// less orders clusters by ascending strength: settled last, then by score.
func (t *Tracker) less(a, b int) bool {
	ca, cb := &t.arena[a], &t.arena[b]
	if ca.settled != cb.settled {
		return !ca.settled
	}
	if ca.Score != cb.Score {
		return ca.Score < cb.Score
	}
	return ca.ID > cb.ID
}

func (t *Tracker) release(i int) {
	t.arena[i].live = false
	t.free = append(t.free, i)
}

// Clusters returns a copy of the live clusters, strongest first.
func (t *Tracker) Clusters() []Cluster {
	ids := append([]int(nil), t.live...)
	sort.Slice(ids, func(a, b int) bool { return t.less(ids[b], ids[a]) })
	clusters := make([]Cluster, len(ids))
	for n, i := range ids {
		clusters[n] = t.arena[i].Cluster
	}
	return clusters
}

// Status is the tracker's verdict on a read.
type Status int

const (
	// Searching means no cluster is above threshold yet.
	Searching Status = iota
	// Confident means a single locus explains the read.
	Confident
	// Ambiguous means comparable clusters at disjoint loci explain the
	// same events.
	Ambiguous
	// Chimeric means clusters at disjoint loci explain different parts of
	// the read.
	Chimeric
	// Exhausted means the event budget ran out with no cluster above
	// threshold.
	Exhausted
)

var statusNames = []string{"SEARCHING", "CONFIDENT", "AMBIGUOUS", "CHIMERIC", "EXHAUSTED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Report summarises the tracker's state.
type Report struct {
	Status Status

	// Best is the strongest cluster above threshold and Locus its forward
	// strand locus.  Both are zero while Searching or Exhausted.
	Best  Cluster
	Locus genomics.Locus

	// Other is the competing cluster for Ambiguous and Chimeric reports.
	Other      Cluster
	OtherLocus genomics.Locus

	Clusters int
	Events   int
}

// Report evaluates the clusters above threshold.  It depends only on the
// events added so far, so calling it after every event yields the same
// sequence of reports however the events were batched.
//
// The strongest cluster above threshold is Confident unless another cluster
// above threshold lies at a disjoint locus.  When that cluster explains some
// of the same events with a comparable score the report is Ambiguous; when
// it explains only events the strongest one does not, it is Chimeric.
func (t *Tracker) Report() Report {
	r := Report{Clusters: len(t.live), Events: t.events}
	t.settled = t.settled[:0]
	for _, i := range t.live {
		if t.arena[i].settled {
			t.settled = append(t.settled, i)
		}
	}
	if len(t.settled) == 0 {
		if t.cfg.MaxEvents > 0 && t.events >= t.cfg.MaxEvents {
			r.Status = Exhausted
		}
		return r
	}
	sort.Slice(t.settled, func(a, b int) bool { return t.less(t.settled[b], t.settled[a]) })

	r.Status = Confident
	r.Best = t.arena[t.settled[0]].Cluster
	r.Locus = t.locus(r.Best)
	chimera := -1
	for _, i := range t.settled[1:] {
		other := t.arena[i].Cluster
		locus := t.locus(other)
		if !r.Locus.Disjoint(locus, t.cfg.LocusSlack) {
			continue
		}
		overlap := other.EventStart <= r.Best.EventEnd && r.Best.EventStart <= other.EventEnd
		if overlap && r.Best.Score-other.Score <= t.cfg.Epsilon {
			r.Status = Ambiguous
			r.Other, r.OtherLocus = other, locus
			return r
		}
		if !overlap && chimera < 0 {
			chimera = i
		}
	}
	if chimera >= 0 {
		r.Status = Chimeric
		r.Other = t.arena[chimera].Cluster
		r.OtherLocus = t.locus(r.Other)
	}
	return r
}

func (t *Tracker) locus(c Cluster) genomics.Locus {
	return t.loc.Interval(c.Contig, c.Strand, c.RefStart, c.RefEnd+1)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func saturatingStart(end, length uint32) uint32 {
	switch {
	case length == 0:
		return end
	case length > end+1:
		return 0
	}
	return end + 1 - length
}
