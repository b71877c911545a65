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
	"sort"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/kmer"
	"github.com/googlegenomics/sigmap/seed"
)

// path is one hypothesis for the reference bases behind the most recent
// events: r holds the rows matching every base the path consumed and key is
// its last k-mer.
type path struct {
	r   fmindex.Range
	key kmer.Key

	events uint32
	moves  uint32
	stays  uint8
	edits  uint8

	// window holds the log-probabilities of the last events, indexed by
	// event count modulo the window size.
	sum    float64
	window [maxPathWindow]float32
}

func (p *path) push(prob float32, size int) {
	i := p.events % uint32(size)
	if p.events >= uint32(size) {
		p.sum -= float64(p.window[i])
	}
	p.window[i] = prob
	p.sum += float64(prob)
	p.events++
}

func (p *path) mean(size int) float32 {
	n := p.events
	if n > uint32(size) {
		n = uint32(size)
	}
	if n == 0 {
		return 0
	}
	return float32(p.sum / float64(n))
}

// searcher advances every live path by one event at a time.  It is not safe
// for concurrent use.
type searcher struct {
	ref *Reference
	cfg SearchConfig
	k   int

	paths, next []path
}

func newSearcher(ref *Reference, cfg SearchConfig) *searcher {
	return &searcher{ref: ref, cfg: cfg, k: ref.model.K()}
}

func (s *searcher) reset() {
	s.paths = s.paths[:0]
	s.next = s.next[:0]
}

// live returns the number of paths carried to the next event.
func (s *searcher) live() int {
	return len(s.paths)
}

// step consumes one event whose k-mer log-probabilities are probs and appends
// the seeds it completes to dst.
func (s *searcher) step(event uint32, probs []float32, dst []seed.Seed) ([]seed.Seed, error) {
	var (
		idx      = s.ref.index
		eventMin = s.cfg.EventProbThreshold
		pathMin  = s.cfg.PathProbThreshold
		size     = s.cfg.PathWindow
		maxStays = uint8(s.cfg.MaxStays)
		maxEdits = uint8(s.cfg.MaxEdits)
		next     = s.next[:0]
	)
	accept := func(c *path) {
		if c.mean(size) >= pathMin {
			next = append(next, *c)
		}
	}

	for i := range s.paths {
		p := &s.paths[i]
		if p.stays < maxStays && probs[p.key] >= eventMin {
			c := *p
			c.stays++
			c.push(probs[p.key], size)
			accept(&c)
		}

		var (
			children int
			bestBase uint8
			bestProb = eventMin
			found    bool
		)
		for b := uint8(0); b < 4; b++ {
			key := kmer.Next(p.key, b, s.k)
			prob := probs[key]
			if prob < eventMin {
				continue
			}
			if !found || prob > bestProb {
				bestBase, bestProb, found = b, prob, true
			}
			r := idx.Extend(p.r, b)
			if r.Empty() {
				continue
			}
			children++
			c := *p
			c.r, c.key = r, key
			c.moves++
			c.stays = 0
			c.push(prob, size)
			accept(&c)
		}

		if children == 0 && found && p.edits < maxEdits {
			r, base, edits := idx.ExtendWithin(p.r, bestBase, int(p.edits), int(maxEdits))
			if !r.Empty() {
				c := *p
				c.r, c.key = r, kmer.Next(p.key, base, s.k)
				c.moves++
				c.stays = 0
				c.edits = uint8(edits)
				c.push(bestProb, size)
				accept(&c)
			}
		}
	}

	for key, prob := range probs {
		if prob < eventMin || prob < pathMin {
			continue
		}
		r := s.ref.ranges[key]
		if r.Empty() {
			continue
		}
		c := path{r: r, key: kmer.Key(key)}
		c.push(prob, size)
		next = append(next, c)
	}

	next = s.prune(next)
	s.paths, s.next = next, s.paths[:0]

	for i := range s.paths {
		p := &s.paths[i]
		if p.events < uint32(s.cfg.SeedLength) || p.r.Len() > uint64(s.cfg.MaxRepeats) {
			continue
		}
		hits, err := idx.Hits(p.r, s.cfg.MaxRepeats)
		if err != nil {
			return dst, fmt.Errorf("locating path %v: %v", p.r, err)
		}
		for _, hit := range hits {
			dst = append(dst, seed.Seed{
				Contig: hit.Contig,
				Strand: hit.Strand,
				RefEnd: hit.End,
				Bases:  uint32(s.k) + p.moves,
				Events: p.events,
				Event:  event,
				Prob:   p.mean(size),
			})
		}
	}
	return dst, nil
}

// prune keeps the longest path of every range, the most probable one among
// equals, then the MaxPaths most probable paths.
func (s *searcher) prune(paths []path) []path {
	if len(paths) == 0 {
		return paths
	}
	size := s.cfg.PathWindow
	sort.Slice(paths, func(i, j int) bool {
		a, b := &paths[i], &paths[j]
		switch {
		case a.r.Lo != b.r.Lo:
			return a.r.Lo < b.r.Lo
		case a.r.Hi != b.r.Hi:
			return a.r.Hi < b.r.Hi
		case a.events != b.events:
			return a.events > b.events
		case a.mean(size) != b.mean(size):
			return a.mean(size) > b.mean(size)
		}
		return a.moves > b.moves
	})
	kept := paths[:1]
	for i := 1; i < len(paths); i++ {
		if paths[i].r != kept[len(kept)-1].r {
			kept = append(kept, paths[i])
		}
	}

	if len(kept) > s.cfg.MaxPaths {
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].mean(size) > kept[j].mean(size)
		})
		kept = kept[:s.cfg.MaxPaths]
	}
	return kept
}
