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

package signal

import (
	"fmt"
	"sort"
)

// NormEvent is an event rescaled to model units.
type NormEvent struct {
	Level float32

	// Source is the event the level was derived from.
	Source Event
}

// NormalizerConfig holds the normalization parameters.
type NormalizerConfig struct {
	// Warmup is the number of events observed before the first NormEvent is
	// produced.
	Warmup int `yaml:"warmup"`

	// Window is the number of most recent events the statistics are
	// computed over.
	Window int `yaml:"window"`

	// Levels further than Clamp median absolute deviations from the median
	// are clamped to that distance.
	Clamp float64 `yaml:"clamp"`
}

// DefaultNormalizerConfig returns the default normalization parameters.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Warmup: 300,
		Window: 6000,
		Clamp:  5,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg NormalizerConfig) Validate() error {
	switch {
	case cfg.Warmup < 1:
		return fmt.Errorf("warm-up must be positive (got %d)", cfg.Warmup)
	case cfg.Window < cfg.Warmup:
		return fmt.Errorf("window %d is shorter than warm-up %d", cfg.Window, cfg.Warmup)
	case cfg.Clamp <= 0:
		return fmt.Errorf("clamp must be positive (got %v)", cfg.Clamp)
	}
	return nil
}

// minimumSpread stops a window of identical levels from dividing by zero.
const minimumSpread = 1e-3

// Normalizer maps event means onto a model's scale by matching the median and
// median absolute deviation of a trailing window of events to those of the
// model.  A Normalizer is not safe for concurrent use.
type Normalizer struct {
	cfg NormalizerConfig

	modelMedian, modelMAD float64

	// recent holds the window in arrival order as a ring; sorted holds the
	// same values in ascending order.
	recent []float32
	head   int
	sorted []float32

	// held are the events seen during warm-up.
	held  []Event
	ready bool
}

// NewNormalizer returns a Normalizer targeting a model whose levels have the
// given median and median absolute deviation.
func NewNormalizer(cfg NormalizerConfig, median, mad float32) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid normalizer config: %v", err)
	}
	if mad <= 0 {
		return nil, fmt.Errorf("model spread must be positive (got %v)", mad)
	}
	return &Normalizer{
		cfg:         cfg,
		modelMedian: float64(median),
		modelMAD:    float64(mad),
		recent:      make([]float32, 0, cfg.Window),
		sorted:      make([]float32, 0, cfg.Window),
	}, nil
}

// Reset discards all state so the Normalizer can process a new read.
func (n *Normalizer) Reset() {
	n.recent, n.sorted, n.held = n.recent[:0], n.sorted[:0], n.held[:0]
	n.head = 0
	n.ready = false
}

// Ready reports whether warm-up is complete.
func (n *Normalizer) Ready() bool {
	return n.ready
}

// Add observes e and returns dst extended by the events that can now be
// normalized: nothing during warm-up, every held event once warm-up
// completes, and e itself afterwards.
func (n *Normalizer) Add(e Event, dst []NormEvent) []NormEvent {
	if !n.ready {
		n.push(e.Mean)
		n.held = append(n.held, e)
		if len(n.held) < n.cfg.Warmup {
			return dst
		}
		n.ready = true
		median, mad := n.stats()
		for _, h := range n.held {
			dst = append(dst, NormEvent{Level: n.scale(h.Mean, median, mad), Source: h})
		}
		n.held = n.held[:0]
		return dst
	}
	median, mad := n.stats()
	level := clamp(float64(e.Mean), median, mad*n.cfg.Clamp)
	n.push(float32(level))
	median, mad = n.stats()
	return append(dst, NormEvent{Level: n.scale(e.Mean, median, mad), Source: e})
}

// Params returns the shift and scale currently applied: a raw level x maps to
// x*scale + shift.  Both are zero during warm-up.
func (n *Normalizer) Params() (shift, scale float32) {
	if !n.ready {
		return 0, 0
	}
	median, mad := n.stats()
	s := n.modelMAD / mad
	return float32(n.modelMedian - median*s), float32(s)
}

func (n *Normalizer) scale(x float32, median, mad float64) float32 {
	v := clamp(float64(x), median, mad*n.cfg.Clamp)
	return float32((v-median)/mad*n.modelMAD + n.modelMedian)
}

// push adds v to the window, evicting the oldest value when it is full.
func (n *Normalizer) push(v float32) {
	if len(n.recent) < n.cfg.Window {
		n.recent = append(n.recent, v)
	} else {
		old := n.recent[n.head]
		n.recent[n.head] = v
		n.head = (n.head + 1) % len(n.recent)
		i := sort.Search(len(n.sorted), func(i int) bool { return n.sorted[i] >= old })
		n.sorted = append(n.sorted[:i], n.sorted[i+1:]...)
	}
	i := sort.Search(len(n.sorted), func(i int) bool { return n.sorted[i] >= v })
	n.sorted = append(n.sorted, 0)
	copy(n.sorted[i+1:], n.sorted[i:])
	n.sorted[i] = v
}

// stats returns the median and median absolute deviation of the window.
func (n *Normalizer) stats() (float64, float64) {
	s := n.sorted
	size := len(s)
	median := (float64(s[(size-1)/2]) + float64(s[size/2])) / 2

	// Deviations in ascending order are a merge of the values below the
	// median walking down and the values above it walking up.
	r := sort.Search(size, func(i int) bool { return float64(s[i]) >= median })
	l := r - 1
	lo, hi := (size-1)/2, size/2
	var d0, d1 float64
	for k := 0; k <= hi; k++ {
		var d float64
		if l < 0 || (r < size && float64(s[r])-median <= median-float64(s[l])) {
			d = float64(s[r]) - median
			r++
		} else {
			d = median - float64(s[l])
			l--
		}
		if k == lo {
			d0 = d
		}
		if k == hi {
			d1 = d
		}
	}
	mad := (d0 + d1) / 2
	if mad < minimumSpread {
		mad = minimumSpread
	}
	return median, mad
}

func clamp(v, median, limit float64) float64 {
	switch {
	case v < median-limit:
		return median - limit
	case v > median+limit:
		return median + limit
	}
	return v
}
