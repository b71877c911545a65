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

// Package signal segments raw nanopore current samples into events and
// rescales them onto the units of a pore model.
package signal

import (
	"errors"
	"fmt"
	"math"
)

// Event is a plateau of consecutive samples.
type Event struct {
	// Start is the index of the first sample of the event within the read.
	Start  uint64
	Length uint32
	Mean   float32
	Stdv   float32
}

// End returns the index one past the last sample of the event.
func (e Event) End() uint64 {
	return e.Start + uint64(e.Length)
}

// DetectorConfig holds the segmentation parameters.  Two t-statistic
// detectors run side by side: a short one that catches sharp steps and a long
// one, suppressed around the short one's peaks, for gradual ones.
type DetectorConfig struct {
	ShortWindow    int     `yaml:"short_window"`
	LongWindow     int     `yaml:"long_window"`
	ShortThreshold float64 `yaml:"short_threshold"`
	LongThreshold  float64 `yaml:"long_threshold"`
	PeakHeight     float64 `yaml:"peak_height"`

	// Boundaries that would end an event shorter than MinEventLength samples
	// are ignored, merging the short event into the next one.
	MinEventLength int `yaml:"min_event_length"`

	// Events whose mean falls outside [MinMean, MaxMean] are dropped.
	MinMean float64 `yaml:"min_mean"`
	MaxMean float64 `yaml:"max_mean"`
}

// DefaultDetectorConfig returns the parameters used for R9.4 reads sampled at
// 4kHz.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ShortWindow:    3,
		LongWindow:     6,
		ShortThreshold: 1.4,
		LongThreshold:  9.0,
		PeakHeight:     0.2,
		MinEventLength: 2,
		MinMean:        30,
		MaxMean:        150,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg DetectorConfig) Validate() error {
	switch {
	case cfg.ShortWindow < 1:
		return fmt.Errorf("short window must be positive (got %d)", cfg.ShortWindow)
	case cfg.LongWindow < cfg.ShortWindow:
		return fmt.Errorf("long window %d is shorter than short window %d", cfg.LongWindow, cfg.ShortWindow)
	case cfg.ShortThreshold <= 0 || cfg.LongThreshold <= 0:
		return errors.New("thresholds must be positive")
	case cfg.PeakHeight <= 0:
		return fmt.Errorf("peak height must be positive (got %v)", cfg.PeakHeight)
	case cfg.MinEventLength < 1:
		return fmt.Errorf("minimum event length must be positive (got %d)", cfg.MinEventLength)
	case cfg.MinMean >= cfg.MaxMean:
		return fmt.Errorf("empty mean range [%v, %v]", cfg.MinMean, cfg.MaxMean)
	}
	return nil
}

// varianceFloor keeps the t-statistic finite across perfectly flat windows.
const varianceFloor = 1e-5

// peak tracks one t-statistic detector.  It alternates between following a
// trough (pos < 0) and following a peak; a peak is accepted once the
// statistic has exceeded the threshold and then fallen PeakHeight below it.
type peak struct {
	window    int
	threshold float64

	maskedTo int64
	pos      int64
	value    float64
	valid    bool
}

func (p *peak) reset(value float64) {
	p.pos = -1
	p.value = value
	p.valid = false
}

// Detector segments a stream of samples into events.  Samples may be added in
// chunks of any size: the events produced depend only on the concatenated
// samples, never on where the chunks were split.  A Detector is not safe for
// concurrent use.
type Detector struct {
	cfg         DetectorConfig
	short, long peak

	// buf holds the samples from index base onward.
	buf  []float32
	base uint64

	// n counts the samples added, next is the first position not yet
	// evaluated and start the first sample of the current event.
	n, next, start uint64
}

// NewDetector returns a Detector using cfg.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %v", err)
	}
	d := &Detector{cfg: cfg}
	d.Reset()
	return d, nil
}

// Reset discards all state so the Detector can segment a new read.
func (d *Detector) Reset() {
	d.short = peak{window: d.cfg.ShortWindow, threshold: d.cfg.ShortThreshold}
	d.long = peak{window: d.cfg.LongWindow, threshold: d.cfg.LongThreshold}
	d.short.reset(math.MaxFloat64)
	d.long.reset(math.MaxFloat64)
	d.buf = d.buf[:0]
	d.base, d.n, d.next, d.start = 0, 0, 0, 0
}

// Samples returns the number of samples added since the last Reset.
func (d *Detector) Samples() uint64 {
	return d.n
}

// Add appends samples to the stream and returns dst extended by every event
// that became complete.  Samples after the last boundary are kept until more
// samples or Flush complete them.
func (d *Detector) Add(samples []float32, dst []Event) []Event {
	d.buf = append(d.buf, samples...)
	d.n += uint64(len(samples))
	// Position i needs the samples [i-LongWindow, i+LongWindow).
	for ; d.next+uint64(d.cfg.LongWindow) <= d.n; d.next++ {
		dst = d.step(int64(d.next), dst)
	}
	d.compact()
	return dst
}

// Flush ends the stream and returns dst extended by the trailing event.
// Later calls to Add start a new event after the flushed samples.
func (d *Detector) Flush(dst []Event) []Event {
	if d.n-d.start >= uint64(d.cfg.MinEventLength) {
		dst = d.event(d.start, d.n, dst)
	}
	d.start, d.next = d.n, d.n
	d.short.reset(math.MaxFloat64)
	d.long.reset(math.MaxFloat64)
	d.compact()
	return dst
}

// step evaluates both detectors at position i, short first so that it can
// mask the long one.
func (d *Detector) step(i int64, dst []Event) []Event {
	for _, p := range []*peak{&d.short, &d.long} {
		if p.maskedTo >= i {
			continue
		}
		value := d.tstat(i, p.window)
		if p.pos < 0 {
			if value < p.value {
				p.value = value
			} else if value-p.value > d.cfg.PeakHeight {
				p.pos, p.value = i, value
			}
			continue
		}
		if value > p.value {
			p.pos, p.value = i, value
		}
		if p == &d.short && p.value > p.threshold {
			d.long.maskedTo = p.pos + int64(d.long.window)
			d.long.reset(math.MaxFloat64)
		}
		if p.value-value > d.cfg.PeakHeight && p.value > p.threshold {
			p.valid = true
		}
		if p.valid && i-p.pos > int64(p.window/2) {
			dst = d.boundary(uint64(p.pos), dst)
			p.reset(value)
		}
	}
	return dst
}

// boundary ends the current event at pos.
func (d *Detector) boundary(pos uint64, dst []Event) []Event {
	if pos <= d.start || pos-d.start < uint64(d.cfg.MinEventLength) {
		return dst
	}
	dst = d.event(d.start, pos, dst)
	d.start = pos
	return dst
}

// event appends the event covering samples [from, to) unless its mean is out
// of range.
func (d *Detector) event(from, to uint64, dst []Event) []Event {
	mean, variance := meanVar(d.buf[from-d.base : to-d.base])
	if mean < d.cfg.MinMean || mean > d.cfg.MaxMean {
		return dst
	}
	return append(dst, Event{
		Start:  from,
		Length: uint32(to - from),
		Mean:   float32(mean),
		Stdv:   float32(math.Sqrt(variance)),
	})
}

// tstat returns the Welch t-statistic between the w samples before i and the
// w samples from i on.
func (d *Detector) tstat(i int64, w int) float64 {
	if i < int64(w) {
		return 0
	}
	off := uint64(i) - d.base
	m1, v1 := meanVar(d.buf[off-uint64(w) : off])
	m2, v2 := meanVar(d.buf[off : off+uint64(w)])
	v := v1 + v2
	if v < varianceFloor {
		v = varianceFloor
	}
	return math.Abs(m2-m1) / math.Sqrt(v/float64(w))
}

// compact drops samples that neither the current event nor a pending
// position can refer to.
func (d *Detector) compact() {
	keep := d.start
	if lw := uint64(d.cfg.LongWindow); d.next >= lw && d.next-lw < keep {
		keep = d.next - lw
	} else if d.next < lw {
		keep = 0
	}
	shift := keep - d.base
	if shift == 0 || shift < uint64(len(d.buf))/2 {
		return
	}
	n := copy(d.buf, d.buf[shift:])
	d.buf = d.buf[:n]
	d.base = keep
}

func meanVar(samples []float32) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	var ss float64
	for _, s := range samples {
		dev := float64(s) - mean
		ss += dev * dev
	}
	return mean, ss / float64(len(samples))
}
