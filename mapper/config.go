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
	"github.com/googlegenomics/sigmap/seed"
	"github.com/googlegenomics/sigmap/signal"
)

// maxPathWindow bounds SearchConfig.PathWindow.
const maxPathWindow = 32

// SearchConfig controls the path search that turns normalized events into
// seeds.
type SearchConfig struct {
	// Only k-mers whose log-probability for an event reaches
	// EventProbThreshold are considered for that event.
	EventProbThreshold float32 `yaml:"event_prob_threshold"`

	// Paths die when the mean log-probability of their last PathWindow
	// events falls below PathProbThreshold.
	PathProbThreshold float32 `yaml:"path_prob_threshold"`
	PathWindow        int     `yaml:"path_window"`

	// Paths of at least SeedLength events whose range holds at most
	// MaxRepeats reference positions emit seeds.
	SeedLength int `yaml:"seed_length"`
	MaxRepeats int `yaml:"max_repeats"`

	// MaxPaths bounds the number of live paths; the weakest are dropped.
	MaxPaths int `yaml:"max_paths"`

	// MaxStays bounds the consecutive events a path may spend on one k-mer.
	MaxStays int `yaml:"max_stays"`

	// MaxEdits is the number of substituted bases allowed per path.
	MaxEdits int `yaml:"max_edits"`
}

// DefaultSearchConfig returns the default search parameters.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		EventProbThreshold: -9.2103,
		PathProbThreshold:  -3.75,
		PathWindow:         16,
		SeedLength:         22,
		MaxRepeats:         50,
		MaxPaths:           10000,
		MaxStays:           8,
		MaxEdits:           1,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg SearchConfig) Validate() error {
	switch {
	case cfg.PathWindow < 1 || cfg.PathWindow > maxPathWindow:
		return fmt.Errorf("path window must be in [1, %d] (got %d)", maxPathWindow, cfg.PathWindow)
	case cfg.SeedLength < 1:
		return fmt.Errorf("seed length must be positive (got %d)", cfg.SeedLength)
	case cfg.MaxRepeats < 1:
		return fmt.Errorf("repeat limit must be positive (got %d)", cfg.MaxRepeats)
	case cfg.MaxPaths < 1:
		return fmt.Errorf("path limit must be positive (got %d)", cfg.MaxPaths)
	case cfg.MaxStays < 0 || cfg.MaxStays > 255:
		return fmt.Errorf("stay limit must be in [0, 255] (got %d)", cfg.MaxStays)
	case cfg.MaxEdits < 0 || cfg.MaxEdits > 255:
		return fmt.Errorf("edit budget must be in [0, 255] (got %d)", cfg.MaxEdits)
	case cfg.PathProbThreshold < cfg.EventProbThreshold:
		return fmt.Errorf("path threshold %v is below the event threshold %v", cfg.PathProbThreshold, cfg.EventProbThreshold)
	}
	return nil
}

// Mode selects what happens to reads that map inside the target regions.
type Mode string

const (
	// Enrich accepts reads mapping inside a target and rejects the others.
	Enrich Mode = "enrich"
	// Deplete rejects reads mapping inside a target and accepts the others.
	Deplete Mode = "deplete"
)

// Config holds everything a Mapper needs besides the reference.
type Config struct {
	Detector   signal.DetectorConfig   `yaml:"detector"`
	Normalizer signal.NormalizerConfig `yaml:"normalizer"`
	Search     SearchConfig            `yaml:"search"`
	Tracker    seed.Config             `yaml:"tracker"`

	// MaxChunks is the chunk budget of a read; zero means unlimited.
	MaxChunks int `yaml:"max_chunks"`

	// ConfirmEvents is the number of consecutive events a confident or
	// ambiguous report must hold before it classifies the read.  A chimera
	// is recognised when a second cluster settles within this window.
	ConfirmEvents int `yaml:"confirm_events"`

	// Mode and Targets decide between accepting and rejecting confidently
	// mapped reads.  With no targets, every confident map is accepted.
	Mode    Mode              `yaml:"mode"`
	Targets []genomics.Region `yaml:"-"`
}

// DefaultConfig returns the default mapper parameters.
func DefaultConfig() Config {
	return Config{
		Detector:      signal.DefaultDetectorConfig(),
		Normalizer:    signal.DefaultNormalizerConfig(),
		Search:        DefaultSearchConfig(),
		Tracker:       seed.DefaultConfig(),
		MaxChunks:     30,
		ConfirmEvents: 25,
		Mode:          Enrich,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg Config) Validate() error {
	if err := cfg.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %v", err)
	}
	if err := cfg.Normalizer.Validate(); err != nil {
		return fmt.Errorf("normalizer: %v", err)
	}
	if err := cfg.Search.Validate(); err != nil {
		return fmt.Errorf("search: %v", err)
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %v", err)
	}
	switch {
	case cfg.MaxChunks < 0:
		return fmt.Errorf("chunk budget must not be negative (got %d)", cfg.MaxChunks)
	case cfg.ConfirmEvents < 1:
		return fmt.Errorf("confirmation window must be positive (got %d)", cfg.ConfirmEvents)
	case cfg.Mode != Enrich && cfg.Mode != Deplete:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	return nil
}
