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

// Package config loads the YAML configuration of a mapping server.
//
// A configuration file only needs to name the settings that differ from
// Default:
//
//	index: gs://bucket/hg38.sfm
//	model: r9.4_450bps.model
//	mapper:
//	  mode: deplete
//	  targets:
//	    - {contig: chrM}
//	server:
//	  policy: realtime
//	  timeout: 2s
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/genomics"
	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/pool"
	"github.com/googlegenomics/sigmap/seed"
	"github.com/googlegenomics/sigmap/signal"
)

// Policies understood by ServerConfig.Policy.
const (
	PolicyRealtime = "realtime"
	PolicyOffline  = "offline"
)

// Storage credentials understood by StorageConfig.Credentials.
const (
	CredentialsDefault = "default"
	CredentialsPublic  = "public"
	CredentialsToken   = "token"
)

// Config is the complete configuration of a server.
type Config struct {
	// Index and Model are local paths or gs:// URIs.
	Index   string        `yaml:"index"`
	Model   string        `yaml:"model"`
	Storage StorageConfig `yaml:"storage"`

	Detector   signal.DetectorConfig   `yaml:"detector"`
	Normalizer signal.NormalizerConfig `yaml:"normalizer"`
	Search     mapper.SearchConfig     `yaml:"search"`
	Tracker    seed.Config             `yaml:"tracker"`
	Mapper     MapperConfig            `yaml:"mapper"`
	Pool       pool.Config             `yaml:"pool"`
	Server     ServerConfig            `yaml:"server"`
}

// StorageConfig selects how gs:// files are read.
type StorageConfig struct {
	Credentials string `yaml:"credentials"`
	Token       string `yaml:"token"`
}

// MapperConfig holds the per-read budgets and the selection targets.
type MapperConfig struct {
	MaxChunks     int         `yaml:"max_chunks"`
	ConfirmEvents int         `yaml:"confirm_events"`
	Mode          mapper.Mode `yaml:"mode"`
	Targets       []Target    `yaml:"targets"`
}

// Target names a region of interest by contig.  A zero End extends the
// region to the end of the contig.
type Target struct {
	Contig string `yaml:"contig"`
	Start  uint32 `yaml:"start"`
	End    uint32 `yaml:"end"`
}

// ServerConfig configures the HTTP server and the dispatch policy.
type ServerConfig struct {
	Port    int           `yaml:"port"`
	Policy  string        `yaml:"policy"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for every setting a file leaves
// out.
func Default() Config {
	m := mapper.DefaultConfig()
	return Config{
		Storage:    StorageConfig{Credentials: CredentialsDefault},
		Detector:   m.Detector,
		Normalizer: m.Normalizer,
		Search:     m.Search,
		Tracker:    m.Tracker,
		Mapper: MapperConfig{
			MaxChunks:     m.MaxChunks,
			ConfirmEvents: m.ConfirmEvents,
			Mode:          m.Mode,
		},
		Pool: pool.DefaultConfig(),
		Server: ServerConfig{
			Port:    8080,
			Policy:  PolicyRealtime,
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config: %v", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %v", path, err)
	}
	return cfg, nil
}

// Decode parses a YAML configuration from r on top of Default and validates
// it.  Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %v", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting of cfg.  Targets are only
// checked against the index by ResolveMapper.
func (cfg Config) Validate() error {
	if cfg.Index == "" {
		return errors.New("no index specified")
	}
	if cfg.Model == "" {
		return errors.New("no model specified")
	}
	switch cfg.Storage.Credentials {
	case CredentialsDefault, CredentialsPublic:
	case CredentialsToken:
		if cfg.Storage.Token == "" {
			return errors.New("storage: token credentials without a token")
		}
	default:
		return fmt.Errorf("storage: unknown credentials %q", cfg.Storage.Credentials)
	}
	if _, err := cfg.Mapper.config(cfg, nil); err != nil {
		return fmt.Errorf("mapper: %v", err)
	}
	for i, t := range cfg.Mapper.Targets {
		if t.Contig == "" {
			return fmt.Errorf("mapper: target %d has no contig", i)
		}
		if t.End != 0 && t.End <= t.Start {
			return fmt.Errorf("mapper: target %d has end %d not after start %d", i, t.End, t.Start)
		}
	}
	if err := cfg.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %v", err)
	}
	switch {
	case cfg.Server.Port < 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("server: invalid port %d", cfg.Server.Port)
	case cfg.Server.Policy != PolicyRealtime && cfg.Server.Policy != PolicyOffline:
		return fmt.Errorf("server: unknown policy %q", cfg.Server.Policy)
	case cfg.Server.Timeout < 0:
		return fmt.Errorf("server: negative timeout %v", cfg.Server.Timeout)
	}
	return nil
}

// ResolveMapper returns the mapper configuration with its targets resolved
// against the contigs of the index.
func (cfg Config) ResolveMapper(contigs []fmindex.Contig) (mapper.Config, error) {
	return cfg.Mapper.config(cfg, contigs)
}

func (m MapperConfig) config(cfg Config, contigs []fmindex.Contig) (mapper.Config, error) {
	mcfg := mapper.Config{
		Detector:      cfg.Detector,
		Normalizer:    cfg.Normalizer,
		Search:        cfg.Search,
		Tracker:       cfg.Tracker,
		MaxChunks:     m.MaxChunks,
		ConfirmEvents: m.ConfirmEvents,
		Mode:          m.Mode,
	}
	if err := mcfg.Validate(); err != nil {
		return mapper.Config{}, err
	}
	if contigs == nil {
		return mcfg, nil
	}
	for _, t := range m.Targets {
		region, err := t.resolve(contigs)
		if err != nil {
			return mapper.Config{}, err
		}
		mcfg.Targets = append(mcfg.Targets, region)
	}
	return mcfg, nil
}

func (t Target) resolve(contigs []fmindex.Contig) (genomics.Region, error) {
	for i, c := range contigs {
		if c.Name != t.Contig {
			continue
		}
		if t.Start >= c.Length || t.End > c.Length {
			return genomics.Region{}, fmt.Errorf("target %s:%d-%d exceeds contig length %d", t.Contig, t.Start, t.End, c.Length)
		}
		return genomics.Region{ReferenceID: int32(i), Start: t.Start, End: t.End}, nil
	}
	return genomics.Region{}, fmt.Errorf("target contig %q is not in the index", t.Contig)
}

// Policy returns the dispatch policy of the server.
func (cfg Config) Policy() pool.Policy {
	if cfg.Server.Policy == PolicyOffline {
		return pool.Offline{}
	}
	return pool.Realtime{Timeout: cfg.Server.Timeout}
}
