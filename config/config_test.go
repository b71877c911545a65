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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/genomics"
	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/pool"
)

const minimal = `
index: gs://bucket/ref.sfm
model: /models/r9.model
`

func TestDecode_Defaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Default()
	want.Index, want.Model = "gs://bucket/ref.sfm", "/models/r9.model"
	if cfg.Server != want.Server || cfg.Search != want.Search || cfg.Pool != want.Pool {
		t.Errorf("Decode(minimal) = %+v, want defaults %+v", cfg, want)
	}
	if got, want := cfg.Policy(), (pool.Realtime{Timeout: 5 * time.Second}); got != want {
		t.Errorf("Policy() = %v, want %v", got, want)
	}
}

func TestDecode_Overrides(t *testing.T) {
	const text = minimal + `
search:
  seed_length: 18
  max_edits: 0
tracker:
  max_events: 4000
mapper:
  max_chunks: 12
  mode: deplete
  targets:
    - {contig: chr2, start: 100, end: 900}
    - {contig: chrM}
pool:
  workers: 3
server:
  port: 9000
  policy: offline
  timeout: 250ms
`
	cfg, err := Decode(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := cfg.Search.SeedLength, 18; got != want {
		t.Errorf("seed length: got %d, want %d", got, want)
	}
	if got, want := cfg.Search.MaxPaths, mapper.DefaultSearchConfig().MaxPaths; got != want {
		t.Errorf("max paths: got %d, want the default %d", got, want)
	}
	if got, want := cfg.Tracker.MaxEvents, 4000; got != want {
		t.Errorf("max events: got %d, want %d", got, want)
	}
	if got, want := cfg.Pool.Workers, 3; got != want {
		t.Errorf("workers: got %d, want %d", got, want)
	}
	if got, want := cfg.Server.Timeout, 250*time.Millisecond; got != want {
		t.Errorf("timeout: got %v, want %v", got, want)
	}
	if _, ok := cfg.Policy().(pool.Offline); !ok {
		t.Errorf("Policy() = %v, want offline", cfg.Policy())
	}

	contigs := []fmindex.Contig{{Name: "chr1", Length: 5000}, {Name: "chr2", Length: 1000}, {Name: "chrM", Length: 200}}
	mcfg, err := cfg.ResolveMapper(contigs)
	if err != nil {
		t.Fatalf("ResolveMapper: %v", err)
	}
	if mcfg.Mode != mapper.Deplete || mcfg.MaxChunks != 12 {
		t.Errorf("mapper config: got mode %q, max chunks %d", mcfg.Mode, mcfg.MaxChunks)
	}
	wantTargets := []genomics.Region{
		{ReferenceID: 1, Start: 100, End: 900},
		{ReferenceID: 2},
	}
	if len(mcfg.Targets) != len(wantTargets) {
		t.Fatalf("targets: got %v, want %v", mcfg.Targets, wantTargets)
	}
	for i := range wantTargets {
		if mcfg.Targets[i] != wantTargets[i] {
			t.Errorf("target %d: got %v, want %v", i, mcfg.Targets[i], wantTargets[i])
		}
	}

	if _, err := cfg.ResolveMapper(contigs[:2]); err == nil {
		t.Error("ResolveMapper succeeded with a target contig missing from the index")
	}
	if _, err := cfg.ResolveMapper([]fmindex.Contig{{Name: "chr2", Length: 500}, {Name: "chrM", Length: 200}}); err == nil {
		t.Error("ResolveMapper succeeded with a target past the contig end")
	}
}

func TestDecode_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		text string
	}{
		{"no index", "model: m"},
		{"no model", "index: i"},
		{"unknown key", minimal + "colour: blue\n"},
		{"bad yaml", minimal + "search: [\n"},
		{"bad search", minimal + "search: {path_window: 0}\n"},
		{"bad mode", minimal + "mapper: {mode: both}\n"},
		{"target without contig", minimal + "mapper: {targets: [{start: 5}]}\n"},
		{"empty target", minimal + "mapper: {targets: [{contig: c, start: 5, end: 5}]}\n"},
		{"bad pool", minimal + "pool: {queue_depth: 0}\n"},
		{"bad policy", minimal + "server: {policy: eager}\n"},
		{"bad port", minimal + "server: {port: 70000}\n"},
		{"negative timeout", minimal + "server: {timeout: -1s}\n"},
		{"token without token", minimal + "storage: {credentials: token}\n"},
		{"bad credentials", minimal + "storage: {credentials: anonymous}\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.text)); err == nil {
				t.Errorf("Decode(%q) succeeded, want error", tc.text)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigmap.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Index, "gs://bucket/ref.sfm"; got != want {
		t.Errorf("index: got %q, want %q", got, want)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
