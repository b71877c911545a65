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

// This binary maps the signal of reads streamed by a sequencer controller
// against a reference index and reports a decision for every read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"

	"github.com/googlegenomics/sigmap/analytics"
	"github.com/googlegenomics/sigmap/api"
	"github.com/googlegenomics/sigmap/config"
	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/pool"
	"github.com/googlegenomics/sigmap/source"
)

var (
	configFile = flag.String("config", "", "YAML configuration file")
	port       = flag.Int("port", 0, "HTTP service port, overriding the configuration")
	logLevel   = flag.String("log_level", "info", "logging level")
	statsEvery = flag.Duration("stats_interval", time.Minute, "interval between stats log lines, 0 disables them")

	httpsCert = flag.String("https_cert", "", "HTTPS certificate file")
	httpsKey  = flag.String("https_key", "", "HTTPS key file")

	profileMode = flag.String("profile", "", "write a cpu, mem or block profile on exit")
	profileDir  = flag.String("profile_dir", ".", "directory for profiles")

	// Enable or disable anonymous usage tracking.
	//
	// If enabled, the decision and reason of every read are logged to Google
	// via Google Analytics.  No read identifiers or signal data are ever sent.
	trackUsage = flag.Bool("track_usage", false, "anonymous usage tracking")
)

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Parsing -log_level: %v", err)
	}
	log.SetLevel(level)

	if (*httpsCert == "") != (*httpsKey == "") {
		log.Fatal("You must specify both -https_cert and -https_key for HTTPS.")
	}
	if *configFile == "" {
		log.Fatal("You must specify -config.")
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if stop := startProfile(*profileMode, *profileDir); stop != nil {
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ref, mcfg, err := loadReference(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	p, err := pool.New(ref, mcfg, cfg.Pool, cfg.Policy(), log.WithField("component", "pool"))
	if err != nil {
		log.Fatalf("Creating pool: %v", err)
	}
	entry := log.WithField("session", p.Session())
	entry.Infof("Mapping with %v policy, mode %s, %d targets", cfg.Policy(), mcfg.Mode, len(mcfg.Targets))

	if *trackUsage {
		entry.Info("Enabling anonymous usage tracking")
		recorder := analytics.NewRecorder(analytics.NewClient("UA-103022118-1", p.Session()), entry)
		p.OnResult(recorder.Record)
		go recorder.Run(ctx, time.Minute)
	}
	if *statsEvery > 0 {
		go logStats(ctx, p, *statsEvery, entry)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(p, log.WithField("component", "api")).Handler(),
	}
	go func() {
		<-ctx.Done()
		entry.Info("Shutting down")
		shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Shutdown(shutdown); err != nil {
			entry.Warnf("HTTP server shutdown: %v", err)
		}
	}()

	entry.Infof("Listening on %s", server.Addr)
	if *httpsCert != "" {
		err = server.ListenAndServeTLS(*httpsCert, *httpsKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		entry.Errorf("HTTP server returned an error: %v", err)
	}

	p.Close()
	s := p.Stats()
	entry.Infof("Processed %s chunks, %s results", humanize.Comma(int64(s.Accepted)), humanize.Comma(int64(total(s.Results))))
}

// loadReference loads the index and model named by cfg and resolves the
// mapper configuration against the index.
func loadReference(ctx context.Context, cfg config.Config) (*mapper.Reference, mapper.Config, error) {
	gcs, err := storageClient(ctx, cfg)
	if err != nil {
		return nil, mapper.Config{}, err
	}

	start := time.Now()
	idx, err := source.LoadIndex(ctx, cfg.Index, gcs)
	if err != nil {
		return nil, mapper.Config{}, err
	}
	var bases uint64
	for _, c := range idx.Contigs() {
		bases += uint64(c.Length)
	}
	log.Infof("Loaded index %s: %d contigs, %s bases in %v", cfg.Index, len(idx.Contigs()), humanize.Comma(int64(bases)), time.Since(start))

	model, err := source.LoadModel(ctx, cfg.Model, gcs)
	if err != nil {
		return nil, mapper.Config{}, err
	}
	log.Infof("Loaded %d-mer model %s", model.K(), cfg.Model)

	start = time.Now()
	ref, err := mapper.NewReference(idx, model)
	if err != nil {
		return nil, mapper.Config{}, fmt.Errorf("preparing reference: %v", err)
	}
	log.Infof("Precomputed %s k-mer ranges in %v", humanize.Comma(int64(model.Count())), time.Since(start))

	mcfg, err := cfg.ResolveMapper(idx.Contigs())
	if err != nil {
		return nil, mapper.Config{}, fmt.Errorf("resolving targets: %v", err)
	}
	return ref, mcfg, nil
}

// storageClient returns the client for gs:// files, or nil when the index
// and model are both local.
func storageClient(ctx context.Context, cfg config.Config) (source.Client, error) {
	if !strings.HasPrefix(cfg.Index, "gs://") && !strings.HasPrefix(cfg.Model, "gs://") {
		return nil, nil
	}
	var (
		client source.GCSClient
		err    error
	)
	switch cfg.Storage.Credentials {
	case config.CredentialsPublic:
		client, err = source.NewPublicClient(ctx)
	case config.CredentialsToken:
		client, err = source.NewClientFromToken(ctx, cfg.Storage.Token)
	default:
		client, err = source.NewDefaultClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func startProfile(mode, dir string) func() {
	var option func(*profile.Profile)
	switch mode {
	case "":
		return nil
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "block":
		option = profile.BlockProfile
	default:
		log.Fatalf("Unknown profile %q", mode)
	}
	return profile.Start(option, profile.ProfilePath(dir), profile.NoShutdownHook).Stop
}

func logStats(ctx context.Context, p *pool.Pool, interval time.Duration, entry *log.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			rate := float64(s.Accepted-last) / interval.Seconds()
			last = s.Accepted
			entry.WithFields(log.Fields{
				"active":    s.ActiveReads,
				"queued":    s.QueuedChunks,
				"dropped":   s.Dropped,
				"rejected":  s.Rejected,
				"faults":    s.Faults,
				"discarded": s.Discarded,
			}).Infof("%s chunks/s, %s results", humanize.Commaf(rate), humanize.Comma(int64(total(s.Results))))
		}
	}
}

func total(counts map[mapper.Decision]uint64) uint64 {
	var n uint64
	for _, c := range counts {
		n += c
	}
	return n
}
