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

// This binary replays recorded reads against a sigmap server and writes the
// decisions it returns, one per line, as JSON objects or tab-separated
// alignment records.
//
// Every line of the input holds one read: its id, its channel and its raw
// samples, separated by tabs, with the samples separated by commas.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/googlegenomics/sigmap/mapper"
)

const (
	scope = "https://www.googleapis.com/auth/userinfo.email"

	msgpackContentType = "application/msgpack"
)

var (
	server    = flag.String("server", "http://localhost:8080", "sigmap server URL")
	input     = flag.String("i", "", "input file, standard input if empty")
	output    = flag.String("o", "", "output filename, standard output if empty")
	chunkSize = flag.Int("chunk_size", 4000, "samples per chunk")
	auth      = flag.Bool("auth", false, "authenticate with the application default credentials")
	wait      = flag.Duration("wait", time.Minute, "how long to wait for the last decisions")
	format    = flag.String("format", "json", "output format, json or tsv")
)

var errReadFinished = errors.New("read finished")

type chunk struct {
	Channel int       `msgpack:"channel"`
	Number  uint32    `msgpack:"number"`
	Samples []float32 `msgpack:"samples"`
}

func main() {
	flag.Parse()
	if *chunkSize < 1 {
		log.Fatalf("Invalid -chunk_size %d", *chunkSize)
	}
	var write func(io.Writer, mapper.Result) error
	switch *format {
	case "json":
		write = writeJSON
	case "tsv":
		write = writeTSV
	default:
		log.Fatalf("Unknown -format %q", *format)
	}

	r := io.Reader(os.Stdin)
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("Failed to open input file: %v", err)
		}
		defer f.Close()
		r = f
	}
	w := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("Failed to open output file: %v", err)
		}
		defer f.Close()
		w = f
	}

	ctx := context.Background()
	client, err := newHTTPClient(ctx)
	if err != nil {
		log.Fatal(err)
	}

	var (
		pending = make(map[string]bool)
		samples uint64
		start   = time.Now()
		scanner = bufio.NewScanner(r)
	)
	scanner.Buffer(nil, 1<<30)
	for line := 1; scanner.Scan(); line++ {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		id, channel, signal, err := parseRead(scanner.Text())
		if err != nil {
			log.Fatalf("Line %d: %v", line, err)
		}
		if err := replay(ctx, client, id, channel, signal); err != nil {
			log.Fatalf("Read %s: %v", id, err)
		}
		pending[id] = true
		samples += uint64(len(signal))
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Reading input: %v", err)
	}
	log.Infof("Sent %d reads (%s samples) in %v", len(pending), humanize.Comma(int64(samples)), time.Since(start))

	bw := bufio.NewWriter(w)
	defer bw.Flush()
	deadline := time.Now().Add(*wait)
	for len(pending) > 0 && time.Now().Before(deadline) {
		results, err := fetchResults(ctx, client)
		if err != nil {
			log.Fatalf("Fetching results: %v", err)
		}
		for _, result := range results {
			if !pending[result.ReadID] {
				continue
			}
			delete(pending, result.ReadID)
			if err := write(bw, result); err != nil {
				log.Fatalf("Writing result: %v", err)
			}
		}
		if len(results) == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if len(pending) > 0 {
		bw.Flush()
		log.Fatalf("No decision for %d reads after %v", len(pending), *wait)
	}
}

func writeJSON(w io.Writer, r mapper.Result) error {
	return json.NewEncoder(w).Encode(r)
}

// writeTSV writes read id, channel, decision, reason, contig, start, end,
// strand, matched length, score and event count.  Unmapped reads have empty
// locus columns.
func writeTSV(w io.Writer, r mapper.Result) error {
	contig, start, end, strand := "", "", "", ""
	if r.Mapped || r.MatchedLength > 0 {
		contig = r.Locus.Name
		start = strconv.FormatUint(uint64(r.Locus.Start), 10)
		end = strconv.FormatUint(uint64(r.Locus.End), 10)
		strand = r.Locus.Strand.String()
	}
	_, err := fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%.3f\t%d\n",
		r.ReadID, r.Channel, r.Decision, r.Reason, contig, start, end, strand, r.MatchedLength, r.Score, r.Events)
	return err
}

// newHTTPClient returns the client used to talk to the server.  For
// compatibility with other tools, the standard cURL certificate authority
// override is read from the environment.
func newHTTPClient(ctx context.Context) (*http.Client, error) {
	client := http.DefaultClient
	if bundle := os.Getenv("CURL_CA_BUNDLE"); bundle != "" {
		pem, err := ioutil.ReadFile(bundle)
		if err != nil {
			return nil, fmt.Errorf("reading CA override file %q: %v", bundle, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("initializing system certificate pool: %v", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("adding certificates from bundle %q", bundle)
		}
		client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: pool,
				}},
		}
		log.Infof("Using CA override bundle from %q", bundle)
	}
	if !*auth {
		return client, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	authorized, err := google.DefaultClient(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("creating authorized client: %v", err)
	}
	return authorized, nil
}

func parseRead(line string) (string, int, []float32, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return "", 0, nil, fmt.Errorf("got %d fields, want 3", len(fields))
	}
	channel, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, nil, fmt.Errorf("parsing channel: %v", err)
	}
	var signal []float32
	for _, s := range strings.Split(fields[2], ",") {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return "", 0, nil, fmt.Errorf("parsing sample %d: %v", len(signal), err)
		}
		signal = append(signal, float32(v))
	}
	return fields[0], channel, signal, nil
}

// replay submits the signal of one read chunk by chunk and ends the read.
// The server may classify the read before its last chunk.
func replay(ctx context.Context, client *http.Client, id string, channel int, signal []float32) error {
	base := *server + "/reads/" + id
	for number := 0; len(signal) > 0; number++ {
		n := *chunkSize
		if n > len(signal) {
			n = len(signal)
		}
		body, err := msgpack.Marshal(chunk{Channel: channel, Number: uint32(number), Samples: signal[:n]})
		if err != nil {
			return fmt.Errorf("encoding chunk %d: %v", number, err)
		}
		signal = signal[n:]
		err = post(ctx, client, base+"/chunks", msgpackContentType, body)
		if errors.Is(err, errReadFinished) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunk %d: %v", number, err)
		}
	}
	if err := post(ctx, client, base+"/end", "", nil); err != nil && !errors.Is(err, errReadFinished) {
		return fmt.Errorf("ending read: %v", err)
	}
	return nil
}

func post(ctx context.Context, client *http.Client, target, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone:
		return errReadFinished
	}
	return errorFromResponse(resp)
}

func fetchResults(ctx context.Context, client *http.Client) ([]mapper.Result, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", *server+"/results?format=msgpack", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	var results []mapper.Result
	dec := msgpack.NewDecoder(resp.Body)
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding results: %v", err)
	}
	return results, nil
}

func errorFromResponse(resp *http.Response) error {
	v := make(map[string]string)
	if err := json.NewDecoder(resp.Body).Decode(&v); err == nil {
		if message, ok := v["message"]; ok {
			return fmt.Errorf("%s: %v", v["error"], message)
		}
	}
	return fmt.Errorf("unexpected response status: %q", resp.Status)
}
