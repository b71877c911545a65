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

// Package analytics reports anonymous usage of a mapping server to Google
// Analytics: one event per read decision, with no read or sample data.
package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/googlegenomics/sigmap/mapper"
)

const (
	defaultEndpoint  = "https://www.google-analytics.com/"
	defaultBatchSize = 20 // The maximum number supported by batch endpoint.

	// maxPending bounds the hits a Recorder buffers while uploads fail.
	maxPending = 10000
)

// Hit represents a single analytics event (called a 'hit').
type Hit map[string]string

// Event generates a new event typed hit.  The label may be empty and the
// value may be nil but category and action are required.
func Event(category, action, label string, value *int64) Hit {
	hit := Hit{
		"t":  "event",
		"ec": category,
		"ea": action,
	}
	if label != "" {
		hit["el"] = label
	}
	if value != nil {
		hit["ev"] = strconv.FormatInt(*value, 10)
	}
	return hit
}

// Decision returns the hit describing the outcome of one read: the decision
// labelled with the reason, valued with the number of events it took.
func Decision(r mapper.Result) Hit {
	events := int64(r.Events)
	return Event("Reads", string(r.Decision), string(r.Reason), &events)
}

// Client defines a type for communicating with Google Analytics.  To create a
// properly initialized Client instance, use NewClient.
type Client struct {
	propertyID string
	clientID   string
	endpoint   string
	batchSize  int
}

// NewClient returns a Client that sends hits to analytics using the provided
// IDs.
func NewClient(propertyID, clientID string) *Client {
	return &Client{propertyID, clientID, defaultEndpoint, defaultBatchSize}
}

// Send attempts to upload the provided hits to the analytics server.
func (client *Client) Send(ctx context.Context, hits []Hit) error {
	if len(hits) > 0 {
		if err := client.upload(ctx, hits); err != nil {
			return fmt.Errorf("uploading hits: %v", err)
		}
	}
	return nil
}

func (client *Client) upload(ctx context.Context, hits []Hit) error {
	for i := 0; i < len(hits); i += client.batchSize {
		start, end := i, i+client.batchSize
		if end > len(hits) {
			end = len(hits)
		}

		var body bytes.Buffer
		for _, hit := range hits[start:end] {
			payload := url.Values{
				"v":   []string{"1"},
				"tid": []string{client.propertyID},
				"cid": []string{client.clientID},
			}
			for key, value := range hit {
				payload.Add(key, value)
			}
			body.WriteString(payload.Encode())
			body.WriteByte('\n')
		}

		request, err := http.NewRequestWithContext(ctx, "POST", client.endpoint+"/batch", &body)
		if err != nil {
			return fmt.Errorf("creating request: %v", err)
		}
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			return fmt.Errorf("sending request: %v", err)
		}
		io.Copy(ioutil.Discard, response.Body)
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected response status: %v", response.Status)
		}
	}
	return nil
}

// Recorder buffers hits from concurrent callers and uploads them in
// batches.
type Recorder struct {
	client *Client
	log    *logrus.Entry

	mu      sync.Mutex
	pending []Hit
}

// NewRecorder returns a Recorder that uploads through client.
func NewRecorder(client *Client, log *logrus.Entry) *Recorder {
	return &Recorder{client: client, log: log}
}

// Record buffers the decision of r.  It can be passed to Pool.OnResult.
func (rec *Recorder) Record(r mapper.Result) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.pending) >= maxPending {
		rec.pending = rec.pending[1:]
	}
	rec.pending = append(rec.pending, Decision(r))
}

// Flush uploads the buffered hits.  Hits that fail to upload are dropped.
func (rec *Recorder) Flush(ctx context.Context) error {
	rec.mu.Lock()
	hits := rec.pending
	rec.pending = nil
	rec.mu.Unlock()
	return rec.client.Send(ctx, hits)
}

// Run flushes the Recorder every interval until ctx is done, then flushes
// once more.
func (rec *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := rec.Flush(final); err != nil {
				rec.log.Warnf("Failed to send final analytics: %v", err)
			}
			return
		case <-ticker.C:
			if err := rec.Flush(ctx); err != nil {
				rec.log.Warnf("Failed to send analytics: %v", err)
			}
		}
	}
}
