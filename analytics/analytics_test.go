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

package analytics

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/googlegenomics/sigmap/mapper"
)

func TestClient_Send_Batches(t *testing.T) {
	var requests int
	client := fakeBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	})

	var hits []Hit
	for i := 0; i < client.batchSize*4; i++ {
		hits = append(hits, Event("tests", "test", "", nil))
	}
	if err := client.Send(context.Background(), hits); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got, want := requests, len(hits)/client.batchSize; got != want {
		t.Errorf("Wrong number of requests: got %d, want %d", got, want)
	}
}

func TestClient_Send_VerifyPayloads(t *testing.T) {
	var payloads []string

	client := fakeBackend(t, func(w http.ResponseWriter, req *http.Request) {
		scanner := bufio.NewScanner(req.Body)
		for scanner.Scan() {
			payloads = append(payloads, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			t.Errorf("Failed to read request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	var hits []Hit
	for i := int64(0); i < 10; i++ {
		hits = append(hits, Event("tests", "test", fmt.Sprintf("%d", i), &i))
	}

	if err := client.Send(context.Background(), hits); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got, want := len(payloads), len(hits); got != want {
		t.Fatalf("Wrong number of payloads: got %d, want %d", got, want)
	}

	for i, payload := range payloads {
		got, err := url.ParseQuery(payload)
		if err != nil {
			t.Errorf("Failed to parse payload: %q: %v", payload, err)
		}

		want := url.Values{
			"v":   []string{"1"},
			"cid": []string{client.clientID},
			"tid": []string{client.propertyID},
		}
		for key, value := range hits[i] {
			want.Add(key, value)
		}

		if !reflect.DeepEqual(got, want) {
			t.Errorf("Wrong payload for hit %d: got %v, want %v", i, got, want)
		}
	}
}

func TestClient_Send_Failure(t *testing.T) {
	client := fakeBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if err := client.Send(context.Background(), []Hit{Event("tests", "test", "", nil)}); err == nil {
		t.Error("Send succeeded against a failing backend")
	}
}

func TestEvent_OptionalParameters(t *testing.T) {
	if got, want := Event("tests", "test", "", nil)["t"], "event"; got != want {
		t.Errorf("Wrong hit type: got %q, want %q", got, want)
	}
	if _, ok := Event("tests", "test", "", nil)["el"]; ok {
		t.Error("Label parameter was added for empty label")
	}
	if _, ok := Event("tests", "test", "", nil)["ev"]; ok {
		t.Error("Value parameter was added for empty label")
	}
}

func TestEvent_Values(t *testing.T) {
	testcases := []struct {
		name  string
		value int64
		want  string
	}{
		{"zero", 0, "0"},
		{"maximum", math.MaxInt64, strconv.Itoa(math.MaxInt64)},
		{"minimum", math.MinInt64, strconv.Itoa(math.MinInt64)},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Event("tests", "test", "", &tc.value)["ev"]; got != tc.want {
				t.Fatalf("Wrong value: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecision(t *testing.T) {
	hit := Decision(mapper.Result{
		ReadID:   "secret-read",
		Decision: mapper.DecisionReject,
		Reason:   mapper.ReasonConfident,
		Events:   312,
	})
	want := Hit{"t": "event", "ec": "Reads", "ea": "REJECT", "el": "CONFIDENT", "ev": "312"}
	if !reflect.DeepEqual(hit, want) {
		t.Errorf("Decision() = %v, want %v", hit, want)
	}
}

func TestRecorder(t *testing.T) {
	var (
		mu       sync.Mutex
		received int
	)
	client := fakeBackend(t, func(w http.ResponseWriter, req *http.Request) {
		scanner := bufio.NewScanner(req.Body)
		mu.Lock()
		for scanner.Scan() {
			received++
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	log := logrus.New()
	log.Out = ioutil.Discard
	rec := NewRecorder(client, logrus.NewEntry(log))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.Record(mapper.Result{ReadID: fmt.Sprintf("%d-%d", i, j), Decision: mapper.DecisionAccept})
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if got, want := received, 50; got != want {
		t.Errorf("Wrong number of hits received: got %d, want %d", got, want)
	}
}

func fakeBackend(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("UA-TEST123", "0001-0002-0003-0004")
	client.endpoint = server.URL
	return client
}
