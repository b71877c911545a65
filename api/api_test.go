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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/internal/simulate"
	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/pool"
	"github.com/googlegenomics/sigmap/reads"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.Out = ioutil.Discard
	return logrus.NewEntry(log)
}

// fakePool records the chunks it receives and fails with err.
type fakePool struct {
	chunks  []reads.Chunk
	ended   []string
	err     error
	results []mapper.Result
}

func (p *fakePool) Submit(c reads.Chunk) error {
	if p.err != nil {
		return p.err
	}
	p.chunks = append(p.chunks, c)
	return nil
}

func (p *fakePool) EndRead(id string) error {
	if p.err != nil {
		return p.err
	}
	p.ended = append(p.ended, id)
	return nil
}

func (p *fakePool) Cancel(id string) bool { return id == "live" }

func (p *fakePool) Poll() []mapper.Result {
	results := p.results
	p.results = nil
	return results
}

func (p *fakePool) Stats() pool.Stats {
	return pool.Stats{Session: "session", Accepted: uint64(len(p.chunks))}
}

func serve(t *testing.T, handler http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSubmit(t *testing.T) {
	p := &fakePool{}
	handler := NewServer(p, quietLog()).Handler()

	w := serve(t, handler, "POST", "/reads/r1/chunks", "application/json", []byte(`{"channel": 7, "number": 2, "samples": [80.5, 91, 102.25]}`))
	assert.Equal(t, http.StatusAccepted, w.Code)

	body, err := msgpack.Marshal(map[string]interface{}{"channel": 7, "number": 3, "samples": []float32{1, 2}})
	require.NoError(t, err)
	w = serve(t, handler, "POST", "/reads/r1/chunks", msgpackContentType, body)
	assert.Equal(t, http.StatusAccepted, w.Code)

	want := []reads.Chunk{
		{ReadID: "r1", Channel: 7, Number: 2, Samples: []float32{80.5, 91, 102.25}},
		{ReadID: "r1", Channel: 7, Number: 3, Samples: []float32{1, 2}},
	}
	assert.Equal(t, want, p.chunks)

	w = serve(t, handler, "POST", "/reads/r1/end", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"r1"}, p.ended)
}

func TestSubmit_NewRead(t *testing.T) {
	p := &fakePool{}
	handler := NewServer(p, quietLog()).Handler()

	w := serve(t, handler, "POST", "/reads", "application/json", []byte(`{"channel": 1, "samples": [1]}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ReadID string `json:"read_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ReadID)
	require.Len(t, p.chunks, 1)
	assert.Equal(t, resp.ReadID, p.chunks[0].ReadID)
}

func TestErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		body     string
		wantCode int
		wantName string
	}{
		{"bad json", nil, `{"channel": "one"}`, http.StatusBadRequest, "InvalidInput"},
		{"malformed", fmt.Errorf("%w: negative channel", reads.ErrMalformedChunk), `{}`, http.StatusBadRequest, "InvalidInput"},
		{"out of order", fmt.Errorf("%w: chunk 1 after chunk 2", reads.ErrOutOfOrder), `{}`, http.StatusConflict, "OutOfOrder"},
		{"finished", fmt.Errorf("%w: r1", pool.ErrReadFinished), `{}`, http.StatusGone, "ReadFinished"},
		{"closed", pool.ErrClosed, `{}`, http.StatusServiceUnavailable, "Unavailable"},
		{"unexpected", fmt.Errorf("disk on fire"), `{}`, http.StatusInternalServerError, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewServer(&fakePool{err: tc.err}, quietLog()).Handler()
			w := serve(t, handler, "POST", "/reads/r1/chunks", "application/json", []byte(tc.body))
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantName == "" {
				return
			}
			var resp struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantName, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}

	handler := NewServer(&fakePool{err: fmt.Errorf("%w: r9", pool.ErrUnknownRead)}, quietLog()).Handler()
	w := serve(t, handler, "POST", "/reads/r9/end", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, handler, "GET", "/results?format=sam", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancel(t *testing.T) {
	handler := NewServer(&fakePool{}, quietLog()).Handler()
	for id, want := range map[string]string{"live": `{"cancelled":true}`, "gone": `{"cancelled":false}`} {
		w := serve(t, handler, "DELETE", "/reads/"+id, "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, want, w.Body.String())
	}
}

func TestForwardOrigin(t *testing.T) {
	handler := NewServer(&fakePool{}, quietLog()).Handler()
	req, err := http.NewRequest("GET", "/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://controller.local")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://controller.local", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestResults_Formats(t *testing.T) {
	result := mapper.Result{
		ReadID:   "r1",
		Channel:  3,
		Decision: mapper.DecisionAccept,
		State:    mapper.StateConfidentMap,
		Reason:   mapper.ReasonConfident,
		Mapped:   true,
		Events:   120,
	}
	p := &fakePool{results: []mapper.Result{result}}
	handler := NewServer(p, quietLog()).Handler()

	w := serve(t, handler, "GET", "/results?format=msgpack", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, msgpackContentType, w.Header().Get("Content-Type"))
	var got []mapper.Result
	dec := msgpack.NewDecoder(w.Body)
	dec.SetCustomStructTag("json")
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, []mapper.Result{result}, got)

	// Results are drained by the first request.
	w = serve(t, handler, "GET", "/results", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results": []}`, w.Body.String())
}

// TestServer_Pool drives a real Pool through the API.
func TestServer_Pool(t *testing.T) {
	contig := simulate.Reference(41, 20000)
	idx, err := fmindex.Build([]fmindex.Sequence{{Name: "chr1", Bases: contig}}, fmindex.DefaultSampleRate)
	require.NoError(t, err)
	model := simulate.Model(42, 5, 50, 130, 2.5)
	ref, err := mapper.NewReference(idx, model)
	require.NoError(t, err)

	mcfg := mapper.DefaultConfig()
	mcfg.Normalizer.Warmup = 400
	mcfg.MaxChunks = 0
	p, err := pool.New(ref, mcfg, pool.DefaultConfig(), pool.Offline{}, quietLog())
	require.NoError(t, err)
	defer p.Close()
	handler := NewServer(p, quietLog()).Handler()

	samples := simulate.Signal(model, contig[6000:6700], 8)
	for i, chunk := range simulate.Split(samples, 1500) {
		body, err := json.Marshal(chunkRequest{Channel: 5, Number: uint32(i), Samples: chunk})
		require.NoError(t, err)
		w := serve(t, handler, "POST", "/reads/r1/chunks", "application/json", body)
		if w.Code == http.StatusGone {
			// The read was classified before its last chunk.
			break
		}
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
	w := serve(t, handler, "POST", "/reads/r1/end", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var results []mapper.Result
	deadline := time.Now().Add(60 * time.Second)
	for len(results) == 0 {
		require.True(t, time.Now().Before(deadline), "timed out waiting for a result")
		w := serve(t, handler, "GET", "/results", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Results []mapper.Result `json:"results"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		results = append(results, resp.Results...)
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].ReadID)
	assert.Equal(t, 5, results[0].Channel)
	assert.NotEmpty(t, results[0].Decision)

	w = serve(t, handler, "POST", "/reads/r1/chunks", "application/json", []byte(`{"channel": 5, "number": 99, "samples": [1]}`))
	assert.Equal(t, http.StatusGone, w.Code)

	w = serve(t, handler, "GET", "/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats pool.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, p.Session(), stats.Session)
	assert.EqualValues(t, 1, stats.Results[results[0].Decision])
	assert.True(t, strings.Contains(w.Body.String(), "chunks_accepted"))
}
