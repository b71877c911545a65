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

// Package api implements the HTTP interface through which a sequencer
// controller streams signal chunks to a Pool and collects its decisions.
//
// Routes:
//
//	POST   /reads              submit the first chunk of a read; the server picks the id
//	POST   /reads/:id/chunks   submit a chunk of read id
//	POST   /reads/:id/end      no more chunks will arrive for read id
//	DELETE /reads/:id          cancel read id
//	GET    /results            drain the Results produced so far
//	GET    /stats              Pool counters
//
// Chunks are JSON objects, or MessagePack maps with the same keys when sent
// with Content-Type application/msgpack.  Results are JSON unless the
// request asks for ?format=msgpack.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/pool"
	"github.com/googlegenomics/sigmap/reads"
)

const (
	msgpackContentType = "application/msgpack"

	// maxBodyBytes bounds the body of a chunk request: the largest chunk
	// plus room for its encoding.
	maxBodyBytes = 24 * reads.MaxChunkSamples
)

var errMissingID = errors.New("invalid or unspecified read ID")

// Pool is the part of *pool.Pool the server drives.
type Pool interface {
	Submit(c reads.Chunk) error
	EndRead(id string) error
	Cancel(id string) bool
	Poll() []mapper.Result
	Stats() pool.Stats
}

// Server exposes a Pool over HTTP.  Must be created with NewServer.
type Server struct {
	pool Pool
	log  *logrus.Entry
}

// NewServer returns a Server that feeds p and logs to log.  A nil log logs
// to the standard logrus logger.
func NewServer(p Pool, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{pool: p, log: log}
}

// Export registers the API routes with router.
func (server *Server) Export(router gin.IRoutes) {
	router.POST("/reads", server.submitNew)
	router.POST("/reads/:id/chunks", server.submit)
	router.POST("/reads/:id/end", server.end)
	router.DELETE("/reads/:id", server.cancel)
	router.GET("/results", server.results)
	router.GET("/stats", server.stats)
}

// Handler returns a gin engine serving the API with request logging, panic
// recovery and origin forwarding.
func (server *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), server.logRequests, forwardOrigin)
	server.Export(router)
	return router
}

// chunkRequest is the body of a chunk submission.
type chunkRequest struct {
	Channel int       `json:"channel"`
	Number  uint32    `json:"number"`
	Samples []float32 `json:"samples"`
}

func (server *Server) submitNew(c *gin.Context) {
	id := uuid.New().String()
	if server.submitChunk(c, id) {
		c.JSON(http.StatusAccepted, gin.H{"read_id": id})
	}
}

func (server *Server) submit(c *gin.Context) {
	if server.submitChunk(c, c.Param("id")) {
		c.Status(http.StatusAccepted)
	}
}

// submitChunk decodes the chunk in the request and hands it to the pool.  It
// reports whether the chunk was accepted; otherwise the error response has
// been written.
func (server *Server) submitChunk(c *gin.Context, id string) bool {
	if id == "" {
		writeError(c, newInvalidInputError("parsing read ID", errMissingID))
		return false
	}
	req, err := decodeChunk(c)
	if err != nil {
		writeError(c, newInvalidInputError("decoding chunk", err))
		return false
	}
	chunk := reads.Chunk{
		ReadID:  id,
		Channel: req.Channel,
		Number:  req.Number,
		Samples: req.Samples,
	}
	if err := server.pool.Submit(chunk); err != nil {
		writeError(c, newPoolError("submitting chunk", err))
		return false
	}
	return true
}

func decodeChunk(c *gin.Context) (chunkRequest, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req chunkRequest
	if c.ContentType() == msgpackContentType {
		dec := msgpack.NewDecoder(c.Request.Body)
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&req); err != nil {
			return chunkRequest{}, fmt.Errorf("msgpack: %v", err)
		}
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return chunkRequest{}, fmt.Errorf("json: %v", err)
	}
	return req, nil
}

func (server *Server) end(c *gin.Context) {
	if err := server.pool.EndRead(c.Param("id")); err != nil {
		writeError(c, newPoolError("ending read", err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (server *Server) cancel(c *gin.Context) {
	cancelled := server.pool.Cancel(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (server *Server) results(c *gin.Context) {
	format := c.Query("format")
	if err := parseFormat(format); err != nil {
		writeError(c, newUnsupportedFormatError(err))
		return
	}
	results := server.pool.Poll()
	if results == nil {
		results = []mapper.Result{}
	}
	if format != "msgpack" {
		c.JSON(http.StatusOK, gin.H{"results": results})
		return
	}
	c.Header("Content-Type", msgpackContentType)
	c.Status(http.StatusOK)
	enc := msgpack.NewEncoder(c.Writer)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(results); err != nil {
		server.log.Errorf("Failed to encode %d results: %v", len(results), err)
	}
}

func parseFormat(format string) error {
	switch format {
	case "", "json", "msgpack":
		return nil
	}
	return fmt.Errorf("unsupported format %q", format)
}

func (server *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, server.pool.Stats())
}

func (server *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	entry := server.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start),
	})
	if c.Writer.Status() >= http.StatusInternalServerError {
		entry.Warn("Request failed")
		return
	}
	entry.Debug("Request served")
}

func forwardOrigin(c *gin.Context) {
	if origin := c.GetHeader("Origin"); origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
	}
	c.Next()
}
