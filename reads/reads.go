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

// Package reads buffers the signal chunks of reads in flight.
package reads

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedChunk is returned for chunks that cannot be processed.
	ErrMalformedChunk = errors.New("malformed chunk")

	// ErrOutOfOrder is returned for chunks numbered below a chunk already
	// accepted for the same read.
	ErrOutOfOrder = errors.New("chunk out of order")

	// ErrWrongRead is returned when a chunk is pushed to another read's
	// buffer.
	ErrWrongRead = errors.New("chunk belongs to another read")
)

// MaxChunkSamples bounds the number of samples in a single chunk.
const MaxChunkSamples = 1 << 24

// Chunk is a run of raw samples from one read.  Chunks of a read are numbered
// in acquisition order.
type Chunk struct {
	ReadID  string
	Channel int
	Number  uint32
	Samples []float32
}

func (c *Chunk) String() string {
	return fmt.Sprintf("read %s channel %d chunk %d (%d samples)", c.ReadID, c.Channel, c.Number, len(c.Samples))
}

// Validate checks that c can be fed to a mapper.  Chunks without samples are
// valid.
func (c *Chunk) Validate() error {
	switch {
	case c.ReadID == "":
		return fmt.Errorf("%w: missing read id", ErrMalformedChunk)
	case c.Channel < 0:
		return fmt.Errorf("%w: negative channel %d", ErrMalformedChunk, c.Channel)
	case len(c.Samples) > MaxChunkSamples:
		return fmt.Errorf("%w: %d samples exceeds the limit of %d", ErrMalformedChunk, len(c.Samples), MaxChunkSamples)
	}
	for i, s := range c.Samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return fmt.Errorf("%w: sample %d is %v", ErrMalformedChunk, i, s)
		}
	}
	return nil
}

// Read holds the chunks of one read that were accepted but not consumed yet,
// in arrival order.  The queue is bounded: pushing onto a full queue drops the
// oldest chunk.  A Read is not safe for concurrent use.
type Read struct {
	ID      string
	Channel int

	queue []Chunk
	head  int
	size  int

	// last is the highest chunk number accepted so far.
	last    uint32
	started bool

	consumed, dropped int
	samples           uint64
}

// NewRead returns an empty buffer for read id that holds at most depth
// chunks.
func NewRead(id string, channel, depth int) (*Read, error) {
	if depth < 1 {
		return nil, fmt.Errorf("invalid queue depth %d", depth)
	}
	return &Read{ID: id, Channel: channel, queue: make([]Chunk, depth)}, nil
}

// Push appends c to the queue.  It reports whether the oldest queued chunk was
// dropped to make room.  Rejected chunks leave the buffer unchanged.
func (r *Read) Push(c Chunk) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	if c.ReadID != r.ID {
		return false, fmt.Errorf("%w: got %q, want %q", ErrWrongRead, c.ReadID, r.ID)
	}
	if r.started && c.Number < r.last {
		return false, fmt.Errorf("%w: chunk %d after chunk %d", ErrOutOfOrder, c.Number, r.last)
	}
	r.last, r.started = c.Number, true

	var dropped bool
	if r.size == len(r.queue) {
		r.queue[r.head] = Chunk{}
		r.head = (r.head + 1) % len(r.queue)
		r.size--
		r.dropped++
		dropped = true
	}
	r.queue[(r.head+r.size)%len(r.queue)] = c
	r.size++
	return dropped, nil
}

// Pop removes and returns the oldest queued chunk.
func (r *Read) Pop() (Chunk, bool) {
	if r.size == 0 {
		return Chunk{}, false
	}
	c := r.queue[r.head]
	r.queue[r.head] = Chunk{}
	r.head = (r.head + 1) % len(r.queue)
	r.size--
	r.consumed++
	r.samples += uint64(len(c.Samples))
	return c, true
}

// Len returns the number of queued chunks.
func (r *Read) Len() int { return r.size }

// Full reports whether the next Push would drop a chunk.
func (r *Read) Full() bool { return r.size == len(r.queue) }

// Consumed returns the number of chunks popped so far.
func (r *Read) Consumed() int { return r.consumed }

// Dropped returns the number of chunks dropped from a full queue.
func (r *Read) Dropped() int { return r.dropped }

// Samples returns the number of samples in the chunks popped so far.
func (r *Read) Samples() uint64 { return r.samples }

// Last returns the highest chunk number accepted and whether any chunk was.
func (r *Read) Last() (uint32, bool) { return r.last, r.started }

// Release discards every queued chunk.  The read keeps rejecting chunks
// numbered below the last accepted one.
func (r *Read) Release() {
	for i := range r.queue {
		r.queue[i] = Chunk{}
	}
	r.head, r.size = 0, 0
}
