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

// Package pool maps many concurrent reads on a bounded set of workers.
//
// Every read owns a bounded queue of chunks and a Mapper.  Workers take reads
// with pending work from a shared ready list and process one chunk at a time,
// so the chunks of a read are handled in arrival order by at most one worker
// while different reads progress independently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/googlegenomics/sigmap/mapper"
	"github.com/googlegenomics/sigmap/reads"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned once the Pool is closing.
	ErrClosed = errors.New("pool closed")

	// ErrReadFinished is returned for reads that already have a Result.
	ErrReadFinished = errors.New("read already finished")

	// ErrUnknownRead is returned when ending a read the Pool never saw.
	ErrUnknownRead = errors.New("unknown read")
)

// Config holds the Pool parameters.
type Config struct {
	// Workers is the number of reads processed in parallel.  Zero means one
	// per CPU.
	Workers int `yaml:"workers"`

	// QueueDepth bounds the number of unprocessed chunks per read.
	QueueDepth int `yaml:"queue_depth"`

	// History is the number of finished read ids remembered to reject late
	// chunks.
	History int `yaml:"history"`

	// Results bounds the number of Results buffered for Poll; the oldest
	// are discarded first.
	Results int `yaml:"results"`
}

// DefaultConfig returns the default Pool parameters.
func DefaultConfig() Config {
	return Config{
		QueueDepth: 16,
		History:    100000,
		Results:    100000,
	}
}

// Validate reports the first invalid parameter of cfg.
func (cfg Config) Validate() error {
	switch {
	case cfg.Workers < 0:
		return fmt.Errorf("worker count must not be negative (got %d)", cfg.Workers)
	case cfg.QueueDepth < 1:
		return fmt.Errorf("queue depth must be positive (got %d)", cfg.QueueDepth)
	case cfg.History < 1:
		return fmt.Errorf("history must be positive (got %d)", cfg.History)
	case cfg.Results < 1:
		return fmt.Errorf("result buffer must be positive (got %d)", cfg.Results)
	}
	return nil
}

// Stats is a snapshot of the Pool counters.
type Stats struct {
	Session string `json:"session"`

	ActiveReads  int `json:"active_reads"`
	QueuedChunks int `json:"queued_chunks"`

	Accepted uint64 `json:"chunks_accepted"`
	Dropped  uint64 `json:"chunks_dropped"`
	Rejected uint64 `json:"chunks_rejected"`

	Results map[mapper.Decision]uint64 `json:"results"`
	Faults  uint64                     `json:"faults"`

	// Discarded counts Results evicted from a full Poll buffer.
	Discarded uint64 `json:"results_discarded"`
}

// task is the Pool's record of a read in flight.
type task struct {
	read   *reads.Read
	mapper *mapper.Mapper
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	// scheduled is set while the task is on the ready list or held by a
	// worker.
	scheduled bool
	ended     bool
	done      bool

	abort  mapper.Reason
	detail string
}

// pending reports whether a worker has something to do for t.
func (t *task) pending() bool {
	return !t.done && (t.abort != "" || t.ended || t.read.Len() > 0)
}

// work is what a worker takes from a task in one round.
type work struct {
	chunk  reads.Chunk
	ok     bool
	ended  bool
	abort  mapper.Reason
	detail string

	// consumed and samples are the read's counters when the work was taken.
	consumed int
	samples  uint64
}

// Pool dispatches chunks to per-read Mappers.  All methods are safe for
// concurrent use.
type Pool struct {
	ref    *mapper.Reference
	mcfg   mapper.Config
	cfg    Config
	policy Policy
	log    *logrus.Entry

	session string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu sync.Mutex
	// ready is signalled when tasks are scheduled or the Pool closes;
	// changed when queues shrink or tasks finish.
	ready, changed *sync.Cond

	queue    []*task
	tasks    map[string]*task
	channels map[int]string
	mappers  []*mapper.Mapper

	finished map[string]bool
	history  []string
	next     int

	results  []mapper.Result
	onResult func(mapper.Result)

	closing, closed bool
	stats           Stats
}

// New starts a Pool mapping reads against ref.  log may be nil.
func New(ref *mapper.Reference, mcfg mapper.Config, cfg Config, policy Policy, log *logrus.Entry) (*Pool, error) {
	p, err := newPool(ref, mcfg, cfg, policy, log)
	if err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

func newPool(ref *mapper.Reference, mcfg mapper.Config, cfg Config, policy Policy, log *logrus.Entry) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %v", err)
	}
	if policy == nil {
		return nil, errors.New("missing dispatch policy")
	}
	// Validates mcfg once; later mappers cannot fail.
	m, err := mapper.New(ref, mcfg)
	if err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	session := uuid.New().String()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		ref:      ref,
		mcfg:     mcfg,
		cfg:      cfg,
		policy:   policy,
		log:      log.WithField("session", session),
		session:  session,
		tasks:    make(map[string]*task),
		channels: make(map[int]string),
		mappers:  []*mapper.Mapper{m},
		finished: make(map[string]bool),
		history:  make([]string, cfg.History),
		stats:    Stats{Results: make(map[mapper.Decision]uint64)},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.ready = sync.NewCond(&p.mu)
	p.changed = sync.NewCond(&p.mu)
	return p, nil
}

func (p *Pool) start() {
	p.log.WithFields(logrus.Fields{
		"workers": p.cfg.Workers,
		"policy":  p.policy,
	}).Info("Starting pool")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Session returns the id of this Pool instance.
func (p *Pool) Session() string { return p.session }

// OnResult registers f to be called with every Result.  f runs on a worker
// goroutine and must not block for long.  Results are also kept for Poll.
func (p *Pool) OnResult(f func(mapper.Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = f
}

// Submit queues c for its read, starting the read on its first chunk.  A new
// read on a channel ends the read previously seen on that channel.
func (p *Pool) Submit(c reads.Chunk) error {
	entry := p.log.WithFields(logrus.Fields{"read": c.ReadID, "channel": c.Channel, "chunk": c.Number})
	if err := c.Validate(); err != nil {
		p.reject(entry, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrClosed
	}
	if p.finished[c.ReadID] {
		p.stats.Rejected++
		return fmt.Errorf("%w: %s", ErrReadFinished, c.ReadID)
	}
	t := p.tasks[c.ReadID]
	if t == nil {
		if prev, ok := p.channels[c.Channel]; ok {
			if pt := p.tasks[prev]; pt != nil && !pt.ended {
				entry.WithField("previous", prev).Debug("New read on channel, ending previous read")
				pt.ended = true
				p.schedule(pt)
			}
		}
		var err error
		if t, err = p.newTask(c.ReadID, c.Channel); err != nil {
			return err
		}
	}
	if t.abort != "" || t.ended {
		p.stats.Rejected++
		return fmt.Errorf("%w: %s", ErrReadFinished, c.ReadID)
	}
	if t.read.Channel != c.Channel {
		err := fmt.Errorf("%w: read %s is on channel %d", reads.ErrMalformedChunk, c.ReadID, t.read.Channel)
		p.stats.Rejected++
		entry.Warnf("Rejecting chunk: %v", err)
		return err
	}

	if p.policy.Blocking() {
		for t.read.Full() && !p.closing && !t.done && t.abort == "" {
			p.changed.Wait()
		}
		switch {
		case p.closing:
			return ErrClosed
		case t.done || t.abort != "":
			p.stats.Rejected++
			return fmt.Errorf("%w: %s", ErrReadFinished, c.ReadID)
		}
	}

	dropped, err := t.read.Push(c)
	if err != nil {
		p.stats.Rejected++
		entry.Warnf("Rejecting chunk: %v", err)
		return err
	}
	p.stats.Accepted++
	if dropped {
		p.stats.Dropped++
		entry.WithField("queue_depth", p.cfg.QueueDepth).Warn("Queue full, dropping oldest chunk and aborting read")
		p.abort(t, mapper.ReasonBackpressure, fmt.Sprintf("queue of %d chunks overflowed at chunk %d", p.cfg.QueueDepth, c.Number))
		return nil
	}
	p.schedule(t)
	return nil
}

func (p *Pool) reject(entry *logrus.Entry, err error) {
	p.mu.Lock()
	p.stats.Rejected++
	p.mu.Unlock()
	entry.Warnf("Rejecting chunk: %v", err)
}

// EndRead tells the Pool that read id will receive no more chunks.  The read
// terminates once its queued chunks are processed.  Ending a finished read is
// a no-op.
func (p *Pool) EndRead(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tasks[id]
	if t == nil {
		if p.finished[id] {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownRead, id)
	}
	t.ended = true
	p.schedule(t)
	return nil
}

// Cancel aborts read id.  It reports whether the call cancelled the read;
// cancelling a finished, cancelled or unknown read is a no-op.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	t := p.tasks[id]
	if t == nil || t.done || t.abort != "" {
		p.mu.Unlock()
		return false
	}
	p.abort(t, mapper.ReasonCancelled, "")
	p.mu.Unlock()
	p.log.WithField("read", id).Debug("Cancelled read")
	return true
}

// abort schedules t to terminate for reason, discarding its queued chunks
// and interrupting the chunk being processed.
func (p *Pool) abort(t *task, reason mapper.Reason, detail string) {
	t.abort, t.detail = reason, detail
	t.read.Release()
	p.schedule(t)
	p.changed.Broadcast()
	if reason == mapper.ReasonCancelled {
		t.cancel()
	}
}

// expired is called when the context of t ends.
func (p *Pool) expired(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.done || t.abort != "" {
		return
	}
	reason := mapper.ReasonCancelled
	if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		reason = mapper.ReasonTimeout
	}
	p.abort(t, reason, "")
}

// Poll returns and forgets the Results produced since the last call.
func (p *Pool) Poll() []mapper.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := p.results
	p.results = nil
	return results
}

// Stats returns a snapshot of the Pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Session = p.session
	s.ActiveReads = len(p.tasks)
	for _, t := range p.tasks {
		s.QueuedChunks += t.read.Len()
	}
	s.Results = make(map[mapper.Decision]uint64, len(p.stats.Results))
	for k, v := range p.stats.Results {
		s.Results[k] = v
	}
	return s
}

// Close ends every read in flight, waits for their Results and stops the
// workers.  Chunks submitted after Close starts are rejected.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.changed.Broadcast()
	for _, t := range p.tasks {
		t.ended = true
		p.schedule(t)
	}
	for len(p.tasks) > 0 {
		p.changed.Wait()
	}
	p.closed = true
	p.ready.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.log.Info("Pool closed")
}

func (p *Pool) newTask(id string, channel int) (*task, error) {
	read, err := reads.NewRead(id, channel, p.cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	var m *mapper.Mapper
	if n := len(p.mappers); n > 0 {
		m = p.mappers[n-1]
		p.mappers = p.mappers[:n-1]
	} else if m, err = mapper.New(p.ref, p.mcfg); err != nil {
		return nil, err
	}
	m.Reset(id, channel)

	t := &task{read: read, mapper: m}
	t.ctx, t.cancel = p.policy.Context(p.ctx)
	t.stop = context.AfterFunc(t.ctx, func() { p.expired(t) })
	p.tasks[id] = t
	p.channels[channel] = id
	return t, nil
}

// schedule puts t on the ready list unless it is already there or held by a
// worker.
func (p *Pool) schedule(t *task) {
	if t.scheduled || t.done {
		return
	}
	t.scheduled = true
	p.queue = append(p.queue, t)
	p.ready.Signal()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.ready.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		w := work{abort: t.abort, detail: t.detail}
		if w.abort == "" {
			w.chunk, w.ok = t.read.Pop()
			w.ended = t.ended && t.read.Len() == 0
			if w.ok {
				p.changed.Broadcast()
			}
		}
		w.consumed, w.samples = t.read.Consumed(), t.read.Samples()
		p.mu.Unlock()

		result, done := p.run(t, w)

		p.mu.Lock()
		t.scheduled = false
		var deliver func(mapper.Result)
		if done {
			deliver = p.finish(t, result)
		} else if t.pending() {
			p.schedule(t)
		}
		p.mu.Unlock()

		if deliver != nil {
			deliver(result)
		}
	}
}

// run performs one round of work on t.  A panic terminates the read as
// FAILED without affecting other reads.
func (p *Pool) run(t *task, w work) (result mapper.Result, done bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"read":    t.read.ID,
				"channel": t.read.Channel,
			}).Errorf("Worker fault: %v", r)
			result = mapper.Result{
				ReadID:   t.read.ID,
				Channel:  t.read.Channel,
				Decision: mapper.DecisionNoDecision,
				State:    mapper.StateAborted,
				Reason:   mapper.ReasonFailed,
				Chunks:   w.consumed,
				Samples:  w.samples,
				Detail:   fmt.Sprint(r),
			}
			t.mapper = nil
			done = true
		}
	}()
	if w.abort != "" {
		result, _ = t.mapper.Abort(w.abort, w.detail)
		return result, true
	}
	if w.ok {
		if result, done = t.mapper.Process(t.ctx, w.chunk); done {
			return result, true
		}
	}
	if w.ended {
		return t.mapper.EndRead(t.ctx), true
	}
	return result, false
}

// finish records the Result of t and releases the read.  It returns the
// callback to deliver the Result with, if any.
func (p *Pool) finish(t *task, result mapper.Result) func(mapper.Result) {
	t.done = true
	t.stop()
	t.cancel()
	t.read.Release()
	if t.mapper != nil {
		p.mappers = append(p.mappers, t.mapper)
		t.mapper = nil
	}

	id := t.read.ID
	delete(p.tasks, id)
	if p.channels[t.read.Channel] == id {
		delete(p.channels, t.read.Channel)
	}
	if old := p.history[p.next]; old != "" {
		delete(p.finished, old)
	}
	p.history[p.next] = id
	p.next = (p.next + 1) % len(p.history)
	p.finished[id] = true

	p.stats.Results[result.Decision]++
	if result.Reason == mapper.ReasonFailed {
		p.stats.Faults++
	}
	if len(p.results) >= p.cfg.Results {
		p.stats.Discarded++
		p.log.WithFields(logrus.Fields{
			"read":     p.results[0].ReadID,
			"decision": p.results[0].Decision,
		}).Warnf("Result buffer of %d full, discarding oldest result", p.cfg.Results)
		p.results[0] = mapper.Result{}
		p.results = p.results[1:]
	}
	p.results = append(p.results, result)
	p.changed.Broadcast()

	p.log.WithFields(logrus.Fields{
		"read":     id,
		"channel":  t.read.Channel,
		"decision": result.Decision,
		"reason":   result.Reason,
	}).Debug("Read finished")
	return p.onResult
}
