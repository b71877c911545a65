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

package pool

import (
	"context"
	"fmt"
	"time"
)

// Policy decides how a Pool treats reads that fall behind.
type Policy interface {
	// Context derives the context every chunk of a new read is processed
	// under.  The read is aborted when the context ends.
	Context(parent context.Context) (context.Context, context.CancelFunc)

	// Blocking reports whether Submit waits for room in a full read queue.
	// Otherwise the oldest queued chunk is dropped and the read is aborted.
	Blocking() bool
}

// Realtime serves a live sequencer: chunks are never waited for, full queues
// drop their oldest chunk and reads older than Timeout are aborted.  A zero
// Timeout disables the deadline.
type Realtime struct {
	Timeout time.Duration
}

func (p Realtime) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout > 0 {
		return context.WithTimeout(parent, p.Timeout)
	}
	return context.WithCancel(parent)
}

func (Realtime) Blocking() bool { return false }

func (p Realtime) String() string {
	return fmt.Sprintf("realtime (timeout %v)", p.Timeout)
}

// Offline replays recorded reads: Submit blocks while a read's queue is full
// and reads never time out.
type Offline struct{}

func (Offline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

func (Offline) Blocking() bool { return true }

func (Offline) String() string { return "offline" }
