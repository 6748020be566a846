// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package barrier implements a stop-the-world rendezvous. Workers join the
// barrier and periodically pass through checkpoints. A stopper can halt all
// joined workers at their next checkpoint, run an exclusive operation, then
// release them.
//
// Participants are either long-running workers which check in regularly,
// or short critical sections which join, update shared state and leave.
// A stopper waits for the latter to leave, and joining blocks while the
// barrier is stopped.
//
// A goroutine which is itself a participant must not stop the barrier, as
// it would wait for itself to park.
package barrier

import (
	"sync"

	logger "github.com/containers/eas-topology/pkg/log"
)

var (
	log = logger.Get("barrier")
)

// Barrier is a stop-the-world rendezvous for a dynamic set of participants.
type Barrier struct {
	lock         sync.Mutex
	cond         *sync.Cond
	participants int
	parked       int
	stopped      bool
	nextID       int
}

// Participant is a worker checked into a Barrier.
type Participant struct {
	b    *Barrier
	id   int
	name string
	left bool
}

// New creates a new Barrier.
func New() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.lock)
	return b
}

// Join adds a new participant. Joining blocks while the barrier is stopped.
func (b *Barrier) Join(name string) *Participant {
	b.lock.Lock()
	defer b.lock.Unlock()

	for b.stopped {
		b.cond.Wait()
	}

	b.nextID++
	b.participants++
	p := &Participant{b: b, id: b.nextID, name: name}

	log.Debug("participant #%d (%s) joined, %d total", p.id, name, b.participants)

	return p
}

// Checkpoint parks the participant if the barrier is being stopped and
// returns once the barrier is released.
func (p *Participant) Checkpoint() {
	b := p.b

	b.lock.Lock()
	defer b.lock.Unlock()

	if p.left {
		log.Panic("checkpoint by participant #%d (%s) after leaving", p.id, p.name)
	}

	if !b.stopped {
		return
	}

	b.parked++
	b.cond.Broadcast()
	for b.stopped {
		b.cond.Wait()
	}
	b.parked--
}

// Leave removes the participant from the barrier.
func (p *Participant) Leave() {
	b := p.b

	b.lock.Lock()
	defer b.lock.Unlock()

	if p.left {
		return
	}

	p.left = true
	b.participants--
	b.cond.Broadcast()

	log.Debug("participant #%d (%s) left, %d total", p.id, p.name, b.participants)
}

// Name returns the name of the participant.
func (p *Participant) Name() string {
	return p.name
}

// Stop halts the barrier, waiting until every participant is parked at a
// checkpoint. Concurrent stoppers are serialized.
func (b *Barrier) Stop() {
	b.lock.Lock()
	defer b.lock.Unlock()

	for b.stopped {
		b.cond.Wait()
	}
	b.stopped = true

	for b.parked < b.participants {
		b.cond.Wait()
	}

	log.Debug("stopped with %d participants parked", b.parked)
}

// Start releases all parked participants.
func (b *Barrier) Start() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.stopped {
		log.Panic("start of a barrier which is not stopped")
	}

	b.stopped = false
	b.cond.Broadcast()

	log.Debug("released %d participants", b.parked)
}

// StopTheWorld runs fn with all participants parked.
func (b *Barrier) StopTheWorld(fn func()) {
	b.Stop()
	defer b.Start()
	fn()
}

// Stopped returns true if the barrier is currently stopped.
func (b *Barrier) Stopped() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.stopped
}

// Participants returns the number of current participants.
func (b *Barrier) Participants() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.participants
}
