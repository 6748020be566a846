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

// Package quiesce coordinates topology rebuilds. A rebuild parks every
// barrier participant, resets task state, builds a new topology snapshot
// and publishes it atomically before releasing the participants.
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containers/eas-topology/pkg/barrier"
	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/healthz"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/platform"
	"github.com/containers/eas-topology/pkg/task"
	"github.com/containers/eas-topology/pkg/topology"
	"github.com/containers/eas-topology/pkg/tunables"
	"golang.org/x/time/rate"
)

var (
	log = logger.Get("quiesce")

	// ErrRebuildFailed is returned when building a snapshot failed.
	ErrRebuildFailed = errors.New("quiesce: rebuild failed")
)

// State is the state of the coordinator.
type State int32

const (
	// StateIdle means no rebuild is in progress.
	StateIdle State = iota
	// StateQuiescing means participants are being parked.
	StateQuiescing
	// StateRebuilding means a new snapshot is being built.
	StateRebuilding
	// StatePublished means a new snapshot has been published.
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQuiescing:
		return "quiescing"
	case StateRebuilding:
		return "rebuilding"
	case StatePublished:
		return "published"
	}
	return fmt.Sprintf("<unknown state %d>", int32(s))
}

// PlatformSource provides the platform to build snapshots of.
type PlatformSource interface {
	Platform() (*platform.Platform, error)
}

// PlatformFunc is a PlatformSource implemented by a function.
type PlatformFunc func() (*platform.Platform, error)

// Platform implements PlatformSource.
func (fn PlatformFunc) Platform() (*platform.Platform, error) {
	return fn()
}

// FatalFunc handles unrecoverable rebuild failures.
type FatalFunc func(format string, args ...interface{})

// Option is an option for a Coordinator.
type Option func(*Coordinator)

// WithBarrier sets the barrier which is stopped during rebuilds.
func WithBarrier(b *barrier.Barrier) Option {
	return func(c *Coordinator) {
		c.barrier = b
	}
}

// WithTasks sets the task table to reset during rebuilds and the source
// it is refreshed from. The source is optional.
func WithTasks(table *task.Table, src task.Source) Option {
	return func(c *Coordinator) {
		c.tasks = table
		c.taskSrc = src
	}
}

// WithDomains sets the performance domain list used for cost tables.
func WithDomains(l *emodel.List) Option {
	return func(c *Coordinator) {
		c.domains = l
	}
}

// WithTunables sets the tunables consulted during rebuilds.
func WithTunables(r *tunables.Registry) Option {
	return func(c *Coordinator) {
		c.tunables = r
	}
}

// WithBuilder sets the snapshot builder.
func WithBuilder(b *topology.Builder) Option {
	return func(c *Coordinator) {
		c.builder = b
	}
}

// WithFatalHandler overrides the handler of unrecoverable rebuild
// failures. By default the process exits.
func WithFatalHandler(fn FatalFunc) Option {
	return func(c *Coordinator) {
		c.fatal = fn
	}
}

// WithRebuildRate limits the rate of triggered rebuilds.
func WithRebuildRate(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// Coordinator serializes topology rebuilds and publishes their snapshots.
type Coordinator struct {
	lock     sync.Mutex
	source   PlatformSource
	barrier  *barrier.Barrier
	tasks    *task.Table
	taskSrc  task.Source
	domains  *emodel.List
	tunables *tunables.Registry
	builder  *topology.Builder
	fatal    FatalFunc
	limiter  *rate.Limiter
	trigger  chan struct{}

	state      atomic.Int32
	current    atomic.Pointer[topology.Snapshot]
	generation uint64
	stats      stats
}

type stats struct {
	sync.Mutex
	rebuilds     uint64
	failures     uint64
	lastDuration time.Duration
}

// NewCoordinator creates a coordinator for the given platform source.
func NewCoordinator(source PlatformSource, options ...Option) *Coordinator {
	c := &Coordinator{
		source:  source,
		trigger: make(chan struct{}, 1),
	}

	for _, o := range options {
		o(c)
	}

	if c.barrier == nil {
		c.barrier = barrier.New()
	}
	if c.tasks == nil {
		c.tasks = task.NewTable()
	}
	if c.domains == nil {
		c.domains = emodel.Default()
	}
	if c.tunables == nil {
		c.tunables = tunables.Default()
	}
	if c.builder == nil {
		c.builder = topology.NewBuilder()
	}
	if c.fatal == nil {
		c.fatal = log.Fatal
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}

	return c
}

// Current returns the currently published snapshot, or nil if no snapshot
// has been published yet.
func (c *Coordinator) Current() *topology.Snapshot {
	return c.current.Load()
}

// State returns the current state of the coordinator.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Barrier returns the barrier stopped during rebuilds.
func (c *Coordinator) Barrier() *barrier.Barrier {
	return c.barrier
}

// Tasks returns the task table reset during rebuilds.
func (c *Coordinator) Tasks() *task.Table {
	return c.tasks
}

// SetBuilder replaces the snapshot builder used by subsequent rebuilds.
func (c *Coordinator) SetBuilder(b *topology.Builder) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.builder = b
}

// SetRebuildInterval sets the minimum interval between triggered rebuilds.
func (c *Coordinator) SetRebuildInterval(interval time.Duration) {
	c.limiter.SetLimit(rate.Every(interval))
}

func (c *Coordinator) setState(s State) {
	log.Debug("state %s -> %s", c.State(), s)
	c.state.Store(int32(s))
}

// Rebuild rebuilds and publishes the topology snapshot. Concurrent calls
// are serialized. Errors while collecting the platform are returned as
// ordinary errors and leave the current snapshot in place. A failure to
// build a snapshot from a collected platform is fatal.
func (c *Coordinator) Rebuild() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	start := time.Now()

	p, err := c.source.Platform()
	if err != nil {
		c.countFailure()
		return fmt.Errorf("failed to collect platform: %w", err)
	}
	// An empty platform model clears the list, so cost tables never
	// outlive the performance domains they were built from.
	if err := p.RegisterDomains(c.domains); err != nil {
		c.countFailure()
		return err
	}
	if c.taskSrc != nil {
		if err := c.tasks.Refresh(c.taskSrc); err != nil {
			log.Warn("%v", err)
		}
	}
	c.tasks.SetCPUs(p.CPUSet().List())

	var (
		generation = c.generation + 1
		snap       *topology.Snapshot
		buildErr   error
	)

	c.setState(StateQuiescing)
	c.barrier.StopTheWorld(func() {
		c.setState(StateRebuilding)

		c.tasks.InitExisting()

		snap, buildErr = c.builder.Build(p, c.domains, generation)
		if buildErr != nil {
			return
		}

		c.checkSiblings(snap)

		c.current.Store(snap)
		c.generation = generation
		c.setState(StatePublished)
	})
	c.setState(StateIdle)

	if buildErr != nil {
		c.countFailure()
		c.fatal("topology rebuild #%d failed: %v", generation, buildErr)
		return fmt.Errorf("%w: %w", ErrRebuildFailed, buildErr)
	}

	elapsed := time.Since(start)
	c.stats.Lock()
	c.stats.rebuilds++
	c.stats.lastDuration = elapsed
	c.stats.Unlock()

	log.Info("published topology generation %d (%d clusters, %d CPUs) in %s",
		generation, snap.ClusterCount(), len(snap.CPUs()), elapsed)
	if log.DebugEnabled() {
		log.DebugBlock("  <topology> ", "%s", snap.Dump())
	}

	return nil
}

func (c *Coordinator) countFailure() {
	c.stats.Lock()
	defer c.stats.Unlock()
	c.stats.failures++
}

func (c *Coordinator) checkSiblings(snap *topology.Snapshot) {
	asym := snap.Asymmetries()
	if len(asym) == 0 {
		return
	}

	for _, a := range asym {
		log.Error("asymmetric cache siblings: CPU #%d -> #%d, but #%d -> #%d",
			a.CPU, a.Sibling, a.Sibling, a.Reverse)
	}

	if c.tunables.PanicOnBugEnabled() {
		log.Panic("%d CPUs with asymmetric cache siblings", len(asym))
	}
}

// Trigger requests an asynchronous rebuild. Requests made while one is
// already pending are coalesced into it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
		log.Debug("rebuild already pending")
	}
}

// Run runs triggered rebuilds, rate-limited, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.trigger:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.Rebuild(); err != nil {
			log.Error("triggered rebuild failed: %v", err)
		}
	}
}

// Check reports the health of the coordinator.
func (c *Coordinator) Check() (healthz.Status, error) {
	if c.Current() == nil {
		return healthz.NonFunctional, errors.New("no topology published yet")
	}
	return healthz.Healthy, nil
}
