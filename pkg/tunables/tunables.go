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

// Package tunables implements a registry of runtime-adjustable scheduler
// parameters. Every tunable is an independent atomic scalar that is only
// ever updated through range-validated writes.
package tunables

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	logger "github.com/containers/eas-topology/pkg/log"
)

const (
	// PanicOnBug escalates internal consistency violations to a panic.
	PanicOnBug = "panic_on_bug"
	// SuppressRegion2 disables a load balancing region from consideration.
	SuppressRegion2 = "suppress_region2"
	// SkipNewlyIdleLB skips a balancing pass on newly idle transitions.
	SkipNewlyIdleLB = "skip_newly_idle_lb"
	// AsymcapBoost enables the asymmetric capacity boost heuristic.
	AsymcapBoost = "asymcap_boost"
	// LowLatencyTaskThreshold is the utilization below which a task is latency sensitive.
	LowLatencyTaskThreshold = "low_latency_task_threshold"
	// ForceLBEnable forces load balancing regardless of other gating.
	ForceLBEnable = "force_lb_enable"
	// RTGBoostPriority is the priority ceiling for grouped task boosting.
	RTGBoostPriority = "rtg_boost_priority"

	// RTGBoostDisabled is the rtg_boost_priority value which disables boosting.
	RTGBoostDisabled = 99
	// rtgBoostMinPrio is the lowest task priority eligible for boosting.
	rtgBoostMinPrio = 100
)

var (
	log = logger.Get("tunables")
)

// Definition declares a tunable.
type Definition struct {
	Name    string `json:"name"`
	Min     int64  `json:"min"`
	Max     int64  `json:"max"`
	Default int64  `json:"default"`
	Help    string `json:"help,omitempty"`
}

// Definitions returns the declared tunables in declaration order.
func Definitions() []Definition {
	return []Definition{
		{PanicOnBug, 0, 1, 0, "escalate consistency violations to a panic"},
		{SuppressRegion2, 0, 1, 0, "disable load balancing region 2"},
		{SkipNewlyIdleLB, 0, 1, 1, "skip balancing on newly idle CPUs"},
		{AsymcapBoost, 0, 1, 0, "enable asymmetric capacity boost"},
		{LowLatencyTaskThreshold, 0, 1000, 0, "latency sensitive utilization threshold"},
		{ForceLBEnable, 0, 1, 1, "force load balancing"},
		{RTGBoostPriority, 99, 119, RTGBoostDisabled, "grouped task boost priority ceiling, 99 disables"},
	}
}

// Info describes the current state of a tunable.
type Info struct {
	Definition
	Value int64 `json:"value"`
}

type tunable struct {
	Definition
	value atomic.Int64
}

func (t *tunable) check(value int64) error {
	if value < t.Min || value > t.Max {
		return fmt.Errorf("%w: %s=%d, valid range [%d,%d]", ErrOutOfRange,
			t.Name, value, t.Min, t.Max)
	}
	return nil
}

// Registry is a set of tunables.
type Registry struct {
	sync.Mutex // serializes batched updates
	tunables   map[string]*tunable
	names      []string
}

// NewRegistry creates a registry with all tunables at their defaults.
func NewRegistry() *Registry {
	r := &Registry{
		tunables: make(map[string]*tunable),
	}

	for _, def := range Definitions() {
		t := &tunable{Definition: def}
		t.value.Store(def.Default)
		r.tunables[def.Name] = t
		r.names = append(r.names, def.Name)
	}
	sort.Strings(r.names)

	return r
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) lookup(name string) (*tunable, error) {
	t, ok := r.tunables[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTunable, name)
	}
	return t, nil
}

// Names returns the names of all tunables, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Get returns the current value of the named tunable.
func (r *Registry) Get(name string) (int64, error) {
	t, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return t.value.Load(), nil
}

// Value returns the current value of a tunable which is known to exist.
func (r *Registry) Value(name string) int64 {
	v, err := r.Get(name)
	if err != nil {
		log.Panic("%v", err)
	}
	return v
}

// Set updates the named tunable. The previous value is retained if the
// new one is out of range.
func (r *Registry) Set(name string, value int64) error {
	t, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := t.check(value); err != nil {
		return err
	}

	if old := t.value.Swap(value); old != value {
		log.Info("tunable %s: %d -> %d", name, old, value)
	}

	return nil
}

// Apply updates all tunables in values. Every value is validated first,
// and nothing is updated if any of them fails validation.
func (r *Registry) Apply(values map[string]int64) error {
	var errs *multierror.Error

	for name, value := range values {
		t, err := r.lookup(name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := t.check(value); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	for name, value := range values {
		t := r.tunables[name]
		if old := t.value.Swap(value); old != value {
			log.Info("tunable %s: %d -> %d", name, old, value)
		}
	}

	return nil
}

// Values returns a copy of the current value of every tunable.
func (r *Registry) Values() map[string]int64 {
	values := make(map[string]int64, len(r.tunables))
	for name, t := range r.tunables {
		values[name] = t.value.Load()
	}
	return values
}

// Describe returns the definition and current value of the named tunable.
func (r *Registry) Describe(name string) (Info, error) {
	t, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}
	return Info{Definition: t.Definition, Value: t.value.Load()}, nil
}

// DescribeAll returns information about all tunables, sorted by name.
func (r *Registry) DescribeAll() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		t := r.tunables[name]
		infos = append(infos, Info{Definition: t.Definition, Value: t.value.Load()})
	}
	return infos
}

// PanicOnBugEnabled returns true if consistency violations should panic.
func (r *Registry) PanicOnBugEnabled() bool {
	return r.Value(PanicOnBug) != 0
}

// RTGHighPriority returns true if a grouped task of the given priority
// qualifies for a CPU selection boost.
func (r *Registry) RTGHighPriority(prio int) bool {
	ceiling := r.Value(RTGBoostPriority)
	if ceiling == RTGBoostDisabled {
		return false
	}
	return prio >= rtgBoostMinPrio && int64(prio) <= ceiling
}
