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

// Package emodel keeps the list of registered performance domains of the
// energy model. The list is copy-on-write: writers build a complete new
// chain of nodes under a lock and publish it with a single atomic store,
// readers load the head once and walk an immutable chain.
package emodel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

var (
	log = logger.Get("emodel")

	// ErrInvalidDomain is returned when registering a malformed domain.
	ErrInvalidDomain = errors.New("emodel: invalid performance domain")
)

// PerfState is a single performance state of a domain.
type PerfState struct {
	// Frequency of the state, in kHz.
	Frequency uint64 `json:"frequency"`
	// Cost of running at this frequency, in abstract energy units.
	Cost uint64 `json:"cost"`
}

// PerfDomain is a set of CPUs which share frequency scaling.
type PerfDomain struct {
	ID     int
	CPUs   cpuset.CPUSet
	States []PerfState
}

// FirstCPU returns the lowest numbered CPU of the domain.
func (pd *PerfDomain) FirstCPU() (int, bool) {
	return cpuset.First(pd.CPUs)
}

// MaxFrequency returns the frequency of the highest performance state.
func (pd *PerfDomain) MaxFrequency() uint64 {
	if len(pd.States) == 0 {
		return 0
	}
	return pd.States[len(pd.States)-1].Frequency
}

// Validate checks that the domain has CPUs and ascending performance states.
func (pd *PerfDomain) Validate() error {
	if pd.CPUs.IsEmpty() {
		return fmt.Errorf("%w: domain #%d has no CPUs", ErrInvalidDomain, pd.ID)
	}
	if len(pd.States) == 0 {
		return fmt.Errorf("%w: domain #%d has no performance states", ErrInvalidDomain, pd.ID)
	}
	for i := 1; i < len(pd.States); i++ {
		if pd.States[i].Frequency < pd.States[i-1].Frequency {
			return fmt.Errorf("%w: domain #%d states not sorted by frequency (%d < %d)",
				ErrInvalidDomain, pd.ID, pd.States[i].Frequency, pd.States[i-1].Frequency)
		}
	}
	return nil
}

func (pd *PerfDomain) clone() *PerfDomain {
	return &PerfDomain{
		ID:     pd.ID,
		CPUs:   pd.CPUs.Clone(),
		States: append([]PerfState(nil), pd.States...),
	}
}

type node struct {
	pd   *PerfDomain
	next *node
}

// List is a copy-on-write list of performance domains, sorted by ID.
type List struct {
	lock       sync.Mutex
	head       atomic.Pointer[node]
	generation atomic.Uint64
}

// NewList creates an empty List.
func NewList() *List {
	return &List{}
}

// Register adds a domain to the list, replacing any domain with the same ID.
// The domain is copied, later changes to pd are not visible in the list.
func (l *List) Register(pd *PerfDomain) error {
	if err := pd.Validate(); err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	domains := l.snapshot()
	replaced := false
	for i, d := range domains {
		if d.ID == pd.ID {
			domains[i] = pd.clone()
			replaced = true
			break
		}
	}
	if !replaced {
		domains = append(domains, pd.clone())
	}

	l.publish(domains)

	log.Debug("registered performance domain #%d (CPUs %s, %d states)",
		pd.ID, pd.CPUs, len(pd.States))

	return nil
}

// Unregister removes the domain with the given ID, returning whether it
// was found.
func (l *List) Unregister(id int) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	domains := l.snapshot()
	for i, d := range domains {
		if d.ID == id {
			l.publish(append(domains[:i], domains[i+1:]...))
			log.Debug("unregistered performance domain #%d", id)
			return true
		}
	}

	return false
}

// Replace atomically replaces all domains of the list.
func (l *List) Replace(pds []*PerfDomain) error {
	domains := make([]*PerfDomain, 0, len(pds))
	for _, pd := range pds {
		if err := pd.Validate(); err != nil {
			return err
		}
		domains = append(domains, pd.clone())
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.publish(domains)

	return nil
}

// Walk calls fn for each domain in ID order until fn returns false. The
// walk sees a consistent version of the list even if it is concurrently
// updated. Domains must not be modified by fn.
func (l *List) Walk(fn func(*PerfDomain) bool) {
	if l == nil {
		return
	}
	for n := l.head.Load(); n != nil; n = n.next {
		if !fn(n.pd) {
			return
		}
	}
}

// Domains returns the current domains in ID order.
func (l *List) Domains() []*PerfDomain {
	var domains []*PerfDomain
	l.Walk(func(pd *PerfDomain) bool {
		domains = append(domains, pd)
		return true
	})
	return domains
}

// Len returns the number of domains in the list.
func (l *List) Len() int {
	cnt := 0
	l.Walk(func(*PerfDomain) bool {
		cnt++
		return true
	})
	return cnt
}

// Generation returns a counter incremented on every update of the list.
func (l *List) Generation() uint64 {
	return l.generation.Load()
}

// snapshot returns the domains of the current chain. Must hold the lock.
func (l *List) snapshot() []*PerfDomain {
	return l.Domains()
}

// publish builds a new chain of the given domains and swaps it in. Must
// hold the lock.
func (l *List) publish(domains []*PerfDomain) {
	sort.SliceStable(domains, func(i, j int) bool {
		return domains[i].ID < domains[j].ID
	})

	var head *node
	for i := len(domains) - 1; i >= 0; i-- {
		head = &node{pd: domains[i], next: head}
	}

	l.head.Store(head)
	l.generation.Add(1)
}

var (
	defaultList *List
	defaultOnce sync.Once
)

// Default returns the process-wide performance domain list.
func Default() *List {
	defaultOnce.Do(func() {
		defaultList = NewList()
	})
	return defaultList
}
