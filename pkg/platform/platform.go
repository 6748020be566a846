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

// Package platform describes the CPU topology and energy model input of
// the topology engine. A Platform is either discovered from sysfs or read
// from a YAML platform file, and is validated before use.
package platform

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/containers/eas-topology/pkg/emodel"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

var (
	log = logger.Get("platform")

	// ErrInvalidPlatform is returned for inconsistent platform descriptions.
	ErrInvalidPlatform = errors.New("invalid platform")
)

// Platform describes CPUs, their clusters and performance domains.
type Platform struct {
	// Clusters are capacity-homogeneous groups of CPUs, enumerated 0..K-1.
	Clusters []*Cluster `json:"clusters"`
	// CPUs are all CPUs of the platform.
	CPUs []*CPU `json:"cpus"`
	// PerfDomains are the performance domains of the energy model.
	PerfDomains []*PerfDomain `json:"perfDomains,omitempty"`
}

// Cluster is a capacity-homogeneous group of CPUs.
type Cluster struct {
	ID   int         `json:"id"`
	CPUs cpuset.List `json:"cpus"`
	// MaxFrequency overrides the top performance state frequency in kHz.
	MaxFrequency uint64 `json:"maxFrequency,omitempty"`
}

// CPU describes a single CPU.
type CPU struct {
	ID int `json:"id"`
	// Capacity is the normalized compute capacity of the CPU.
	Capacity uint64 `json:"capacity"`
	// CacheToken identifies the cache used for sibling detection.
	CacheToken string `json:"cacheToken,omitempty"`
}

// PerfDomain is a set of CPUs sharing frequency scaling.
type PerfDomain struct {
	ID     int                `json:"id"`
	CPUs   cpuset.List        `json:"cpus"`
	States []emodel.PerfState `json:"states"`
}

// Parse parses a YAML platform description and validates it.
func Parse(data []byte) (*Platform, error) {
	p := &Platform{}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse platform")
	}

	p.sort()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// FromFile reads a YAML platform description from the given file.
func FromFile(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read platform file %q", path)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "platform file %q", path)
	}

	log.Info("loaded platform from %s: %d clusters, %d CPUs, %d performance domains",
		path, len(p.Clusters), len(p.CPUs), len(p.PerfDomains))

	return p, nil
}

// Marshal returns the platform as YAML.
func (p *Platform) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func (p *Platform) sort() {
	sort.SliceStable(p.Clusters, func(i, j int) bool {
		return p.Clusters[i].ID < p.Clusters[j].ID
	})
	sort.SliceStable(p.CPUs, func(i, j int) bool {
		return p.CPUs[i].ID < p.CPUs[j].ID
	})
	sort.SliceStable(p.PerfDomains, func(i, j int) bool {
		return p.PerfDomains[i].ID < p.PerfDomains[j].ID
	})
}

// Validate checks the platform for consistency. All errors found are
// returned, each wrapping ErrInvalidPlatform.
func (p *Platform) Validate() error {
	var (
		errs  *multierror.Error
		cpus  = map[int]*CPU{}
		owner = map[int]int{}
	)

	invalid := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format,
			append([]interface{}{ErrInvalidPlatform}, args...)...))
	}

	if len(p.Clusters) == 0 {
		invalid("no clusters")
	}

	for _, cpu := range p.CPUs {
		if _, ok := cpus[cpu.ID]; ok {
			invalid("duplicate CPU #%d", cpu.ID)
		}
		if cpu.ID < 0 {
			invalid("invalid CPU id %d", cpu.ID)
		}
		if cpu.Capacity == 0 {
			invalid("CPU #%d has zero capacity", cpu.ID)
		}
		cpus[cpu.ID] = cpu
	}

	for idx, c := range p.Clusters {
		if c.ID != idx {
			invalid("cluster #%d enumerated at index %d", c.ID, idx)
		}
		if c.CPUs.IsEmpty() {
			invalid("cluster #%d has no CPUs", c.ID)
		}
		for _, id := range c.CPUs.List() {
			if _, ok := cpus[id]; !ok {
				invalid("cluster #%d has unknown CPU #%d", c.ID, id)
			}
			if other, ok := owner[id]; ok {
				invalid("CPU #%d in both cluster #%d and #%d", id, other, c.ID)
			}
			owner[id] = c.ID
		}
	}

	for _, cpu := range p.CPUs {
		if _, ok := owner[cpu.ID]; !ok {
			invalid("CPU #%d is not in any cluster", cpu.ID)
		}
	}

	domains := map[int]struct{}{}
	for _, pd := range p.PerfDomains {
		if _, ok := domains[pd.ID]; ok {
			invalid("duplicate performance domain #%d", pd.ID)
		}
		domains[pd.ID] = struct{}{}

		if err := pd.emodel().Validate(); err != nil {
			invalid("%v", err)
		}
		for _, id := range pd.CPUs.List() {
			if _, ok := cpus[id]; !ok {
				invalid("performance domain #%d has unknown CPU #%d", pd.ID, id)
			}
		}
	}

	return errs.ErrorOrNil()
}

// CPU returns the CPU with the given id, or nil.
func (p *Platform) CPU(id int) *CPU {
	for _, cpu := range p.CPUs {
		if cpu.ID == id {
			return cpu
		}
	}
	return nil
}

// CPUSet returns the set of all CPUs of the platform.
func (p *Platform) CPUSet() cpuset.CPUSet {
	ids := make([]int, 0, len(p.CPUs))
	for _, cpu := range p.CPUs {
		ids = append(ids, cpu.ID)
	}
	return cpuset.New(ids...)
}

func (pd *PerfDomain) emodel() *emodel.PerfDomain {
	return &emodel.PerfDomain{
		ID:     pd.ID,
		CPUs:   pd.CPUs.CPUSet,
		States: pd.States,
	}
}

// RegisterDomains replaces the contents of the domain list with the
// performance domains of the platform.
func (p *Platform) RegisterDomains(l *emodel.List) error {
	domains := make([]*emodel.PerfDomain, 0, len(p.PerfDomains))
	for _, pd := range p.PerfDomains {
		domains = append(domains, pd.emodel())
	}

	if err := l.Replace(domains); err != nil {
		return fmt.Errorf("failed to register performance domains: %w", err)
	}

	return nil
}
