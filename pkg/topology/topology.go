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

// Package topology builds immutable snapshots of the scheduling topology:
// the proximity order of clusters, the cache sibling of every CPU, and the
// per-cluster energy cost tables.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/containers/eas-topology/pkg/emodel"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/platform"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

var (
	log = logger.Get("topology")
)

// Cluster is a capacity-homogeneous group of CPUs.
type Cluster struct {
	ID           int
	CPUs         cpuset.CPUSet
	MaxFrequency uint64
}

// CPU is a single CPU of a snapshot.
type CPU struct {
	ID         int
	Cluster    int
	Sibling    int
	CacheToken string
	Capacity   uint64
}

// Snapshot is a fully built, immutable generation of the topology.
type Snapshot struct {
	generation  uint64
	clusters    []*Cluster
	cpus        []*CPU
	cpuIdx      map[int]int
	proximity   *proximity
	tables      [][]uint64
	asymmetries []Asymmetry
}

// Builder builds topology snapshots.
type Builder struct {
	maxClusters int
	maxCPUs     int
}

// Option is an option for a Builder.
type Option func(*Builder)

// WithMaxClusters limits the number of clusters a snapshot can have.
func WithMaxClusters(n int) Option {
	return func(b *Builder) {
		b.maxClusters = n
	}
}

// WithMaxCPUs limits the number of CPUs a snapshot can have.
func WithMaxCPUs(n int) Option {
	return func(b *Builder) {
		b.maxCPUs = n
	}
}

// NewBuilder creates a new snapshot builder.
func NewBuilder(options ...Option) *Builder {
	b := &Builder{}
	for _, o := range options {
		o(b)
	}
	return b
}

// Fits checks if a snapshot stays within the limits of the builder. A nil
// snapshot always fits.
func (b *Builder) Fits(s *Snapshot) error {
	if s == nil {
		return nil
	}
	if b.maxCPUs > 0 && len(s.cpus) > b.maxCPUs {
		return fmt.Errorf("%w: %d CPUs, at most %d supported",
			ErrAllocationExhausted, len(s.cpus), b.maxCPUs)
	}
	if b.maxClusters > 0 && len(s.clusters) > b.maxClusters {
		return fmt.Errorf("%w: %d clusters, at most %d supported",
			ErrAllocationExhausted, len(s.clusters), b.maxClusters)
	}
	return nil
}

// Build builds a snapshot of the given platform. The proximity matrix is
// built first, then the cache sibling map, then the cost tables of the
// performance domains in domains.
func (b *Builder) Build(p *platform.Platform, domains *emodel.List, generation uint64) (*Snapshot, error) {
	if b.maxCPUs > 0 && len(p.CPUs) > b.maxCPUs {
		return nil, fmt.Errorf("%w: %d CPUs, at most %d supported",
			ErrAllocationExhausted, len(p.CPUs), b.maxCPUs)
	}

	s := &Snapshot{
		generation: generation,
		cpuIdx:     make(map[int]int, len(p.CPUs)),
	}

	for _, c := range p.CPUs {
		if _, ok := s.cpuIdx[c.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate CPU #%d", ErrInvalidPlatform, c.ID)
		}
		s.cpuIdx[c.ID] = -1
		s.cpus = append(s.cpus, &CPU{
			ID:         c.ID,
			Cluster:    -1,
			Sibling:    NoSibling,
			CacheToken: c.CacheToken,
			Capacity:   c.Capacity,
		})
	}
	sort.Slice(s.cpus, func(i, j int) bool {
		return s.cpus[i].ID < s.cpus[j].ID
	})
	for idx, c := range s.cpus {
		s.cpuIdx[c.ID] = idx
	}

	masks := make([]cpuset.CPUSet, 0, len(p.Clusters))
	for idx, pc := range p.Clusters {
		if pc.ID != idx {
			return nil, fmt.Errorf("%w: cluster #%d enumerated at index %d",
				ErrInvalidPlatform, pc.ID, idx)
		}
		for _, id := range pc.CPUs.List() {
			cpu := s.cpu(id)
			if cpu == nil {
				return nil, fmt.Errorf("%w: cluster #%d has unknown CPU #%d",
					ErrAllocationExhausted, idx, id)
			}
			if cpu.Cluster != -1 {
				return nil, fmt.Errorf("%w: CPU #%d in both cluster #%d and #%d",
					ErrInvalidPlatform, id, cpu.Cluster, idx)
			}
			cpu.Cluster = idx
		}
		s.clusters = append(s.clusters, &Cluster{
			ID:           idx,
			CPUs:         pc.CPUs.CPUSet.Clone(),
			MaxFrequency: pc.MaxFrequency,
		})
		masks = append(masks, pc.CPUs.CPUSet)
	}

	for _, cpu := range s.cpus {
		if cpu.Cluster == -1 {
			return nil, fmt.Errorf("%w: CPU #%d is not in any cluster", ErrInvalidPlatform, cpu.ID)
		}
	}

	prox, err := buildProximity(masks, b.maxClusters)
	if err != nil {
		return nil, err
	}
	s.proximity = prox

	buildSiblings(s.cpus)
	s.asymmetries = checkSiblings(s.cpus, s.cpu)

	tables, err := buildCostTables(s.clusters, domains, s.cpu)
	if err != nil {
		return nil, err
	}
	s.tables = tables

	return s, nil
}

func (s *Snapshot) cpu(id int) *CPU {
	idx, ok := s.cpuIdx[id]
	if !ok || idx < 0 {
		return nil
	}
	return s.cpus[idx]
}

// Generation returns the generation of the snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// ClusterCount returns the number of clusters.
func (s *Snapshot) ClusterCount() int {
	return len(s.clusters)
}

// Cluster returns the cluster with the given id.
func (s *Snapshot) Cluster(id int) (Cluster, bool) {
	if id < 0 || id >= len(s.clusters) {
		return Cluster{}, false
	}
	return *s.clusters[id], true
}

// CPUs returns the ids of all CPUs, sorted.
func (s *Snapshot) CPUs() []int {
	ids := make([]int, 0, len(s.cpus))
	for _, c := range s.cpus {
		ids = append(ids, c.ID)
	}
	return ids
}

// ProximityOrder returns all cluster ids in order of proximity to cluster.
func (s *Snapshot) ProximityOrder(cluster int) ([]int, bool) {
	row, ok := s.proximity.row(cluster)
	if !ok {
		return nil, false
	}
	return append([]int(nil), row...), true
}

// ProximityMasks returns the CPUs of all clusters in order of proximity
// to cluster.
func (s *Snapshot) ProximityMasks(cluster int) ([]cpuset.CPUSet, bool) {
	row, ok := s.proximity.maskRow(cluster)
	if !ok {
		return nil, false
	}
	return append([]cpuset.CPUSet(nil), row...), true
}

// NthNearest returns the cluster at position n of the proximity order of
// cluster, the cluster itself being at position 0.
func (s *Snapshot) NthNearest(cluster, n int) (int, bool) {
	return s.proximity.at(cluster, n)
}

// EnergyCost returns the energy cost of running cluster at utilization
// util, which must be in [0, CostTableSize). It returns false if the
// cluster has no cost table.
func (s *Snapshot) EnergyCost(cluster, util int) (uint64, bool) {
	if cluster < 0 || cluster >= len(s.tables) || util < 0 || util >= CostTableSize {
		return 0, false
	}
	table := s.tables[cluster]
	if table == nil {
		return 0, false
	}
	return table[util], true
}

// CostTable returns a copy of the cost table of cluster.
func (s *Snapshot) CostTable(cluster int) ([]uint64, bool) {
	if cluster < 0 || cluster >= len(s.tables) || s.tables[cluster] == nil {
		return nil, false
	}
	return append([]uint64(nil), s.tables[cluster]...), true
}

// CacheSibling returns the cache sibling of cpu, if it has one.
func (s *Snapshot) CacheSibling(cpu int) (int, bool) {
	c := s.cpu(cpu)
	if c == nil || c.Sibling == NoSibling {
		return NoSibling, false
	}
	return c.Sibling, true
}

// ClusterOf returns the cluster of cpu.
func (s *Snapshot) ClusterOf(cpu int) (int, bool) {
	c := s.cpu(cpu)
	if c == nil {
		return -1, false
	}
	return c.Cluster, true
}

// Asymmetries returns the CPUs with an asymmetric cache sibling relation.
func (s *Snapshot) Asymmetries() []Asymmetry {
	return append([]Asymmetry(nil), s.asymmetries...)
}

// Dump returns a human readable multiline description of the snapshot.
func (s *Snapshot) Dump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "generation %d, %d clusters, %d CPUs\n", s.generation,
		len(s.clusters), len(s.cpus))
	for _, c := range s.clusters {
		order, _ := s.ProximityOrder(c.ID)
		fmt.Fprintf(&b, "cluster #%d: CPUs %s, proximity %v", c.ID, c.CPUs, order)
		if table := s.tables[c.ID]; table != nil {
			fmt.Fprintf(&b, ", cost %d..%d", table[0], table[CostTableSize-1])
		} else {
			fmt.Fprintf(&b, ", no cost table")
		}
		b.WriteString("\n")
	}
	for _, c := range s.cpus {
		if c.Sibling != NoSibling {
			fmt.Fprintf(&b, "CPU #%d: cluster #%d, sibling #%d\n", c.ID, c.Cluster, c.Sibling)
		} else {
			fmt.Fprintf(&b, "CPU #%d: cluster #%d, no sibling\n", c.ID, c.Cluster)
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}
