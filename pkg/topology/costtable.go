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

package topology

import (
	"fmt"
	"sort"

	"github.com/containers/eas-topology/pkg/emodel"
)

const (
	// CostTableSize is the number of utilization units in a cost table.
	CostTableSize = 1024
)

// buildCostTable maps every utilization unit u to the cost of the lowest
// performance state with a frequency of at least fmax*u/scale, or of the
// highest state if none is fast enough. states must be sorted by frequency.
func buildCostTable(states []emodel.PerfState, fmax, scale uint64) ([]uint64, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no performance states", ErrInvalidPlatform)
	}
	if !sort.SliceIsSorted(states, func(i, j int) bool {
		return states[i].Frequency < states[j].Frequency
	}) {
		return nil, fmt.Errorf("%w: performance states not sorted by frequency", ErrInvalidPlatform)
	}
	if scale == 0 {
		return nil, fmt.Errorf("%w: zero capacity scale", ErrInvalidPlatform)
	}

	table := make([]uint64, CostTableSize)
	last := len(states) - 1
	for u := range table {
		f := fmax * uint64(u) / scale
		idx := sort.Search(len(states), func(i int) bool {
			return states[i].Frequency >= f
		})
		if idx > last {
			idx = last
		}
		table[u] = states[idx].Cost
	}

	return table, nil
}

// buildCostTables builds the cost table of every cluster covered by a
// performance domain. A domain is attributed to the cluster of its first
// CPU, and its capacity scale is that of the same CPU.
func buildCostTables(clusters []*Cluster, domains *emodel.List, lookup func(int) *CPU) ([][]uint64, error) {
	var (
		tables = make([][]uint64, len(clusters))
		owner  = make([]int, len(clusters))
		err    error
	)

	domains.Walk(func(pd *emodel.PerfDomain) bool {
		first, ok := pd.FirstCPU()
		if !ok {
			err = fmt.Errorf("%w: performance domain #%d has no CPUs", ErrInvalidPlatform, pd.ID)
			return false
		}
		cpu := lookup(first)
		if cpu == nil {
			err = fmt.Errorf("%w: performance domain #%d has unknown CPU #%d",
				ErrInvalidPlatform, pd.ID, first)
			return false
		}

		cluster := clusters[cpu.Cluster]
		fmax := cluster.MaxFrequency
		if fmax == 0 {
			fmax = pd.MaxFrequency()
		}

		table, e := buildCostTable(pd.States, fmax, cpu.Capacity)
		if e != nil {
			err = fmt.Errorf("performance domain #%d: %w", pd.ID, e)
			return false
		}

		if tables[cluster.ID] != nil {
			log.Warn("cluster #%d covered by performance domains #%d and #%d, using the latter",
				cluster.ID, owner[cluster.ID], pd.ID)
		}
		tables[cluster.ID] = table
		owner[cluster.ID] = pd.ID

		return true
	})

	if err != nil {
		return nil, err
	}

	for id, table := range tables {
		if table == nil {
			log.Warn("cluster #%d not covered by any performance domain, no cost table", id)
		}
	}

	return tables, nil
}
