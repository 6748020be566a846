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

	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

// proximity is a K*K matrix of cluster ids and masks. Row i lists all
// clusters in order of proximity to cluster i: i itself, the clusters
// above i in ascending order, then the clusters below i in descending
// order.
type proximity struct {
	k     int
	order []int
	masks []cpuset.CPUSet
}

// buildProximity builds the proximity matrix for the given cluster masks.
func buildProximity(clusters []cpuset.CPUSet, maxClusters int) (*proximity, error) {
	k := len(clusters)
	if k == 0 {
		return nil, fmt.Errorf("%w: no clusters", ErrAllocationExhausted)
	}
	if maxClusters > 0 && k > maxClusters {
		return nil, fmt.Errorf("%w: %d clusters, at most %d supported",
			ErrAllocationExhausted, k, maxClusters)
	}

	p := &proximity{
		k:     k,
		order: make([]int, k*k),
		masks: make([]cpuset.CPUSet, k*k),
	}

	for i := 0; i < k; i++ {
		row := p.order[i*k : (i+1)*k]
		j := 0
		row[j] = i
		j++
		for up := i + 1; up < k; up++ {
			row[j] = up
			j++
		}
		for down := i - 1; down >= 0; down-- {
			row[j] = down
			j++
		}
		for pos, id := range row {
			p.masks[i*k+pos] = clusters[id]
		}
	}

	return p, nil
}

// row returns the proximity order of cluster i.
func (p *proximity) row(i int) ([]int, bool) {
	if i < 0 || i >= p.k {
		return nil, false
	}
	return p.order[i*p.k : (i+1)*p.k], true
}

// maskRow returns the proximity ordered CPU masks of cluster i.
func (p *proximity) maskRow(i int) ([]cpuset.CPUSet, bool) {
	if i < 0 || i >= p.k {
		return nil, false
	}
	return p.masks[i*p.k : (i+1)*p.k], true
}

// at returns the cluster at position j of the proximity order of cluster i.
func (p *proximity) at(i, j int) (int, bool) {
	if i < 0 || i >= p.k || j < 0 || j >= p.k {
		return 0, false
	}
	return p.order[i*p.k+j], true
}
