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

package platform

import (
	"fmt"
	"sort"

	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/sysfs"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

// FromSysfs builds a platform from discovered sysfs details and energy
// model. Clusters are formed from the frequency domains of online CPUs and
// enumerated in ascending capacity order. Cache tokens are taken from the
// given cache level, or from the last level cache if cacheLevel is 0.
func FromSysfs(sys sysfs.System, domains []*sysfs.EnergyDomain, cacheLevel int) (*Platform, error) {
	p := &Platform{}

	online := sys.OnlineCPUs()
	for _, id := range online.List() {
		c := sys.CPU(id)
		if c == nil {
			return nil, fmt.Errorf("%w: online CPU #%d not discovered", ErrInvalidPlatform, id)
		}

		cpu := &CPU{
			ID:       id,
			Capacity: c.Capacity(),
		}
		if token, ok := c.CacheToken(cacheLevel); ok {
			cpu.CacheToken = token
		}

		p.CPUs = append(p.CPUs, cpu)
	}

	groups := sys.FrequencyDomains()
	capacity := func(cset cpuset.CPUSet) uint64 {
		first, _ := cpuset.First(cset)
		return sys.CPU(first).Capacity()
	}
	sort.SliceStable(groups, func(i, j int) bool {
		ci, cj := capacity(groups[i]), capacity(groups[j])
		if ci != cj {
			return ci < cj
		}
		fi, _ := cpuset.First(groups[i])
		fj, _ := cpuset.First(groups[j])
		return fi < fj
	})

	for idx, cset := range groups {
		cluster := &Cluster{
			ID:   idx,
			CPUs: cpuset.List{CPUSet: cset},
		}
		for _, id := range cset.List() {
			if freq := sys.CPU(id).FrequencyRange().Max(); freq > cluster.MaxFrequency {
				cluster.MaxFrequency = freq
			}
		}
		p.Clusters = append(p.Clusters, cluster)
	}

	for idx, d := range domains {
		cpus := d.CPUs.Intersection(online)
		if cpus.IsEmpty() {
			log.Warn("skipping energy domain %s, no online CPUs (%s)", d.Name, d.CPUs)
			continue
		}
		p.PerfDomains = append(p.PerfDomains, &PerfDomain{
			ID:     idx,
			CPUs:   cpuset.List{CPUSet: cpus},
			States: append([]emodel.PerfState(nil), d.States...),
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	log.Info("discovered platform: %d clusters, %d CPUs, %d performance domains",
		len(p.Clusters), len(p.CPUs), len(p.PerfDomains))
	for _, c := range p.Clusters {
		log.Info("  cluster #%d: CPUs %s, max frequency %d kHz", c.ID, c.CPUs, c.MaxFrequency)
	}

	return p, nil
}
