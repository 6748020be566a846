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

package platform_test

import (
	"sort"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/eas-topology/pkg/sysfs"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

type mockCPU struct {
	id       idset.ID
	capacity uint64
	related  cpuset.CPUSet
	token    string
	maxFreq  uint64
}

func (c *mockCPU) ID() idset.ID                        { return c.id }
func (c *mockCPU) PackageID() idset.ID                 { return 0 }
func (c *mockCPU) ClusterID() idset.ID                 { return -1 }
func (c *mockCPU) Online() bool                        { return true }
func (c *mockCPU) Capacity() uint64                    { return c.capacity }
func (c *mockCPU) FrequencyRange() sysfs.CPUFreq       { return sysfs.CPUFreq{} }
func (c *mockCPU) FrequencyDomain() cpuset.CPUSet      { return c.related }
func (c *mockCPU) CacheCount() int                     { return 0 }
func (c *mockCPU) GetCaches() []*sysfs.Cache           { return nil }
func (c *mockCPU) GetCachesByLevel(int) []*sysfs.Cache { return nil }
func (c *mockCPU) GetCacheByIndex(int) *sysfs.Cache    { return nil }
func (c *mockCPU) GetLastLevelCaches() []*sysfs.Cache  { return nil }

func (c *mockCPU) CacheToken(int) (string, bool) {
	return c.token, c.token != ""
}

type mockSystem struct {
	cpus map[idset.ID]*mockCPU
}

func newMockSystem(cpus ...*mockCPU) *mockSystem {
	sys := &mockSystem{cpus: map[idset.ID]*mockCPU{}}
	for _, c := range cpus {
		sys.cpus[c.id] = c
	}
	return sys
}

func (fake *mockSystem) CPUIDs() []idset.ID {
	ids := []idset.ID{}
	for id := range fake.cpus {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
func (fake *mockSystem) CPUCount() int {
	return len(fake.cpus)
}
func (fake *mockSystem) CPU(id idset.ID) sysfs.CPU {
	if c, ok := fake.cpus[id]; ok {
		return c
	}
	return nil
}
func (fake *mockSystem) PossibleCPUs() cpuset.CPUSet {
	return cpuset.New(fake.CPUIDs()...)
}
func (fake *mockSystem) OnlineCPUs() cpuset.CPUSet {
	return fake.PossibleCPUs()
}
func (fake *mockSystem) OfflineCPUs() cpuset.CPUSet {
	return cpuset.New()
}
func (fake *mockSystem) FrequencyDomains() []cpuset.CPUSet {
	seen := map[string]struct{}{}
	domains := []cpuset.CPUSet{}
	for _, id := range fake.CPUIDs() {
		d := fake.cpus[id].related
		if _, ok := seen[d.String()]; !ok {
			seen[d.String()] = struct{}{}
			domains = append(domains, d)
		}
	}
	return domains
}
func (fake *mockSystem) Path() string {
	return "/mock"
}
