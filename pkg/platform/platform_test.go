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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/platform"
	"github.com/containers/eas-topology/pkg/sysfs"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

const samplePlatform = `
clusters:
  - id: 1
    cpus: "2"
  - id: 0
    cpus: "0-1"
  - id: 2
    cpus: "3-5"
    maxFrequency: 3000000
cpus:
  - { id: 0, capacity: 381, cacheToken: "L2/Unified/0" }
  - { id: 1, capacity: 381, cacheToken: "L2/Unified/0" }
  - { id: 2, capacity: 800 }
  - { id: 3, capacity: 1024, cacheToken: "L2/Unified/2" }
  - { id: 4, capacity: 1024, cacheToken: "L2/Unified/2" }
  - { id: 5, capacity: 1024 }
perfDomains:
  - id: 0
    cpus: "0-1"
    states:
      - { frequency: 300000, cost: 10 }
      - { frequency: 1800000, cost: 90 }
  - id: 1
    cpus: "2"
    states:
      - { frequency: 2400000, cost: 250 }
`

func TestParse(t *testing.T) {
	p, err := platform.Parse([]byte(samplePlatform))
	require.NoError(t, err)

	require.Len(t, p.Clusters, 3)
	require.Equal(t, 0, p.Clusters[0].ID)
	require.Equal(t, "0-1", p.Clusters[0].CPUs.String())
	require.Equal(t, uint64(3000000), p.Clusters[2].MaxFrequency)

	require.Len(t, p.CPUs, 6)
	require.Equal(t, "L2/Unified/2", p.CPU(4).CacheToken)
	require.Nil(t, p.CPU(42))
	require.Equal(t, "0-5", p.CPUSet().String())

	require.Len(t, p.PerfDomains, 2)
	require.Equal(t, []emodel.PerfState{{Frequency: 300000, Cost: 10}, {Frequency: 1800000, Cost: 90}},
		p.PerfDomains[0].States)
}

func TestParseErrors(t *testing.T) {
	type testCase struct {
		name string
		data string
	}
	for _, tc := range []*testCase{
		{
			name: "malformed YAML",
			data: "clusters: [",
		},
		{
			name: "unknown field",
			data: "clusters: []\nbogus: 1\n",
		},
		{
			name: "invalid cpulist",
			data: "clusters:\n  - id: 0\n    cpus: \"0-x\"\n",
		},
		{
			name: "no clusters",
			data: "cpus:\n  - { id: 0, capacity: 1024 }\n",
		},
		{
			name: "unknown cluster CPU",
			data: "clusters:\n  - { id: 0, cpus: \"0-1\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n",
		},
		{
			name: "CPU in two clusters",
			data: "clusters:\n  - { id: 0, cpus: \"0\" }\n  - { id: 1, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n",
		},
		{
			name: "CPU without cluster",
			data: "clusters:\n  - { id: 0, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n  - { id: 1, capacity: 1024 }\n",
		},
		{
			name: "cluster id gap",
			data: "clusters:\n  - { id: 1, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n",
		},
		{
			name: "zero capacity",
			data: "clusters:\n  - { id: 0, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 0 }\n",
		},
		{
			name: "unsorted states",
			data: "clusters:\n  - { id: 0, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n" +
				"perfDomains:\n  - id: 0\n    cpus: \"0\"\n    states:\n" +
				"      - { frequency: 2000, cost: 2 }\n      - { frequency: 1000, cost: 1 }\n",
		},
		{
			name: "empty states",
			data: "clusters:\n  - { id: 0, cpus: \"0\" }\ncpus:\n  - { id: 0, capacity: 1024 }\n" +
				"perfDomains:\n  - { id: 0, cpus: \"0\" }\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := platform.Parse([]byte(tc.data))
			require.Error(t, err)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	p := &platform.Platform{
		Clusters: []*platform.Cluster{
			{ID: 0, CPUs: cpuset.NewList(0, 7)},
		},
		CPUs: []*platform.CPU{
			{ID: 0, Capacity: 0},
			{ID: 1, Capacity: 1024},
		},
	}

	err := p.Validate()
	require.ErrorIs(t, err, platform.ErrInvalidPlatform)
	require.Contains(t, err.Error(), "zero capacity")
	require.Contains(t, err.Error(), "unknown CPU #7")
	require.Contains(t, err.Error(), "CPU #1 is not in any cluster")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platform.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlatform), 0o644))

	p, err := platform.FromFile(path)
	require.NoError(t, err)
	require.Len(t, p.Clusters, 3)

	_, err = platform.FromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing.yaml")
}

func TestRegisterDomains(t *testing.T) {
	p, err := platform.Parse([]byte(samplePlatform))
	require.NoError(t, err)

	l := emodel.NewList()
	require.NoError(t, p.RegisterDomains(l))
	require.Equal(t, 2, l.Len())

	pd := l.Domains()[0]
	first, ok := pd.FirstCPU()
	require.True(t, ok)
	require.Equal(t, 0, first)
	require.Equal(t, uint64(1800000), pd.MaxFrequency())
}

func TestFromSysfs(t *testing.T) {
	sys := newMockSystem(
		&mockCPU{id: 0, capacity: 1024, related: cpuset.New(0, 1), token: "L3/Unified/0"},
		&mockCPU{id: 1, capacity: 1024, related: cpuset.New(0, 1), token: "L3/Unified/0"},
		&mockCPU{id: 2, capacity: 400, related: cpuset.New(2, 3)},
		&mockCPU{id: 3, capacity: 400, related: cpuset.New(2, 3)},
		&mockCPU{id: 4, capacity: 700, related: cpuset.New(4)},
	)
	domains := []*sysfs.EnergyDomain{
		{Name: "cpu0", CPUs: cpuset.New(0, 1), States: []emodel.PerfState{{Frequency: 100, Cost: 1}}},
		{Name: "cpu2", CPUs: cpuset.New(2, 3), States: []emodel.PerfState{{Frequency: 50, Cost: 1}}},
		{Name: "cpu8", CPUs: cpuset.New(8), States: []emodel.PerfState{{Frequency: 50, Cost: 1}}},
	}

	p, err := platform.FromSysfs(sys, domains, 0)
	require.NoError(t, err)

	require.Len(t, p.Clusters, 3)
	require.Equal(t, "2-3", p.Clusters[0].CPUs.String(), "lowest capacity first")
	require.Equal(t, "4", p.Clusters[1].CPUs.String())
	require.Equal(t, "0-1", p.Clusters[2].CPUs.String())

	require.Len(t, p.CPUs, 5)
	require.Equal(t, "L3/Unified/0", p.CPU(1).CacheToken)
	require.Equal(t, "", p.CPU(2).CacheToken)
	require.Equal(t, uint64(700), p.CPU(4).Capacity)

	require.Len(t, p.PerfDomains, 2, "domain without online CPUs skipped")
}
