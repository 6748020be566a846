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

package sysfs_test

import (
	"fmt"
	"os"
	"path/filepath"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/sysfs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type (
	ID = idset.ID
)

var (
	sampleRoot string
	sample     sysfs.System
)

// fakeCPU describes a CPU of the generated sysfs tree.
type fakeCPU struct {
	id       int
	cluster  int
	capacity uint64
	maxFreq  uint64
	related  string
	l2       int
	l2cpus   string
}

// A 7 CPU system with 3 capacity classes: CPUs 0-1 are little cores
// sharing an L2, CPU 2 is a mid core, CPUs 3-5 are big cores sharing an
// L2. All online CPUs share a single L3. CPU 6 is offline.
var fakeCPUs = []fakeCPU{
	{0, 0, 381, 1800000, "0-1", 0, "0-1"},
	{1, 0, 381, 1800000, "0-1", 0, "0-1"},
	{2, 1, 800, 2400000, "2", 1, "2"},
	{3, 2, 1024, 3000000, "3-5", 2, "3-5"},
	{4, 2, 1024, 3000000, "3-5", 2, "3-5"},
	{5, 2, 1024, 3000000, "3-5", 2, "3-5"},
}

func writeEntry(root, path string, value interface{}) {
	path = filepath.Join(root, path)
	Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(fmt.Sprintf("%v\n", value)), 0o644)).To(Succeed())
}

func writeCache(cpuDir string, idx, level, id int, kind, size, cpus string) {
	dir := filepath.Join(cpuDir, fmt.Sprintf("cache/index%d", idx))
	writeEntry(dir, "id", id)
	writeEntry(dir, "level", level)
	writeEntry(dir, "type", kind)
	writeEntry(dir, "size", size)
	writeEntry(dir, "shared_cpu_list", cpus)
}

func generateSysfs(root string) {
	base := filepath.Join(root, "devices/system/cpu")
	writeEntry(base, "possible", "0-6")
	writeEntry(base, "online", "0-5")

	for _, c := range fakeCPUs {
		dir := filepath.Join(base, fmt.Sprintf("cpu%d", c.id))
		writeEntry(dir, "topology/physical_package_id", 0)
		writeEntry(dir, "topology/cluster_id", c.cluster)
		writeEntry(dir, "cpu_capacity", c.capacity)
		writeEntry(dir, "cpufreq/cpuinfo_min_freq", 300000)
		writeEntry(dir, "cpufreq/cpuinfo_max_freq", c.maxFreq)
		writeEntry(dir, "cpufreq/related_cpus", c.related)
		writeCache(dir, 0, 1, c.id, "Data", "32K", fmt.Sprint(c.id))
		writeCache(dir, 1, 1, c.id, "Instruction", "32K", fmt.Sprint(c.id))
		writeCache(dir, 2, 2, c.l2, "Unified", "512K", c.l2cpus)
		writeCache(dir, 3, 3, 0, "Unified", "4M", "0-5")
	}

	Expect(os.MkdirAll(filepath.Join(base, "cpu6"), 0o755)).To(Succeed())

	em := filepath.Join(root, "kernel/debug/energy_model")
	domains := []struct {
		name   string
		cpus   string
		states [][2]uint64
	}{
		{"cpu3", "3-5", [][2]uint64{{3000000, 900}, {1000000, 200}, {2000000, 500}}},
		{"cpu0", "0-1", [][2]uint64{{300000, 10}, {1000000, 40}, {1800000, 90}}},
		{"cpu2", "2", [][2]uint64{{500000, 30}, {2400000, 250}}},
	}
	for _, d := range domains {
		dir := filepath.Join(em, d.name)
		writeEntry(dir, "cpus", d.cpus)
		for _, ps := range d.states {
			psDir := filepath.Join(dir, fmt.Sprintf("ps:%d", ps[0]))
			writeEntry(psDir, "frequency", ps[0])
			writeEntry(psDir, "cost", ps[1])
			writeEntry(psDir, "power", ps[1]*3)
		}
	}
	writeEntry(filepath.Join(em, "gpu"), "ps:100000/frequency", 100000)
}

var _ = BeforeSuite(func() {
	var err error

	sampleRoot, err = os.MkdirTemp("", "sysfs-test-")
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(os.RemoveAll, sampleRoot)

	generateSysfs(filepath.Join(sampleRoot, "sys"))

	sysfs.SetSysRoot(sampleRoot)
	DeferCleanup(sysfs.SetSysRoot, "")

	sample, err = sysfs.DiscoverSystem()
	Expect(err).ToNot(HaveOccurred())
	Expect(sample).ToNot(BeNil())
})

var _ = Describe("CPU set discovery", func() {
	It("discovers possible, online and offline CPUs", func() {
		Expect(sample.PossibleCPUs().String()).To(Equal("0-6"))
		Expect(sample.OnlineCPUs().String()).To(Equal("0-5"))
		Expect(sample.OfflineCPUs().String()).To(Equal("6"))
		Expect(sample.CPUIDs()).To(Equal([]ID{0, 1, 2, 3, 4, 5, 6}))
		Expect(sample.CPUCount()).To(Equal(7))
	})

	It("discovers frequency domains in CPU order", func() {
		var domains []string
		for _, d := range sample.FrequencyDomains() {
			domains = append(domains, d.String())
		}
		Expect(domains).To(Equal([]string{"0-1", "2", "3-5"}))
	})

	It("fails for a missing sysfs tree", func() {
		_, err := sysfs.DiscoverSystemAt(filepath.Join(sampleRoot, "nonexistent"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = DescribeTable("CPU discovery",
	func(id ID, online bool, cluster ID, capacity, maxFreq uint64, related string) {
		cpu := sample.CPU(id)
		Expect(cpu).ToNot(BeNil())
		Expect(cpu.Online()).To(Equal(online))
		if !online {
			return
		}
		Expect(cpu.PackageID()).To(Equal(0))
		Expect(cpu.ClusterID()).To(Equal(cluster))
		Expect(cpu.Capacity()).To(Equal(capacity))
		Expect(cpu.FrequencyRange().Min()).To(Equal(uint64(300000)))
		Expect(cpu.FrequencyRange().Max()).To(Equal(maxFreq))
		Expect(cpu.FrequencyDomain().String()).To(Equal(related))
	},

	Entry("little CPU #0", 0, true, 0, uint64(381), uint64(1800000), "0-1"),
	Entry("little CPU #1", 1, true, 0, uint64(381), uint64(1800000), "0-1"),
	Entry("mid CPU #2", 2, true, 1, uint64(800), uint64(2400000), "2"),
	Entry("big CPU #4", 4, true, 2, uint64(1024), uint64(3000000), "3-5"),
	Entry("offline CPU #6", 6, false, -1, uint64(0), uint64(0), ""),
)

var _ = DescribeTable("cache discovery",
	func(id ID, idx, level, cacheID int, kind sysfs.CacheType, size uint64, cpus string) {
		cpu := sample.CPU(id)
		Expect(cpu).ToNot(BeNil())
		Expect(cpu.CacheCount()).To(Equal(4))
		cch := cpu.GetCacheByIndex(idx)
		Expect(cch).ToNot(BeNil())
		Expect(cch.ID()).To(Equal(cacheID))
		Expect(cch.Level()).To(Equal(level))
		Expect(cch.Type()).To(Equal(kind))
		Expect(cch.Size()).To(Equal(size))
		Expect(cch.SharedCPUSet().String()).To(Equal(cpus))
	},

	Entry("CPU #0, cache #0", 0, 0, 1, 0, sysfs.DataCache, uint64(32*1024), "0"),
	Entry("CPU #0, cache #1", 0, 1, 1, 0, sysfs.InstructionCache, uint64(32*1024), "0"),
	Entry("CPU #0, cache #2", 0, 2, 2, 0, sysfs.UnifiedCache, uint64(512*1024), "0-1"),
	Entry("CPU #0, cache #3", 0, 3, 3, 0, sysfs.UnifiedCache, uint64(4*1024*1024), "0-5"),
	Entry("CPU #5, cache #2", 5, 2, 2, 2, sysfs.UnifiedCache, uint64(512*1024), "3-5"),
)

var _ = DescribeTable("cache tokens",
	func(id ID, level int, token string, found bool) {
		cpu := sample.CPU(id)
		Expect(cpu).ToNot(BeNil())
		tok, ok := cpu.CacheToken(level)
		Expect(ok).To(Equal(found))
		Expect(tok).To(Equal(token))
	},

	Entry("CPU #0 last level", 0, 0, "L3/Unified/0", true),
	Entry("CPU #5 last level", 5, 0, "L3/Unified/0", true),
	Entry("CPU #0 level 2", 0, 2, "L2/Unified/0", true),
	Entry("CPU #2 level 2", 2, 2, "L2/Unified/1", true),
	Entry("CPU #4 level 1 prefers data", 4, 1, "L1/Data/4", true),
	Entry("CPU #4 missing level 4", 4, 4, "", false),
	Entry("offline CPU #6", 6, 0, "", false),
)

var _ = Describe("energy model discovery", func() {
	It("discovers CPU performance domains sorted by CPU and frequency", func() {
		domains, err := sysfs.DiscoverEnergyModel()
		Expect(err).ToNot(HaveOccurred())
		Expect(domains).To(HaveLen(3))

		Expect(domains[0].Name).To(Equal("cpu0"))
		Expect(domains[0].CPUs.String()).To(Equal("0-1"))
		Expect(domains[0].States).To(Equal([]emodel.PerfState{
			{Frequency: 300000, Cost: 10},
			{Frequency: 1000000, Cost: 40},
			{Frequency: 1800000, Cost: 90},
		}))

		Expect(domains[1].Name).To(Equal("cpu2"))
		Expect(domains[2].Name).To(Equal("cpu3"))
		Expect(domains[2].States[0]).To(Equal(emodel.PerfState{Frequency: 1000000, Cost: 200}))
		Expect(domains[2].States[2]).To(Equal(emodel.PerfState{Frequency: 3000000, Cost: 900}))
	})

	It("fails for a missing energy model", func() {
		_, err := sysfs.DiscoverEnergyModelAt(filepath.Join(sampleRoot, "nonexistent"))
		Expect(err).To(HaveOccurred())
	})
})
