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

package sysfs

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"

	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

var (
	// Parent directory under which host sysfs, etc. is mounted (if non-standard location).
	sysRoot = ""
	// Our logger instance.
	log = logger.NewLogger("sysfs")
)

const (
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "devices/system/cpu"
	// DefaultCapacity is the capacity of CPUs without a cpu_capacity entry.
	DefaultCapacity = 1024
)

// System devices
type System interface {
	CPUIDs() []idset.ID
	CPUCount() int
	CPU(id idset.ID) CPU
	PossibleCPUs() cpuset.CPUSet
	OnlineCPUs() cpuset.CPUSet
	OfflineCPUs() cpuset.CPUSet
	FrequencyDomains() []cpuset.CPUSet
	Path() string
}

// System devices
type system struct {
	logger.Logger                                      // our logger instance
	path          string                               // sysfs mount point
	cpus          map[idset.ID]*cpu                    // CPUs
	caches        [][NumCacheTypes]map[idset.ID]*Cache // CPU caches
	possibleCPUs  idset.IDSet                          // set of possible CPUs
	onlineCPUs    idset.IDSet                          // set of online CPUs
}

// CPU is a CPU core.
type CPU interface {
	ID() idset.ID
	PackageID() idset.ID
	ClusterID() idset.ID
	Online() bool
	Capacity() uint64
	FrequencyRange() CPUFreq
	FrequencyDomain() cpuset.CPUSet
	CacheCount() int
	GetCaches() []*Cache
	GetCachesByLevel(int) []*Cache
	GetCacheByIndex(int) *Cache
	GetLastLevelCaches() []*Cache
	CacheToken(level int) (string, bool)
}

type cpu struct {
	path     string      // sysfs path
	id       idset.ID    // CPU id
	pkg      idset.ID    // package id
	cluster  idset.ID    // cluster id
	online   bool        // whether this CPU is online
	capacity uint64      // normalized CPU capacity
	freq     CPUFreq     // CPU frequencies
	related  idset.IDSet // CPUs sharing frequency scaling
	caches   []*Cache    // caches for this CPU
}

// CPUFreq is a CPU frequency scaling range
type CPUFreq struct {
	min uint64 // minimum frequency (kHz)
	max uint64 // maximum frequency (kHz)
}

// Min returns the minimum frequency in kHz.
func (f CPUFreq) Min() uint64 {
	return f.min
}

// Max returns the maximum frequency in kHz.
func (f CPUFreq) Max() uint64 {
	return f.max
}

// CacheType specifies a cache type.
type CacheType int

const (
	DataCache        CacheType = iota // DataCache is a data only cache
	InstructionCache                  // InstructionCache is an instruction only cache.
	UnifiedCache                      // UnifiedCache is a unified data and instruction cache.
	numCacheTypes
	NumCacheTypes = int(numCacheTypes)
)

// Cache has details about a CPU cache.
type Cache struct {
	id    idset.ID    // cache id
	level int         // cache level
	kind  CacheType   // cache type
	size  uint64      // cache size
	cpus  idset.IDSet // CPUs sharing this cache
}

// SetSysRoot sets the sys root directory.
func SetSysRoot(path string) {
	sysRoot = path
}

// DiscoverSystem performs discovery of the running systems details.
func DiscoverSystem() (System, error) {
	return DiscoverSystemAt(filepath.Join("/", sysRoot, "sys"))
}

// DiscoverSystemAt performs discovery of the running systems details from sysfs mounted at path.
func DiscoverSystemAt(path string) (System, error) {
	sys := &system{
		Logger: log,
		path:   path,
	}

	if err := sys.discoverCPUs(); err != nil {
		return nil, err
	}

	if sys.DebugEnabled() {
		sys.dump()
	}

	return sys, nil
}

func (sys *system) dump() {
	sys.Debug("CPUs:")
	sys.Debug("  - possible: %s", sys.PossibleCPUs())
	sys.Debug("  -   online: %s", sys.OnlineCPUs())
	sys.Debug("  -  offline: %s", sys.OfflineCPUs())

	for _, id := range sys.CPUIDs() {
		cpu := sys.cpus[id]
		sys.Debug("CPU #%d:", id)
		sys.Debug("        pkg: %d", cpu.pkg)
		sys.Debug("    cluster: %d", cpu.cluster)
		sys.Debug("   capacity: %d", cpu.capacity)
		sys.Debug("       freq: %d - %d", cpu.freq.min, cpu.freq.max)
		sys.Debug("    related: %s", cpu.FrequencyDomain())
		for idx, c := range cpu.caches {
			sys.Debug("    cache #%d: %s, %dK, cpus %s", idx, c.Token(), c.size/1024,
				c.SharedCPUSet())
		}
	}
}

// Path returns the sysfs path discovery was performed at.
func (sys *system) Path() string {
	return sys.path
}

// CPUIDs gets the ids of all CPUs in the system.
func (sys *system) CPUIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(sys.cpus))
	for id := range sys.cpus {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CPUCount returns the number of discovered CPUs in the system.
func (sys *system) CPUCount() int {
	return len(sys.cpus)
}

// CPU gets the CPU with a given CPU id.
func (sys *system) CPU(id idset.ID) CPU {
	if c, ok := sys.cpus[id]; ok {
		return c
	}
	return nil
}

// PossibleCPUs gets the set of possible CPUs.
func (sys *system) PossibleCPUs() cpuset.CPUSet {
	return CPUSetFromIDSet(sys.possibleCPUs)
}

// OnlineCPUs gets the set of online CPUs.
func (sys *system) OnlineCPUs() cpuset.CPUSet {
	return CPUSetFromIDSet(sys.onlineCPUs)
}

// OfflineCPUs gets the set of offline CPUs.
func (sys *system) OfflineCPUs() cpuset.CPUSet {
	return sys.PossibleCPUs().Difference(sys.OnlineCPUs())
}

// FrequencyDomains returns the distinct sets of online CPUs sharing
// frequency scaling, ordered by their first CPU.
func (sys *system) FrequencyDomains() []cpuset.CPUSet {
	var (
		seen    = map[string]struct{}{}
		domains []cpuset.CPUSet
	)

	for _, id := range sys.CPUIDs() {
		c := sys.cpus[id]
		if !c.online {
			continue
		}
		cset := c.FrequencyDomain().Intersection(sys.OnlineCPUs())
		key := cset.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		domains = append(domains, cset)
	}

	return domains
}

func (sys *system) discoverCPUs() error {
	if sys.cpus != nil {
		return nil
	}

	sys.cpus = make(map[idset.ID]*cpu)

	base := filepath.Join(sys.path, sysfsCPUPath)
	if _, err := readSysfsEntry(base, "possible", &sys.possibleCPUs, ","); err != nil {
		return sysfsError(base, "failed to get set of possible cpus: %w", err)
	}

	if _, err := readSysfsEntry(base, "online", &sys.onlineCPUs, ","); err != nil {
		sys.Warn("failed to get set of online cpus, assuming all possible ones: %v", err)
		sys.onlineCPUs = sys.possibleCPUs.Clone()
	}

	entries, _ := filepath.Glob(filepath.Join(base, "cpu[0-9]*"))
	for _, entry := range entries {
		if err := sys.discoverCPU(entry); err != nil {
			return fmt.Errorf("failed to discover cpu for entry %s: %w", entry, err)
		}
	}

	if len(sys.cpus) == 0 {
		return sysfsError(base, "no CPUs found")
	}

	return nil
}

// Discover details of the given CPU.
func (sys *system) discoverCPU(path string) error {
	cpu := &cpu{
		path:     path,
		id:       getEnumeratedID(path),
		cluster:  -1,
		capacity: DefaultCapacity,
	}

	cpu.online = sys.onlineCPUs.Has(cpu.id)
	sys.cpus[cpu.id] = cpu

	if !cpu.online {
		return nil
	}

	if _, err := readSysfsEntry(path, "topology/physical_package_id", &cpu.pkg); err != nil {
		return err
	}
	readSysfsEntry(path, "topology/cluster_id", &cpu.cluster)
	readSysfsEntry(path, "cpu_capacity", &cpu.capacity)

	if _, err := readSysfsEntry(path, "cpufreq/cpuinfo_min_freq", &cpu.freq.min); err != nil {
		cpu.freq.min = 0
	}
	if _, err := readSysfsEntry(path, "cpufreq/cpuinfo_max_freq", &cpu.freq.max); err != nil {
		cpu.freq.max = 0
	}
	if _, err := readSysfsEntry(path, "cpufreq/related_cpus", &cpu.related, ","); err != nil {
		cpu.related = idset.NewIDSet(cpu.id)
	}

	entries, _ := filepath.Glob(filepath.Join(path, "cache/index[0-9]*"))
	sort.Slice(entries, func(i, j int) bool {
		return getEnumeratedID(entries[i]) < getEnumeratedID(entries[j])
	})
	for _, entry := range entries {
		if err := sys.discoverCache(cpu, entry); err != nil {
			return err
		}
	}

	return nil
}

// ID returns the id of this CPU.
func (c *cpu) ID() idset.ID {
	return c.id
}

// PackageID returns package id of this CPU.
func (c *cpu) PackageID() idset.ID {
	return c.pkg
}

// ClusterID returns the cluster id of this CPU, or -1 if unknown.
func (c *cpu) ClusterID() idset.ID {
	return c.cluster
}

// Online returns if this CPU is online.
func (c *cpu) Online() bool {
	return c.online
}

// Capacity returns the normalized capacity of this CPU.
func (c *cpu) Capacity() uint64 {
	return c.capacity
}

// FrequencyRange returns the frequency range for this CPU.
func (c *cpu) FrequencyRange() CPUFreq {
	return c.freq
}

// FrequencyDomain returns the CPUs sharing frequency scaling with this one.
func (c *cpu) FrequencyDomain() cpuset.CPUSet {
	if c.related == nil {
		return cpuset.New(c.id)
	}
	return CPUSetFromIDSet(c.related)
}

// CacheCount returns the number of caches for this CPU.
func (c *cpu) CacheCount() int {
	return len(c.caches)
}

// GetCaches returns the caches for this CPU.
func (c *cpu) GetCaches() []*Cache {
	return append([]*Cache(nil), c.caches...)
}

// GetCachesByLevel returns the caches of the given level for this CPU.
func (c *cpu) GetCachesByLevel(level int) []*Cache {
	var caches []*Cache

	for _, cch := range c.caches {
		if cch.level == level {
			caches = append(caches, cch)
		}
	}

	return caches
}

// GetCacheByIndex returns the cache of the given index for this CPU.
func (c *cpu) GetCacheByIndex(idx int) *Cache {
	if 0 <= idx && idx < len(c.caches) {
		return c.caches[idx]
	}
	return nil
}

// GetLastLevelCaches returns the last level caches for this CPU.
func (c *cpu) GetLastLevelCaches() []*Cache {
	if len(c.caches) < 1 {
		return nil
	}

	var (
		caches    []*Cache
		lastLevel = 0
	)

	for _, cch := range c.caches {
		if cch.level > lastLevel {
			lastLevel = cch.level
		}
	}
	for _, cch := range c.caches {
		if cch.level == lastLevel {
			caches = append(caches, cch)
		}
	}

	return caches
}

// CacheToken returns an identity token for the cache at the given level,
// or for the last level cache if level is 0. Data and unified caches are
// preferred over instruction caches.
func (c *cpu) CacheToken(level int) (string, bool) {
	var caches []*Cache
	if level == 0 {
		caches = c.GetLastLevelCaches()
	} else {
		caches = c.GetCachesByLevel(level)
	}

	var best *Cache
	for _, cch := range caches {
		if best == nil || (best.kind == InstructionCache && cch.kind != InstructionCache) {
			best = cch
		}
	}

	if best == nil {
		return "", false
	}
	return best.Token(), true
}

// ID returns the id of the cache.
func (c *Cache) ID() int {
	if c == nil {
		return 0
	}
	return c.id
}

// Level returns the level of the cache.
func (c *Cache) Level() int {
	if c == nil {
		return 0
	}
	return c.level
}

// Type returns the type of the cache.
func (c *Cache) Type() CacheType {
	if c == nil {
		return 0
	}
	return c.kind
}

// Size returns the size of the cache in bytes.
func (c *Cache) Size() uint64 {
	if c == nil {
		return 0
	}
	return c.size
}

// SharedCPUSet returns the CPUs sharing the cache.
func (c *Cache) SharedCPUSet() cpuset.CPUSet {
	if c == nil {
		return cpuset.New()
	}
	return CPUSetFromIDSet(c.cpus)
}

// Token returns the identity token of the cache, "L<level>/<type>/<id>".
func (c *Cache) Token() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("L%d/%s/%d", c.level, c.kind, c.id)
}

func (sys *system) discoverCache(cpu *cpu, path string) error {
	var id idset.ID

	split := strings.Split(path, "/cache/index")
	if len(split) != 2 {
		return sysfsError(path, "unexpected cache path %s", path)
	}

	if _, err := readSysfsEntry(path, "id", &id); err != nil {
		return sysfsError(path, "can't read cache id: %w", err)
	}

	c := &Cache{
		id: id,
	}

	if _, err := readSysfsEntry(path, "level", &c.level); err != nil {
		return sysfsError(path, "can't read cache level: %w", err)
	}
	if c.level < 1 {
		return sysfsError(path, "invalid cache level %d", c.level)
	}
	if _, err := readSysfsEntry(path, "shared_cpu_list", &c.cpus, ","); err != nil {
		return sysfsError(path, "can't read shared CPUs: %w", err)
	}
	kind := ""
	if _, err := readSysfsEntry(path, "type", &kind); err != nil {
		return sysfsError(path, "can't read cache type: %w", err)
	}
	switch kind {
	case "Data":
		c.kind = DataCache
	case "Instruction":
		c.kind = InstructionCache
	case "Unified":
		c.kind = UnifiedCache
	default:
		return sysfsError(path, "unknown cache type: %s", kind)
	}

	size := ""
	if _, err := readSysfsEntry(path, "size", &size); err == nil {
		v, err := parseSize(size)
		if err != nil {
			return sysfsError(path, "can't parse cache size '%s': %w", size, err)
		}
		c.size = v
	}

	cpu.caches = append(cpu.caches, sys.saveCache(c))

	return nil
}

func (sys *system) saveCache(c *Cache) *Cache {
	if len(sys.caches) < c.level {
		caches := sys.caches
		sys.caches = make([][NumCacheTypes]map[idset.ID]*Cache, c.level)
		copy(sys.caches, caches)
		for lvl := len(caches); lvl < c.level; lvl++ {
			for ct := 0; ct < NumCacheTypes; ct++ {
				sys.caches[lvl][ct] = make(map[idset.ID]*Cache)
			}
		}
	}

	if cch, ok := sys.caches[c.level-1][int(c.kind)][c.id]; ok {
		return cch
	}

	sys.caches[c.level-1][int(c.kind)][c.id] = c
	return c
}

func (t CacheType) String() string {
	switch t {
	case DataCache:
		return "Data"
	case InstructionCache:
		return "Instruction"
	case UnifiedCache:
		return "Unified"
	}
	return ""
}
