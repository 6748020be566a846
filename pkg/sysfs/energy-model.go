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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

const (
	// energyModelPath is the debugfs energy model path relative to sysfs.
	energyModelPath = "kernel/debug/energy_model"
	// perfStatePrefix is the prefix of performance state directories.
	perfStatePrefix = "ps:"
)

// EnergyDomain is a CPU performance domain of the kernel energy model.
type EnergyDomain struct {
	Name   string
	CPUs   cpuset.CPUSet
	States []emodel.PerfState
}

// DiscoverEnergyModel reads the energy model of the running system.
func DiscoverEnergyModel() ([]*EnergyDomain, error) {
	return DiscoverEnergyModelAt(filepath.Join("/", sysRoot, "sys", energyModelPath))
}

// DiscoverEnergyModelAt reads the energy model exported at dir. Domains of
// devices other than CPUs are skipped. The returned domains are sorted by
// their first CPU, their states by frequency.
func DiscoverEnergyModelAt(dir string) ([]*EnergyDomain, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, sysfsError(dir, "failed to read energy model: %w", err)
	}

	var domains []*EnergyDomain
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		path := filepath.Join(dir, e.Name())
		d, err := discoverEnergyDomain(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("skipping non-CPU energy domain %s", e.Name())
				continue
			}
			return nil, err
		}

		domains = append(domains, d)
	}

	sort.Slice(domains, func(i, j int) bool {
		fi, _ := cpuset.First(domains[i].CPUs)
		fj, _ := cpuset.First(domains[j].CPUs)
		return fi < fj
	})

	for _, d := range domains {
		log.Debug("energy domain %s: CPUs %s, %d performance states", d.Name, d.CPUs,
			len(d.States))
	}

	return domains, nil
}

func discoverEnergyDomain(path string) (*EnergyDomain, error) {
	d := &EnergyDomain{
		Name: filepath.Base(path),
	}

	if _, err := readSysfsEntry(path, "cpus", &d.CPUs, ","); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, sysfsError(path, "failed to read energy domain: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), perfStatePrefix) {
			continue
		}

		var (
			psPath = filepath.Join(path, e.Name())
			ps     emodel.PerfState
		)

		if _, err := readSysfsEntry(psPath, "frequency", &ps.Frequency); err != nil {
			return nil, sysfsError(psPath, "can't read frequency: %v", err)
		}
		if _, err := readSysfsEntry(psPath, "cost", &ps.Cost); err != nil {
			return nil, sysfsError(psPath, "can't read cost: %v", err)
		}

		d.States = append(d.States, ps)
	}

	if len(d.States) == 0 {
		return nil, sysfsError(path, "no performance states")
	}

	sort.Slice(d.States, func(i, j int) bool {
		return d.States[i].Frequency < d.States[j].Frequency
	})

	return d, nil
}
