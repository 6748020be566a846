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

package task

import (
	"fmt"
	"os"

	"github.com/containers/eas-topology/pkg/utils/cpuset"
	"github.com/prometheus/procfs"
)

// ProcSource lists tasks from a procfs mount.
type ProcSource struct {
	fs procfs.FS
}

// NewProcSource creates a task source for the procfs mounted at mountPoint.
func NewProcSource(mountPoint string) (*ProcSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcSource{fs: fs}, nil
}

// Tasks returns all processes with their allowed CPUs as the effective
// affinity. Processes which exit while being listed are skipped.
func (s *ProcSource) Tasks() ([]*Task, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	tasks := make([]*Task, 0, len(procs))
	for _, p := range procs {
		status, err := p.NewStatus()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn("failed to read status of process %d: %v", p.PID, err)
			continue
		}

		cpus := make([]int, 0, len(status.CpusAllowedList))
		for _, cpu := range status.CpusAllowedList {
			cpus = append(cpus, int(cpu))
		}

		tasks = append(tasks, &Task{
			PID:      p.PID,
			Comm:     status.Name,
			CPUsMask: cpuset.New(cpus...),
		})
	}

	return tasks, nil
}
