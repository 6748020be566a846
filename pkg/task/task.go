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

// Package task keeps the per-task scheduling state which is reset when
// the topology is rebuilt and when new tasks are created.
package task

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/tunables"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

var (
	log = logger.Get("task")
)

// Boost is the frequency boost policy of a task.
type Boost int

const (
	// BoostNone disables boosting.
	BoostNone Boost = iota
	// BoostOnMid boosts the task to mid capacity CPUs.
	BoostOnMid
	// BoostOnMax boosts the task to max capacity CPUs.
	BoostOnMax
	// BoostStrictMax pins the task to max capacity CPUs.
	BoostStrictMax
)

var boostNames = map[Boost]string{
	BoostNone:      "none",
	BoostOnMid:     "on-mid",
	BoostOnMax:     "on-max",
	BoostStrictMax: "strict-max",
}

func (b Boost) String() string {
	if name, ok := boostNames[b]; ok {
		return name
	}
	return "boost<" + strconv.Itoa(int(b)) + ">"
}

// Task is the scheduling state of a single task.
type Task struct {
	PID  int
	Comm string
	// Idle is true for the per-CPU idle tasks.
	Idle bool
	// Priority is the task's priority, lower values are more important.
	Priority int
	// CPUsMask is the effective CPU affinity of the task.
	CPUsMask cpuset.CPUSet
	// CPUsRequested is the affinity requested for the task.
	CPUsRequested cpuset.CPUSet
	// IOWaited is set when the task last slept waiting for I/O.
	IOWaited bool
	// Boost is the boost policy of the task.
	Boost Boost
}

func (t *Task) String() string {
	if t.Idle {
		return fmt.Sprintf("<idle task %s>", t.Comm)
	}
	return fmt.Sprintf("<task %d (%s)>", t.PID, t.Comm)
}

// RTGHighPriority returns true if the task is important enough for grouped
// task boosting.
func (t *Task) RTGHighPriority(r *tunables.Registry) bool {
	return r.RTGHighPriority(t.Priority)
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// initNew resets the state of a new task.
func (t *Task) initNew() {
	t.IOWaited = false
	t.Boost = BoostNone
}

// initExisting resets the state of a task which already existed when the
// topology was rebuilt.
func (t *Task) initExisting() {
	t.initNew()
	t.CPUsRequested = t.CPUsMask.Clone()
}

// Table is the table of all known tasks.
type Table struct {
	sync.RWMutex
	tasks map[int]*Task
	idle  map[int]*Task
}

// NewTable creates an empty task table.
func NewTable() *Table {
	return &Table{
		tasks: make(map[int]*Task),
		idle:  make(map[int]*Task),
	}
}

// Add adds a new task, initializing it as a newly created task.
func (tt *Table) Add(t *Task) error {
	tt.Lock()
	defer tt.Unlock()

	if _, ok := tt.tasks[t.PID]; ok {
		return fmt.Errorf("%w: PID %d", ErrTaskExists, t.PID)
	}

	t = t.clone()
	t.Idle = false
	t.initNew()
	tt.tasks[t.PID] = t

	return nil
}

// Fork creates the task child as a copy of the task parent.
func (tt *Table) Fork(parent, child int) (*Task, error) {
	tt.Lock()
	defer tt.Unlock()

	p, ok := tt.tasks[parent]
	if !ok {
		return nil, fmt.Errorf("%w: parent PID %d", ErrUnknownTask, parent)
	}
	if _, ok := tt.tasks[child]; ok {
		return nil, fmt.Errorf("%w: PID %d", ErrTaskExists, child)
	}

	t := p.clone()
	t.PID = child
	t.CPUsMask = p.CPUsMask.Clone()
	t.CPUsRequested = p.CPUsRequested.Clone()
	t.initNew()
	tt.tasks[child] = t

	log.Debug("forked %s from %s", t, p)

	return t.clone(), nil
}

// Remove removes the task with the given PID.
func (tt *Table) Remove(pid int) bool {
	tt.Lock()
	defer tt.Unlock()

	if _, ok := tt.tasks[pid]; !ok {
		return false
	}
	delete(tt.tasks, pid)

	return true
}

// Update calls fn with the task of the given PID under the table lock.
func (tt *Table) Update(pid int, fn func(*Task)) error {
	tt.Lock()
	defer tt.Unlock()

	t, ok := tt.tasks[pid]
	if !ok {
		return fmt.Errorf("%w: PID %d", ErrUnknownTask, pid)
	}
	fn(t)
	t.PID = pid

	return nil
}

// Get returns a copy of the task with the given PID.
func (tt *Table) Get(pid int) (*Task, bool) {
	tt.RLock()
	defer tt.RUnlock()

	t, ok := tt.tasks[pid]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Idle returns a copy of the idle task of the given CPU.
func (tt *Table) Idle(cpu int) (*Task, bool) {
	tt.RLock()
	defer tt.RUnlock()

	t, ok := tt.idle[cpu]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Len returns the number of tasks, not counting idle tasks.
func (tt *Table) Len() int {
	tt.RLock()
	defer tt.RUnlock()
	return len(tt.tasks)
}

// PIDs returns the sorted PIDs of all tasks.
func (tt *Table) PIDs() []int {
	tt.RLock()
	defer tt.RUnlock()

	pids := make([]int, 0, len(tt.tasks))
	for pid := range tt.tasks {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	return pids
}

// SetCPUs synthesizes an idle task for every given CPU, dropping the idle
// tasks of any other CPUs. Idle tasks of CPUs already known are kept.
func (tt *Table) SetCPUs(cpus []int) {
	tt.Lock()
	defer tt.Unlock()

	idle := make(map[int]*Task, len(cpus))
	for _, cpu := range cpus {
		if t, ok := tt.idle[cpu]; ok {
			idle[cpu] = t
			continue
		}
		t := &Task{
			Comm:     "swapper/" + strconv.Itoa(cpu),
			Idle:     true,
			CPUsMask: cpuset.New(cpu),
		}
		t.initNew()
		idle[cpu] = t
	}
	tt.idle = idle
}

// InitExisting resets the scheduling state of all tasks. Idle tasks are
// only reset like new tasks, their requested affinity is left untouched.
func (tt *Table) InitExisting() {
	tt.Lock()
	defer tt.Unlock()

	for _, t := range tt.tasks {
		t.initExisting()
	}
	for _, t := range tt.idle {
		t.initNew()
	}

	log.Debug("reset state of %d tasks and %d idle tasks", len(tt.tasks), len(tt.idle))
}

// Source provides the current set of tasks.
type Source interface {
	Tasks() ([]*Task, error)
}

// Refresh synchronizes the table with the tasks of src. Tasks no longer
// present are removed, new tasks are added as newly created tasks, and
// the effective affinity of other tasks is updated.
func (tt *Table) Refresh(src Source) error {
	tasks, err := src.Tasks()
	if err != nil {
		return fmt.Errorf("failed to refresh tasks: %w", err)
	}

	tt.Lock()
	defer tt.Unlock()

	var (
		seen    = make(map[int]struct{}, len(tasks))
		added   = 0
		removed = 0
	)

	for _, t := range tasks {
		seen[t.PID] = struct{}{}
		if o, ok := tt.tasks[t.PID]; ok {
			o.Comm = t.Comm
			o.CPUsMask = t.CPUsMask.Clone()
			continue
		}
		n := t.clone()
		n.Idle = false
		n.CPUsRequested = n.CPUsMask.Clone()
		n.initNew()
		tt.tasks[n.PID] = n
		added++
	}

	for pid := range tt.tasks {
		if _, ok := seen[pid]; !ok {
			delete(tt.tasks, pid)
			removed++
		}
	}

	log.Debug("refreshed tasks: %d added, %d removed, %d total", added, removed, len(tt.tasks))

	return nil
}
