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
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/containers/eas-topology/pkg/tunables"
	"github.com/containers/eas-topology/pkg/utils/cpuset"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	tasks []*Task
	err   error
}

func (s *fakeSource) Tasks() ([]*Task, error) {
	return s.tasks, s.err
}

func TestAddAndFork(t *testing.T) {
	tt := NewTable()

	require.NoError(t, tt.Add(&Task{
		PID:      1,
		Comm:     "init",
		CPUsMask: cpuset.New(0, 1),
		IOWaited: true,
		Boost:    BoostOnMax,
	}))
	require.ErrorIs(t, tt.Add(&Task{PID: 1}), ErrTaskExists)

	init, ok := tt.Get(1)
	require.True(t, ok)
	require.False(t, init.IOWaited)
	require.Equal(t, BoostNone, init.Boost)

	require.NoError(t, tt.Update(1, func(t *Task) {
		t.IOWaited = true
		t.Boost = BoostStrictMax
	}))

	child, err := tt.Fork(1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, child.PID)
	require.Equal(t, "init", child.Comm)
	require.True(t, child.CPUsMask.Equals(cpuset.New(0, 1)))
	require.False(t, child.IOWaited)
	require.Equal(t, BoostNone, child.Boost)

	parent, _ := tt.Get(1)
	require.True(t, parent.IOWaited)
	require.Equal(t, BoostStrictMax, parent.Boost)

	_, err = tt.Fork(42, 3)
	require.ErrorIs(t, err, ErrUnknownTask)
	_, err = tt.Fork(1, 2)
	require.ErrorIs(t, err, ErrTaskExists)
	require.ErrorIs(t, tt.Update(42, func(*Task) {}), ErrUnknownTask)

	require.Equal(t, []int{1, 2}, tt.PIDs())
	require.True(t, tt.Remove(2))
	require.False(t, tt.Remove(2))
	require.Equal(t, 1, tt.Len())
}

func TestInitExisting(t *testing.T) {
	tt := NewTable()
	tt.SetCPUs([]int{0, 1})

	require.NoError(t, tt.Add(&Task{PID: 10, CPUsMask: cpuset.New(1)}))
	require.NoError(t, tt.Update(10, func(t *Task) {
		t.IOWaited = true
		t.Boost = BoostOnMid
		t.CPUsMask = cpuset.New(0, 1)
		t.CPUsRequested = cpuset.New(1)
	}))

	idle := tt.idle[1]
	idle.IOWaited = true
	idle.Boost = BoostOnMax
	idle.CPUsRequested = cpuset.New(3)

	tt.InitExisting()

	task, ok := tt.Get(10)
	require.True(t, ok)
	require.False(t, task.IOWaited)
	require.Equal(t, BoostNone, task.Boost)
	require.True(t, task.CPUsRequested.Equals(cpuset.New(0, 1)))

	it, ok := tt.Idle(1)
	require.True(t, ok)
	require.True(t, it.Idle)
	require.Equal(t, "swapper/1", it.Comm)
	require.False(t, it.IOWaited)
	require.Equal(t, BoostNone, it.Boost)
	require.True(t, it.CPUsRequested.Equals(cpuset.New(3)), "idle task requested affinity is kept")
}

func TestSetCPUs(t *testing.T) {
	tt := NewTable()
	tt.SetCPUs([]int{0, 1, 2})
	tt.idle[1].Boost = BoostOnMax

	tt.SetCPUs([]int{1, 3})

	_, ok := tt.Idle(0)
	require.False(t, ok)
	it, ok := tt.Idle(1)
	require.True(t, ok)
	require.Equal(t, BoostOnMax, it.Boost)
	it, ok = tt.Idle(3)
	require.True(t, ok)
	require.True(t, it.CPUsMask.Equals(cpuset.New(3)))
}

func TestRefresh(t *testing.T) {
	tt := NewTable()
	require.NoError(t, tt.Add(&Task{PID: 1, CPUsMask: cpuset.New(0)}))
	require.NoError(t, tt.Add(&Task{PID: 2, CPUsMask: cpuset.New(0)}))
	require.NoError(t, tt.Update(1, func(t *Task) { t.Boost = BoostOnMid }))

	src := &fakeSource{
		tasks: []*Task{
			{PID: 1, Comm: "one", CPUsMask: cpuset.New(0, 1)},
			{PID: 3, Comm: "three", CPUsMask: cpuset.New(2), Boost: BoostOnMax},
		},
	}
	require.NoError(t, tt.Refresh(src))
	require.Equal(t, []int{1, 3}, tt.PIDs())

	one, _ := tt.Get(1)
	require.Equal(t, BoostOnMid, one.Boost)
	require.True(t, one.CPUsMask.Equals(cpuset.New(0, 1)))

	three, _ := tt.Get(3)
	require.Equal(t, BoostNone, three.Boost)
	require.True(t, three.CPUsRequested.Equals(cpuset.New(2)))

	src.err = os.ErrPermission
	require.ErrorIs(t, tt.Refresh(src), os.ErrPermission)
}

func TestRTGHighPriority(t *testing.T) {
	r := tunables.NewRegistry()
	task := &Task{Priority: 100}

	require.False(t, task.RTGHighPriority(r), "disabled by default")
	require.NoError(t, r.Set(tunables.RTGBoostPriority, 110))
	require.True(t, task.RTGHighPriority(r))
	task.Priority = 120
	require.False(t, task.RTGHighPriority(r))
}

func TestBoostString(t *testing.T) {
	require.Equal(t, "on-max", BoostOnMax.String())
	require.Equal(t, "boost<9>", Boost(9).String())
}

func writeStatus(t *testing.T, root string, pid int, name, cpus string) {
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	status := "Name:\t" + name + "\n" +
		"State:\tS (sleeping)\n" +
		"Pid:\t" + strconv.Itoa(pid) + "\n" +
		"Cpus_allowed_list:\t" + cpus + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0644))
}

func TestProcSource(t *testing.T) {
	root := t.TempDir()
	writeStatus(t, root, 1, "init", "0-3")
	writeStatus(t, root, 42, "worker", "1,3")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0755))

	src, err := NewProcSource(root)
	require.NoError(t, err)

	tasks, err := src.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byPID := map[int]*Task{}
	for _, task := range tasks {
		byPID[task.PID] = task
	}
	require.Equal(t, "init", byPID[1].Comm)
	require.True(t, byPID[1].CPUsMask.Equals(cpuset.New(0, 1, 2, 3)))
	require.Equal(t, "worker", byPID[42].Comm)
	require.True(t, byPID[42].CPUsMask.Equals(cpuset.New(1, 3)))

	tt := NewTable()
	require.NoError(t, tt.Refresh(src))
	require.Equal(t, []int{1, 42}, tt.PIDs())

	_, err = NewProcSource(filepath.Join(root, "missing"))
	require.Error(t, err)
}
