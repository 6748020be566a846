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

package udev

import (
	"path"
	"strconv"
	"strings"
)

const (
	// SubsystemCPU is the subsystem of CPU uevents.
	SubsystemCPU = "cpu"
)

// CPUHotplugFilter matches the uevents of CPUs going online or offline
// and of CPUs being added or removed.
func CPUHotplugFilter() Filter {
	return Filter{
		PropertySubsystem: SubsystemCPU,
		PropertyAction:    "[aor]*",
		PropertyDevpath:   "/devices/system/cpu/cpu[0-9]*",
	}
}

// CPUHotplug describes a CPU hot-plug event.
type CPUHotplug struct {
	CPU    int
	Action string
}

// ParseCPUHotplug returns the CPU hot-plug event of evt, if it is one.
func ParseCPUHotplug(evt *Event) (CPUHotplug, bool) {
	if evt.Subsystem != SubsystemCPU {
		return CPUHotplug{}, false
	}
	switch evt.Action {
	case "add", "remove", "online", "offline":
	default:
		return CPUHotplug{}, false
	}

	name := path.Base(evt.Devpath)
	if !strings.HasPrefix(name, "cpu") {
		return CPUHotplug{}, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
	if err != nil || id < 0 {
		return CPUHotplug{}, false
	}

	return CPUHotplug{CPU: id, Action: evt.Action}, true
}
