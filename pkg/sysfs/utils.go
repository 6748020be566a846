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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/eas-topology/pkg/utils/cpuset"
)

// readSysfsEntry reads and optionally parses a sysfs entry. If ptr is not
// nil the trimmed content is parsed into it. Supported targets are *string,
// *int, *uint64, *idset.IDSet and *cpuset.CPUSet, the last two parsed as a
// cpulist.
func readSysfsEntry(base, entry string, ptr interface{}, args ...interface{}) (string, error) {
	path := base
	if entry != "" {
		path = filepath.Join(base, entry)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read entry: %w", err)
	}

	buf := strings.TrimSpace(string(blob))
	if ptr == nil {
		return buf, nil
	}

	if err := parseValue(buf, ptr, args...); err != nil {
		return "", sysfsError(path, "%w", err)
	}

	return buf, nil
}

func parseValue(buf string, ptr interface{}, args ...interface{}) error {
	switch p := ptr.(type) {
	case *string:
		*p = buf
	case *int:
		v, err := strconv.ParseInt(buf, 0, 0)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", buf, err)
		}
		*p = int(v)
	case *uint64:
		v, err := strconv.ParseUint(buf, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q: %w", buf, err)
		}
		*p = v
	case *idset.IDSet:
		cset, err := parseCPUList(buf, args...)
		if err != nil {
			return err
		}
		*p = idset.NewIDSet(cset.UnsortedList()...)
	case *cpuset.CPUSet:
		cset, err := parseCPUList(buf, args...)
		if err != nil {
			return err
		}
		*p = cset
	default:
		return fmt.Errorf("unsupported sysfs entry type %T", ptr)
	}

	return nil
}

// parseCPUList parses a cpulist, optionally with a separator other than ','.
func parseCPUList(buf string, args ...interface{}) (cpuset.CPUSet, error) {
	if len(args) > 0 {
		if sep, ok := args[0].(string); ok && sep != "," {
			buf = strings.ReplaceAll(buf, sep, ",")
		}
	}
	cset, err := cpuset.Parse(buf)
	if err != nil {
		return cpuset.New(), fmt.Errorf("invalid cpulist %q: %w", buf, err)
	}
	return cset, nil
}

// parseSize parses a sysfs size with an optional K, M or G suffix.
func parseSize(size string) (uint64, error) {
	if size == "" {
		return 0, fmt.Errorf("empty size")
	}

	unit := map[byte]uint64{'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30}
	mult := uint64(1)
	if u, ok := unit[size[len(size)-1]]; ok {
		mult = u
		size = size[:len(size)-1]
	}

	val, err := strconv.ParseUint(size, 10, 64)
	if err != nil {
		return 0, err
	}

	return val * mult, nil
}

// getEnumeratedID returns the trailing integer of an enumerated sysfs path,
// for instance 3 for .../cpu3 or .../index3.
func getEnumeratedID(path string) idset.ID {
	name := filepath.Base(path)
	idx := len(name)
	for idx > 0 && name[idx-1] >= '0' && name[idx-1] <= '9' {
		idx--
	}

	id, err := strconv.Atoi(name[idx:])
	if err != nil {
		return -1
	}
	return id
}

// CPUSetFromIDSet returns a cpuset.CPUSet corresponding to an id set.
func CPUSetFromIDSet(s idset.IDSet) cpuset.CPUSet {
	return cpuset.New(s.Members()...)
}

// sysfsError returns a formatted sysfs-specific error.
func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs: %s: %w", path, fmt.Errorf(format, args...))
}
