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

package cpuset

import (
	"encoding/json"
	"fmt"

	"k8s.io/utils/cpuset"
)

// CPUSet is an alias for k8s.io/utils/cpuset.CPUSet.
type CPUSet = cpuset.CPUSet

var (
	// New is an alias for cpuset.New.
	New = cpuset.New
	// Parse is an alias for cpuset.Parse.
	Parse = cpuset.Parse
)

// MustParse panics if parsing the given cpuset string fails.
func MustParse(s string) cpuset.CPUSet {
	cset, err := cpuset.Parse(s)
	if err != nil {
		panic(fmt.Errorf("failed to parse CPUSet %s: %w", s, err))
	}
	return cset
}

// First returns the lowest CPU in the set.
func First(cset CPUSet) (int, bool) {
	if cset.IsEmpty() {
		return 0, false
	}
	return cset.List()[0], true
}

// List is a CPUSet which (un)marshals as a kernel cpulist string, like
// "0-3,8".
type List struct {
	CPUSet
}

// NewList creates a List of the given CPUs.
func NewList(cpus ...int) List {
	return List{CPUSet: cpuset.New(cpus...)}
}

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.CPUSet.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("invalid cpulist %s: %w", string(b), err)
	}
	cset, err := cpuset.Parse(str)
	if err != nil {
		return fmt.Errorf("invalid cpulist %q: %w", str, err)
	}
	l.CPUSet = cset
	return nil
}
