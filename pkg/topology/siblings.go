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

package topology

const (
	// NoSibling marks a CPU without a cache sibling.
	NoSibling = -1
)

// Asymmetry is a pair of CPUs with an inconsistent sibling relation: CPU
// has Sibling as its sibling, but the sibling of Sibling is Reverse.
type Asymmetry struct {
	CPU     int
	Sibling int
	Reverse int
}

// buildSiblings assigns every CPU with a cache token the first other CPU,
// in id order, with an equal token. cpus must be sorted by id.
func buildSiblings(cpus []*CPU) {
	for _, c := range cpus {
		c.Sibling = NoSibling
		if c.CacheToken == "" {
			continue
		}
		for _, o := range cpus {
			if o.ID == c.ID {
				continue
			}
			if o.CacheToken == c.CacheToken {
				c.Sibling = o.ID
				break
			}
		}
	}
}

// checkSiblings returns all CPUs whose sibling does not point back to them.
func checkSiblings(cpus []*CPU, lookup func(int) *CPU) []Asymmetry {
	var result []Asymmetry

	for _, c := range cpus {
		if c.Sibling == NoSibling {
			continue
		}
		reverse := NoSibling
		if o := lookup(c.Sibling); o != nil {
			reverse = o.Sibling
		}
		if reverse != c.ID {
			result = append(result, Asymmetry{CPU: c.ID, Sibling: c.Sibling, Reverse: reverse})
		}
	}

	return result
}
