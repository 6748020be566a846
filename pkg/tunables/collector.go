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

package tunables

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	r    *Registry
	desc *prometheus.Desc
}

// Collector returns a prometheus collector for the values of all tunables.
func (r *Registry) Collector() prometheus.Collector {
	return &collector{
		r: r,
		desc: prometheus.NewDesc(
			"value",
			"Current value of a scheduler tunable.",
			[]string{"name"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.r.DescribeAll() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
			float64(info.Value), info.Name)
	}
}
