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

package quiesce

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	c          *Coordinator
	rebuilds   *prometheus.Desc
	failures   *prometheus.Desc
	duration   *prometheus.Desc
	generation *prometheus.Desc
	clusters   *prometheus.Desc
	cpus       *prometheus.Desc
}

// Collector returns a prometheus collector for rebuild statistics and the
// currently published snapshot.
func (c *Coordinator) Collector() prometheus.Collector {
	return &collector{
		c: c,
		rebuilds: prometheus.NewDesc(
			"rebuilds_total",
			"Number of published topology rebuilds.",
			nil, nil,
		),
		failures: prometheus.NewDesc(
			"rebuild_failures_total",
			"Number of failed topology rebuilds.",
			nil, nil,
		),
		duration: prometheus.NewDesc(
			"rebuild_duration_seconds",
			"Duration of the last published topology rebuild.",
			nil, nil,
		),
		generation: prometheus.NewDesc(
			"generation",
			"Generation of the published topology snapshot.",
			nil, nil,
		),
		clusters: prometheus.NewDesc(
			"clusters",
			"Number of clusters in the published topology snapshot.",
			nil, nil,
		),
		cpus: prometheus.NewDesc(
			"cpus",
			"Number of CPUs in the published topology snapshot.",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rebuilds
	ch <- c.failures
	ch <- c.duration
	ch <- c.generation
	ch <- c.clusters
	ch <- c.cpus
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.c.stats.Lock()
	rebuilds, failures, duration := c.c.stats.rebuilds, c.c.stats.failures, c.c.stats.lastDuration
	c.c.stats.Unlock()

	ch <- prometheus.MustNewConstMetric(c.rebuilds, prometheus.CounterValue, float64(rebuilds))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(failures))
	ch <- prometheus.MustNewConstMetric(c.duration, prometheus.GaugeValue, duration.Seconds())

	var generation, clusters, cpus float64
	if snap := c.c.Current(); snap != nil {
		generation = float64(snap.Generation())
		clusters = float64(snap.ClusterCount())
		cpus = float64(len(snap.CPUs()))
	}
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, generation)
	ch <- prometheus.MustNewConstMetric(c.clusters, prometheus.GaugeValue, clusters)
	ch <- prometheus.MustNewConstMetric(c.cpus, prometheus.GaugeValue, cpus)
}
