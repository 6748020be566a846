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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/containers/eas-topology/pkg/metrics"
)

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "rebuilds", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "clusters", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r)
	defer srv.Close()

	types, values := collect(t, srv)
	require.True(t, types.HasEntry("rebuilds", "gauge"))
	require.True(t, types.HasEntry("clusters", "gauge"))
	require.Equal(t, "0", values.GetValue("rebuilds"))
	require.Equal(t, "0", values.GetValue("clusters"))
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "rebuilds", metrics.WithGroup("topology"))
	newTestGauge(t, r, "values", metrics.WithGroup("tunables"))

	srv := newTestServer(t, r, metrics.WithNamespace("eas"))
	defer srv.Close()

	_, values := collect(t, srv)
	require.Equal(t, "0", values.GetValue("eas_topology_rebuilds"))
	require.Equal(t, "0", values.GetValue("eas_tunables_values"))
}

func TestUpdatedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "g1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "g2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r)
	defer srv.Close()

	g1.Inc()
	g2.Set(5)

	_, values := collect(t, srv)
	require.Equal(t, "1", values.GetValue("g1"))
	require.Equal(t, "5", values.GetValue("g2"))

	g1.Set(4)
	g2.Dec()

	_, values = collect(t, srv)
	require.Equal(t, "4", values.GetValue("g1"))
	require.Equal(t, "4", values.GetValue("g2"))
}

func TestEnabledGlobs(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"test1", "group2"}))
	defer srv.Close()

	_, values := collect(t, srv)
	require.True(t, values.HasEntry("group1_test1"), "group1_test1 collected")
	require.False(t, values.HasEntry("test2"), "test2 not collected")
	require.True(t, values.HasEntry("test3"), "test3 collected")
	require.True(t, values.HasEntry("group2_test4"), "group2_test4 collected")
}

func TestUnmatchedGlob(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"nonexistent*"}))
	require.Error(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	err := r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x", Help: "x"}))
	require.Error(t, err)
	require.Equal(t, []string{"default/test1"}, r.Collectors())
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)
	require.NoError(t, r.Register(name, g, options...))
	return g
}

func newTestServer(t *testing.T, r *metrics.Registry, opts ...metrics.GathererOption) *httptest.Server {
	g, err := r.NewGatherer(opts...)
	require.NoError(t, err)
	require.NotNil(t, g)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.PanicOnError,
	}))

	return httptest.NewServer(mux)
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		split := strings.Split(e, " ")
		if len(split) >= 2 && split[0] == name && split[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	return c.GetValue(name) != ""
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		split := strings.SplitN(e, " ", 2)
		if len(split) == 2 && split[0] == name {
			return split[1]
		}
	}
	return ""
}

func collect(t *testing.T, srv *httptest.Server) (described, collected) {
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		types   []string
		values  []string
		scanner = bufio.NewScanner(resp.Body)
	)
	for scanner.Scan() {
		e := scanner.Text()
		switch {
		case strings.HasPrefix(e, "# HELP"):
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		default:
			values = append(values, e)
		}
	}

	return described(types), collected(values)
}
