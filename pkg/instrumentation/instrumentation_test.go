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

package instrumentation

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/eas-topology/pkg/metrics"
)

func get(t *testing.T, url string) (int, string) {
	rpl, err := http.Get(url)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}

func TestPrometheusConfiguration(t *testing.T) {
	reg := metrics.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "answer",
		Help: "The answer.",
	})
	gauge.Set(42)
	require.NoError(t, reg.Register("answer", gauge, metrics.WithGroup("test")))

	s := NewService(reg)
	s.Handle("/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))

	cfg := &cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}
	require.NoError(t, s.Start(cfg))
	defer s.Stop()

	address := s.Address()
	require.NotEmpty(t, address)

	code, body := get(t, "http://"+address+"/ping")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pong", body)

	code, _ = get(t, "http://"+address+"/metrics")
	require.Equal(t, http.StatusNotFound, code)

	cfg.PrometheusExport = true
	require.NoError(t, s.Reconfigure(cfg))

	code, body = get(t, "http://"+s.Address()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "eas_test_answer 42")

	cfg.Metrics = []string{"nomatch*"}
	require.Error(t, s.Reconfigure(cfg))
	require.Empty(t, s.Address())

	cfg.Metrics = nil
	cfg.HTTPEndpoint = ""
	require.NoError(t, s.Reconfigure(cfg))
	require.Empty(t, s.Address())
}
