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

// Package instrumentation runs the HTTP endpoint which serves metrics,
// health status and other registered handlers.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1/instrumentation"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/metrics"
)

const (
	// Namespace is the common prefix of our exported metrics.
	Namespace = "eas"

	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.Get("instrumentation")
)

// Service is our HTTP instrumentation endpoint.
type Service struct {
	sync.Mutex
	cfg      cfgapi.Config
	metrics  *metrics.Registry
	handlers map[string]http.Handler
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewService creates an instrumentation service exporting the collectors
// of the given metrics registry.
func NewService(registry *metrics.Registry) *Service {
	if registry == nil {
		registry = metrics.Default()
	}
	return &Service{
		metrics:  registry,
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers a handler for the given pattern. Handlers registered
// while the service is running take effect at the next (re)start.
func (s *Service) Handle(pattern string, handler http.Handler) {
	s.Lock()
	defer s.Unlock()
	s.handlers[pattern] = handler
}

// Start starts the service with the given configuration, stopping it
// first if it is already running. An empty HTTP endpoint disables the
// service.
func (s *Service) Start(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	return s.start(cfg)
}

// Stop stops the service.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Reconfigure restarts the service with a new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	log.Info("reconfiguring instrumentation...")

	s.stop()
	return s.start(cfg)
}

// Address returns the address the service listens on, or an empty string
// if it is not running.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) start(cfg *cfgapi.Config) error {
	if cfg != nil {
		s.cfg = *cfg
	}

	if s.cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint configured, instrumentation disabled")
		return nil
	}

	mux := http.NewServeMux()

	patterns := make([]string, 0, len(s.handlers))
	for pattern := range s.handlers {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		mux.Handle(pattern, s.handlers[pattern])
		log.Debug("serving %s", pattern)
	}

	if s.cfg.PrometheusExport {
		g, err := s.metrics.NewGatherer(
			metrics.WithNamespace(Namespace),
			metrics.WithMetrics(s.cfg.Metrics),
		)
		if err != nil {
			return instrumentationError("failed to set up metrics: %v", err)
		}
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
		log.Info("exporting metrics for Prometheus at /metrics")
	}

	l, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		return instrumentationError("failed to listen on %s: %v", s.cfg.HTTPEndpoint, err)
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, l net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, l, s.done)

	log.Info("HTTP server listening on %s", l.Addr())

	return nil
}

func (s *Service) stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down HTTP server: %v", err)
	}
	<-s.done

	s.server = nil
	s.listener = nil
	s.done = nil
}

func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
