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

// Package healthz aggregates the health of registered components.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/eas-topology/pkg/log"
)

var (
	log = logger.Get("health-check")
)

// CheckFn reports the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy components are fully functional.
	Healthy Status = iota
	// Degraded components work with reduced functionality.
	Degraded
	// NonFunctional components don't work.
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<unknown health status %d>", int(s))
}

// Registry is a set of named health checkers.
type Registry struct {
	lock     sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

// NewRegistry creates an empty health checker registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]CheckFn),
	}
}

// Register registers the given health checker function.
func (r *Registry) Register(name string, fn CheckFn) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, conflict := r.checkers[name]; conflict {
		return fmt.Errorf("healthz: checker %q already registered", name)
	}

	r.checkers[name] = fn
	r.sorted = append(r.sorted, name)
	sort.Strings(r.sorted)

	return nil
}

// Check runs all checkers, returning the worst status and the details
// reported by unhealthy components.
func (r *Registry) Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, name := range r.sorted {
		if s, err := r.checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err == nil {
				err = fmt.Errorf("%s", s)
			}
			details[name] = err
			log.Error("component %s reported %s: %v", name, s, err)
		}
	}

	return status, details
}

// ServeHTTP serves a single health check request.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := r.Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// Setup registers the health check handler of the registry at /healthz.
func (r *Registry) Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", r)
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default health checker registry.
func Default() *Registry {
	return defaultRegistry
}

// RegisterHealthChecker registers the given health checker function in
// the default registry. It panics if name is already taken.
func RegisterHealthChecker(name string, fn CheckFn) {
	if err := defaultRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func Setup(mux *http.ServeMux) {
	defaultRegistry.Setup(mux)
}
