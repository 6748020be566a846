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

package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/containers/eas-topology/pkg/tunables"
)

const (
	maxRequestSize = 4096
)

// TunableValue is the request body for setting a tunable.
type TunableValue struct {
	Value *int64 `json:"value"`
}

func (m *Manager) tunablesHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tunables", m.listTunables)
	mux.HandleFunc("GET /tunables/{name}", m.getTunable)
	mux.HandleFunc("PUT /tunables/{name}", m.setTunable)
	return mux
}

func (m *Manager) listTunables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.tunables.DescribeAll())
}

func (m *Manager) getTunable(w http.ResponseWriter, req *http.Request) {
	info, err := m.tunables.Describe(req.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (m *Manager) setTunable(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request: %v", err), http.StatusBadRequest)
		return
	}

	v := TunableValue{}
	if err := json.Unmarshal(body, &v); err != nil || v.Value == nil {
		http.Error(w, fmt.Sprintf("invalid request %q, expecting {\"value\": <integer>}", body),
			http.StatusBadRequest)
		return
	}

	err = m.updateTunables("http", func() error {
		return m.tunables.Set(name, *v.Value)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info("tunable %s set to %d over HTTP", name, *v.Value)

	info, _ := m.tunables.Describe(name)
	writeJSON(w, http.StatusOK, info)
}

func (m *Manager) topologyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := m.coord.Current()
		if snap == nil {
			http.Error(w, "no topology published yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := io.WriteString(w, snap.Dump()+"\n"); err != nil {
			log.Error("failed to write response: %v", err)
		}
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tunables.ErrUnknownTunable):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tunables.ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, obj interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		log.Error("failed to write response: %v", err)
	}
}
