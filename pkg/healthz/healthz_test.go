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

package healthz

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	r := NewRegistry()

	status, details := r.Check()
	require.Equal(t, Healthy, status)
	require.Empty(t, details)

	state := Healthy
	require.NoError(t, r.Register("a", func() (Status, error) { return Healthy, nil }))
	require.NoError(t, r.Register("b", func() (Status, error) {
		if state != Healthy {
			return state, errors.New("b is broken")
		}
		return Healthy, nil
	}))
	require.Error(t, r.Register("a", func() (Status, error) { return Healthy, nil }))

	status, _ = r.Check()
	require.Equal(t, Healthy, status)

	state = Degraded
	status, details = r.Check()
	require.Equal(t, Degraded, status)
	require.Len(t, details, 1)
	require.EqualError(t, details["b"], "b is broken")

	require.NoError(t, r.Register("c", func() (Status, error) { return NonFunctional, nil }))
	status, details = r.Check()
	require.Equal(t, NonFunctional, status)
	require.Len(t, details, 2)
	require.EqualError(t, details["c"], "non-functional")
}

func TestServeHTTP(t *testing.T) {
	r := NewRegistry()
	mux := http.NewServeMux()
	r.Setup(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	require.NoError(t, r.Register("topology", func() (Status, error) {
		return NonFunctional, errors.New("no snapshot")
	}))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "topology: no snapshot\n", rec.Body.String())
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "degraded", Degraded.String())
	require.Equal(t, "<unknown health status 7>", Status(7).String())
}
