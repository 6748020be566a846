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

import (
	"errors"

	"github.com/containers/eas-topology/pkg/platform"
)

var (
	// ErrAllocationExhausted is returned when the platform exceeds the
	// configured limits or references CPUs which can't be accounted for.
	ErrAllocationExhausted = errors.New("topology: allocation exhausted")
	// ErrInvalidPlatform is returned for inconsistent platform input.
	ErrInvalidPlatform = platform.ErrInvalidPlatform
)
