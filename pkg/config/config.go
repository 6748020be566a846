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

// Package config loads and watches the runtime configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1"
	logger "github.com/containers/eas-topology/pkg/log"
	"sigs.k8s.io/yaml"
)

var (
	log = logger.Get("config")

	// ErrInvalidConfig is returned for configuration which fails to parse
	// or validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Parse parses YAML configuration data, filling in defaults and
// validating the result.
func Parse(data []byte) (*cfgapi.Config, error) {
	cfg := &cfgapi.Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Load reads and parses the given configuration file.
func Load(path string) (*cfgapi.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Debug("loaded configuration %s", path)

	return cfg, nil
}
