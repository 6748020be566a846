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

package v1alpha1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/eas-topology/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/eas-topology/pkg/apis/config/v1alpha1/log"
)

const (
	// DefaultMaxClusters is the default upper limit for the number of clusters.
	DefaultMaxClusters = 64
	// DefaultMaxCPUs is the default upper limit for the number of CPUs.
	DefaultMaxCPUs = 8192
	// DefaultRebuildInterval is the default minimum interval between triggered rebuilds.
	DefaultRebuildInterval = time.Second
)

// Config is the runtime configuration of the topology engine.
type Config struct {
	// Tunables sets scheduler tunables by name.
	// +optional
	Tunables map[string]int64 `json:"tunables,omitempty"`
	// Topology configures topology discovery and rebuilding.
	// +optional
	Topology TopologyConfig `json:"topology,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// TopologyConfig configures topology discovery and rebuilding.
type TopologyConfig struct {
	// SiblingCacheLevel is the cache level used to detect cache siblings.
	// Zero selects the last level cache.
	// +optional
	SiblingCacheLevel int `json:"siblingCacheLevel,omitempty"`
	// MaxClusters is the largest number of clusters accepted.
	// +optional
	MaxClusters int `json:"maxClusters,omitempty"`
	// MaxCPUs is the largest number of CPUs accepted.
	// +optional
	MaxCPUs int `json:"maxCPUs,omitempty"`
	// RebuildInterval is the minimum interval between triggered rebuilds.
	// +optional
	// +kubebuilder:validation:Format="duration"
	RebuildInterval Duration `json:"rebuildInterval,omitempty"`
}

// Duration is a time.Duration which (un)marshals as a string.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a configuration with all defaults set.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Topology.MaxClusters == 0 {
		c.Topology.MaxClusters = DefaultMaxClusters
	}
	if c.Topology.MaxCPUs == 0 {
		c.Topology.MaxCPUs = DefaultMaxCPUs
	}
	if c.Topology.RebuildInterval.Duration == 0 {
		c.Topology.RebuildInterval.Duration = DefaultRebuildInterval
	}
}

// Validate checks the configuration for obvious errors. Tunable values
// are validated by the tunable registry itself.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Topology.SiblingCacheLevel < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid sibling cache level %d",
			c.Topology.SiblingCacheLevel))
	}
	if c.Topology.MaxClusters < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid max clusters %d",
			c.Topology.MaxClusters))
	}
	if c.Topology.MaxCPUs < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid max CPUs %d",
			c.Topology.MaxCPUs))
	}
	if c.Topology.RebuildInterval.Duration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid rebuild interval %s",
			c.Topology.RebuildInterval.Duration))
	}

	if err := c.Log.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}
