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
	"flag"
	"time"
)

// Options captures our command line parameters.
type Options struct {
	HostRoot       string
	ConfigFile     string
	PlatformFile   string
	HTTPEndpoint   string
	EnergyModelDir string
	ProcRoot       string
	RebuildRate    time.Duration
	DisableHotplug bool
}

// DefaultOptions returns the default command line options.
func DefaultOptions() *Options {
	return &Options{}
}

// RegisterFlags registers the options for command line processing.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.HostRoot, "host-root", o.HostRoot,
		"Directory prefix under which the host's sysfs, procfs, etc. are mounted.")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile,
		"Runtime configuration file to load and watch for changes.")
	fs.StringVar(&o.PlatformFile, "platform", o.PlatformFile,
		"Platform description file to use instead of discovering the platform from sysfs.")
	fs.StringVar(&o.HTTPEndpoint, "http-endpoint", o.HTTPEndpoint,
		"HTTP endpoint for metrics, health and tunables, overrides the configuration.")
	fs.StringVar(&o.EnergyModelDir, "energy-model-dir", o.EnergyModelDir,
		"Directory of the kernel energy model, defaults to the debugfs energy model.")
	fs.StringVar(&o.ProcRoot, "proc-root", o.ProcRoot,
		"Mount point of procfs to list tasks from, defaults to /proc under the host root.")
	fs.DurationVar(&o.RebuildRate, "rebuild-rate", o.RebuildRate,
		"Minimum interval between triggered rebuilds, overrides the configuration.")
	fs.BoolVar(&o.DisableHotplug, "disable-hotplug", o.DisableHotplug,
		"Don't rebuild the topology on CPU hot-plug events.")
}
