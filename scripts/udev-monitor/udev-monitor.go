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

package main

import (
	"flag"
	"strings"

	"sigs.k8s.io/yaml"

	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/udev"
)

var (
	log = logger.Get("udev-monitor")
)

func main() {
	all := flag.Bool("all", false, "Show all uevents instead of CPU hot-plug events only.")
	flag.Parse()

	filters := parseFilters(flag.Args())
	if len(filters) == 0 && !*all {
		filters = append(filters, udev.CPUHotplugFilter())
	}

	m, err := udev.NewMonitor(udev.WithFilters(filters...))
	if err != nil {
		log.Fatal("failed to create uevent monitor: %v", err)
	}

	events := make(chan *udev.Event, 64)
	m.Start(events)

	for evt := range events {
		if hp, ok := udev.ParseCPUHotplug(evt); ok {
			log.Info("CPU #%d %s", hp.CPU, hp.Action)
		}
		dump(evt)
	}
}

// parseFilters parses filters given as KEY=glob[,KEY=glob...] arguments.
func parseFilters(args []string) []udev.Filter {
	var filters []udev.Filter

	for _, arg := range args {
		filter := udev.Filter{}
		for _, expr := range strings.Split(arg, ",") {
			k, v, ok := strings.Cut(expr, "=")
			if !ok {
				log.Fatal("invalid filter expression %s (in %s)", expr, arg)
			}
			filter[strings.ToUpper(k)] = v
		}
		log.Info("using filter %v", filter)
		filters = append(filters, filter)
	}

	return filters
}

func dump(e *udev.Event) {
	dump, err := yaml.Marshal(e)
	if err != nil {
		log.Error("failed to marshal event: %v", err)
		return
	}
	log.InfoBlock("  ", "%s", dump)
}
