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
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/manager"
)

var log = logger.Default()

func main() {
	logger.SetStdLogger("stdlog")
	logger.SetSlogLogger(logger.SlogSource)

	opts := manager.DefaultOptions()
	opts.RegisterFlags(flag.CommandLine)
	printConfig := flag.Bool("print-config", false, "Print the default configuration and exit.")
	printPlatform := flag.Bool("print-platform", false, "Print the discovered platform and exit.")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		log.Error("unknown command line arguments: %s", strings.Join(args, ","))
		flag.Usage()
		os.Exit(1)
	}

	if *printConfig {
		dump, err := yaml.Marshal(cfgapi.Default())
		if err != nil {
			log.Fatal("failed to marshal default configuration: %v", err)
		}
		fmt.Print(string(dump))
		os.Exit(0)
	}

	logger.Flush()
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	m, err := manager.New(opts)
	if err != nil {
		log.Fatal("failed to create topology engine: %v", err)
	}

	if *printPlatform {
		p, err := m.DiscoverPlatform()
		if err != nil {
			log.Fatal("failed to discover platform: %v", err)
		}
		dump, err := p.Marshal()
		if err != nil {
			log.Fatal("failed to marshal platform: %v", err)
		}
		fmt.Print(string(dump))
		os.Exit(0)
	}

	log.Info("eas-topology starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		log.Fatal("%v", err)
	}

	log.Info("eas-topology stopped")
	logger.Flush()
}
