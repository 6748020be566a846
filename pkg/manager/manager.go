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

// Package manager runs the topology engine daemon: it discovers the
// platform, keeps the topology snapshot up to date and serves the tunables.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1"
	instrcfg "github.com/containers/eas-topology/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/eas-topology/pkg/config"
	"github.com/containers/eas-topology/pkg/emodel"
	"github.com/containers/eas-topology/pkg/healthz"
	"github.com/containers/eas-topology/pkg/instrumentation"
	logger "github.com/containers/eas-topology/pkg/log"
	"github.com/containers/eas-topology/pkg/metrics"
	"github.com/containers/eas-topology/pkg/platform"
	"github.com/containers/eas-topology/pkg/quiesce"
	"github.com/containers/eas-topology/pkg/sysfs"
	"github.com/containers/eas-topology/pkg/task"
	"github.com/containers/eas-topology/pkg/topology"
	"github.com/containers/eas-topology/pkg/tunables"
	"github.com/containers/eas-topology/pkg/udev"
)

var (
	log = logger.Get("manager")
)

// Manager runs the topology engine.
type Manager struct {
	sync.RWMutex
	opt      Options
	cfg      *cfgapi.Config
	tunables *tunables.Registry
	domains  *emodel.List
	tasks    *task.Table
	coord    *quiesce.Coordinator
	health   *healthz.Registry
	metrics  *metrics.Registry
	instr    *instrumentation.Service
	watch    *config.Watch
	monitor  *udev.Monitor

	cacheLevel atomic.Int64
}

// New creates a topology engine with the given options.
func New(opt *Options) (*Manager, error) {
	if opt == nil {
		opt = DefaultOptions()
	}

	m := &Manager{
		opt:      *opt,
		tunables: tunables.NewRegistry(),
		domains:  emodel.NewList(),
		tasks:    task.NewTable(),
		health:   healthz.NewRegistry(),
		metrics:  metrics.NewRegistry(),
	}

	if m.opt.HostRoot != "" {
		sysfs.SetSysRoot(m.opt.HostRoot)
	}

	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg

	var src task.Source
	procRoot := m.opt.ProcRoot
	if procRoot == "" {
		procRoot = filepath.Join("/", m.opt.HostRoot, "proc")
	}
	if ps, err := task.NewProcSource(procRoot); err != nil {
		log.Warn("task scanning disabled: %v", err)
	} else {
		src = ps
	}

	m.coord = quiesce.NewCoordinator(
		quiesce.PlatformFunc(m.DiscoverPlatform),
		quiesce.WithTasks(m.tasks, src),
		quiesce.WithDomains(m.domains),
		quiesce.WithTunables(m.tunables),
		quiesce.WithBuilder(newBuilder(cfg)),
		quiesce.WithRebuildRate(rate.Every(m.rebuildInterval(cfg)), 1),
	)

	if err := m.setupMetrics(); err != nil {
		return nil, err
	}
	if err := m.health.Register("topology", m.coord.Check); err != nil {
		return nil, managerError("failed to register health check: %v", err)
	}

	m.instr = instrumentation.NewService(m.metrics)
	m.instr.Handle("/healthz", m.health)
	m.instr.Handle("/tunables", m.tunablesHandler())
	m.instr.Handle("/tunables/", m.tunablesHandler())
	m.instr.Handle("/topology", m.topologyHandler())

	if err := m.applyConfig(cfg, false); err != nil {
		return nil, err
	}

	return m, nil
}

// Tunables returns the tunable registry of the engine.
func (m *Manager) Tunables() *tunables.Registry {
	return m.tunables
}

// Coordinator returns the rebuild coordinator of the engine.
func (m *Manager) Coordinator() *quiesce.Coordinator {
	return m.coord
}

// Address returns the address of the HTTP endpoint, if it is running.
func (m *Manager) Address() string {
	return m.instr.Address()
}

// Run builds the initial topology and keeps it up to date until ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	log.Info("building initial topology...")
	if err := m.coord.Rebuild(); err != nil {
		return managerError("failed to build initial topology: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.coord.Run(ctx)
	})

	if events := m.startHotplugMonitor(); events != nil {
		g.Go(func() error {
			return m.processHotplug(ctx, events)
		})
	}

	if m.opt.ConfigFile != "" {
		w, err := config.NewWatch(m.opt.ConfigFile)
		if err != nil {
			return managerError("failed to watch configuration: %v", err)
		}
		m.watch = w
		g.Go(func() error {
			return m.processConfig(ctx, w)
		})
	}

	m.RLock()
	instrCfg := m.instrumentationConfig(m.cfg)
	m.RUnlock()
	if err := m.instr.Start(instrCfg); err != nil {
		return managerError("failed to start instrumentation: %v", err)
	}

	log.Info("up and running")

	g.Go(func() error {
		<-ctx.Done()
		m.stop()
		return nil
	})

	return g.Wait()
}

func (m *Manager) stop() {
	log.Info("shutting down...")

	if m.monitor != nil {
		if err := m.monitor.Stop(); err != nil {
			log.Warn("failed to stop hot-plug monitor: %v", err)
		}
	}
	if m.watch != nil {
		m.watch.Stop()
	}
	m.instr.Stop()
}

func (m *Manager) loadConfig() (*cfgapi.Config, error) {
	if m.opt.ConfigFile == "" {
		return cfgapi.Default(), nil
	}

	cfg, err := config.Load(m.opt.ConfigFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("configuration file %s not found, using defaults", m.opt.ConfigFile)
			return cfgapi.Default(), nil
		}
		return nil, managerError("failed to load configuration: %v", err)
	}

	return cfg, nil
}

// DiscoverPlatform collects the platform to build the topology of, from the
// platform file if one is given, otherwise from sysfs.
func (m *Manager) DiscoverPlatform() (*platform.Platform, error) {
	if m.opt.PlatformFile != "" {
		return platform.FromFile(m.opt.PlatformFile)
	}

	cacheLevel := int(m.cacheLevel.Load())

	sys, err := sysfs.DiscoverSystem()
	if err != nil {
		return nil, managerError("failed to discover system: %v", err)
	}

	var domains []*sysfs.EnergyDomain
	if m.opt.EnergyModelDir != "" {
		domains, err = sysfs.DiscoverEnergyModelAt(m.opt.EnergyModelDir)
	} else {
		domains, err = sysfs.DiscoverEnergyModel()
	}
	if err != nil {
		log.Warn("no energy model, energy costs unavailable: %v", err)
		domains = nil
	}

	return platform.FromSysfs(sys, domains, cacheLevel)
}

func (m *Manager) setupMetrics() error {
	if err := m.metrics.Register("tunables", m.tunables.Collector(),
		metrics.WithGroup("scheduler")); err != nil {
		return managerError("failed to register tunables collector: %v", err)
	}
	if err := m.metrics.Register("rebuilds", m.coord.Collector(),
		metrics.WithGroup("topology")); err != nil {
		return managerError("failed to register topology collector: %v", err)
	}
	return nil
}

func (m *Manager) startHotplugMonitor() chan *udev.Event {
	if m.opt.DisableHotplug {
		log.Info("CPU hot-plug monitoring disabled")
		return nil
	}

	mon, err := udev.NewMonitor(udev.WithFilters(udev.CPUHotplugFilter()))
	if err != nil {
		log.Warn("CPU hot-plug monitoring unavailable: %v", err)
		return nil
	}

	events := make(chan *udev.Event, 64)
	mon.Start(events)
	m.monitor = mon

	return events
}

func (m *Manager) processHotplug(ctx context.Context, events <-chan *udev.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			hp, ok := udev.ParseCPUHotplug(evt)
			if !ok {
				continue
			}
			log.Info("CPU #%d %s, triggering topology rebuild", hp.CPU, hp.Action)
			m.coord.Trigger()
		}
	}
}

func (m *Manager) processConfig(ctx context.Context, w *config.Watch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			switch e.Type {
			case config.Added, config.Modified:
				if err := m.reconfigure(e.Config); err != nil {
					log.Error("failed to apply configuration update: %v", err)
				}
			case config.Deleted:
				log.Warn("configuration file %s removed, keeping current configuration",
					m.opt.ConfigFile)
			case config.Error:
				log.Error("invalid configuration update: %v", e.Err)
			}
		}
	}
}

// reconfigure applies a new configuration, reverting to the current one
// if this fails.
func (m *Manager) reconfigure(cfg *cfgapi.Config) error {
	m.Lock()
	defer m.Unlock()

	if reflect.DeepEqual(cfg, m.cfg) {
		log.Debug("configuration unchanged")
		return nil
	}

	dump, _ := yaml.Marshal(cfg)
	log.Info("activating new configuration:")
	log.InfoBlock("  <updated config> ", "%s", dump)

	err := m.applyConfig(cfg, true)
	if err == nil {
		rebuild := !reflect.DeepEqual(cfg.Topology, m.cfg.Topology)
		m.cfg = cfg
		if rebuild {
			m.coord.Trigger()
		}
		return nil
	}

	log.Error("failed to apply update: %v", err)

	if revertErr := m.applyConfig(m.cfg, true); revertErr != nil {
		log.Warn("failed to revert configuration: %v", revertErr)
	}

	return err
}

// applyConfig activates the given configuration. The instrumentation
// service is only restarted if running is true.
func (m *Manager) applyConfig(cfg *cfgapi.Config, running bool) error {
	builder := newBuilder(cfg)
	if err := builder.Fits(m.coord.Current()); err != nil {
		return managerError("topology limits too small for current platform: %w", err)
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		log.Warn("failed to configure logger: %v", err)
	}

	err := m.updateTunables("config", func() error {
		return m.tunables.Apply(tunableValues(cfg))
	})
	if err != nil {
		return managerError("failed to apply tunables: %v", err)
	}

	m.cacheLevel.Store(int64(cfg.Topology.SiblingCacheLevel))
	m.coord.SetBuilder(builder)
	m.coord.SetRebuildInterval(m.rebuildInterval(cfg))

	if running {
		if err := m.instr.Reconfigure(m.instrumentationConfig(cfg)); err != nil {
			return err
		}
	}

	return nil
}

// updateTunables runs fn as a participant of the rebuild barrier. A
// rebuild in progress finishes before fn runs and a rebuild started
// meanwhile waits for fn to return, so every snapshot is built with one
// consistent set of tunables. fn must not block on the coordinator.
func (m *Manager) updateTunables(name string, fn func() error) error {
	p := m.coord.Barrier().Join(name)
	defer p.Leave()
	return fn()
}

// tunableValues returns the value of every tunable: the configured one or
// the default.
func tunableValues(cfg *cfgapi.Config) map[string]int64 {
	values := make(map[string]int64)
	for _, def := range tunables.Definitions() {
		values[def.Name] = def.Default
	}
	for name, value := range cfg.Tunables {
		values[name] = value
	}
	return values
}

func (m *Manager) instrumentationConfig(cfg *cfgapi.Config) *instrcfg.Config {
	c := cfg.Instrumentation
	if m.opt.HTTPEndpoint != "" {
		c.HTTPEndpoint = m.opt.HTTPEndpoint
	}
	return &c
}

func (m *Manager) rebuildInterval(cfg *cfgapi.Config) time.Duration {
	if m.opt.RebuildRate > 0 {
		return m.opt.RebuildRate
	}
	return cfg.Topology.RebuildInterval.Duration
}

func newBuilder(cfg *cfgapi.Config) *topology.Builder {
	return topology.NewBuilder(
		topology.WithMaxClusters(cfg.Topology.MaxClusters),
		topology.WithMaxCPUs(cfg.Topology.MaxCPUs),
	)
}

func managerError(format string, args ...interface{}) error {
	return fmt.Errorf("manager: "+format, args...)
}
