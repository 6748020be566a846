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

// Package metrics wraps a prometheus registry with named collector groups
// that can be selectively enabled by glob patterns from the configuration.
package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/eas-topology/pkg/log"
)

var (
	log = logger.Get("metrics")
)

// State is the configuration of a collector or a group of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// NamespacePrefix prefixes a collector's metrics with the common namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes a collector's metrics with its group name.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

// IsEnabled returns true if the state has the collector enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the state requires a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the state requires a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

// String returns a string representation of the state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a prometheus.Collector registered in a group.
type Collector struct {
	sync.RWMutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

func newCollector(group, name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		group:     group,
		collector: collector,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the fully qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Matches returns true if the collector matches the given glob pattern.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	c.Lock()
	defer c.Unlock()
	if state {
		c.state |= Enabled
	} else {
		c.state &^= Enabled
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.State().IsEnabled() {
		return
	}
	log.Debug("collecting %q", c.Name())
	c.collector.Collect(ch)
}

// Registry is a collection of collector groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOptions are options for registering collectors.
type RegisterOptions struct {
	group string
	copts []CollectorOption
}

// RegisterOption is an option for registering collectors.
type RegisterOption func(*RegisterOptions)

// WithGroup registers a collector in the named group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[options.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", options.group, name)
		}
	}

	c := newCollector(options.group, name, collector, options.copts...)
	r.groups[options.group] = append(r.groups[options.group], c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs and
// disables all others. An empty glob list enables every collector.
func (r *Registry) Configure(enabled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("configuring collectors, enabled=[%s]", strings.Join(enabled, ","))

	matched := make(map[string]struct{})
	for _, grp := range r.groups {
		for _, c := range grp {
			state := len(enabled) == 0
			for _, glob := range enabled {
				if c.Matches(glob) {
					matched[glob] = struct{}{}
					state = true
				}
			}
			c.Enable(state)
			log.Debug("collector %q now %s", c.Name(), c.State())
		}
	}

	unmatched := []string{}
	for _, glob := range enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Collectors returns the names of all registered collectors, sorted.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()

	var names []string
	for _, grp := range r.groups {
		for _, c := range grp {
			names = append(names, c.Name())
		}
	}
	sort.Strings(names)

	return names
}

func (r *Registry) register(plain prometheus.Registerer, namespace string) error {
	r.Lock()
	defer r.Unlock()

	ns := prefixedRegisterer(namespace, plain)
	for group, collectors := range r.groups {
		for _, c := range collectors {
			var reg prometheus.Registerer
			switch s := c.State(); {
			case s.NeedsNamespace() && s.NeedsSubsystem():
				reg = prefixedRegisterer(group, ns)
			case s.NeedsNamespace():
				reg = ns
			case s.NeedsSubsystem():
				reg = prefixedRegisterer(group, plain)
			default:
				reg = plain
			}
			if err := reg.Register(c); err != nil {
				return fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
			}
		}
	}

	return nil
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

// Gatherer is a prometheus gatherer for a Registry.
type Gatherer struct {
	*prometheus.Registry
	lock      sync.Mutex
	namespace string
	enabled   []string
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common namespace prefix for gathered collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs of collectors to enable.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer creates a new gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}
	if err := r.register(g.Registry, g.namespace); err != nil {
		return nil, err
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the default registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a new gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
