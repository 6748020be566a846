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

package udev

import (
	"fmt"
	"path"
)

// Filter matches events by their properties. A filter matches an event if
// all of its properties match. Values are glob patterns.
type Filter map[string]string

// Matches returns true if the filter matches the event.
func (f Filter) Matches(evt *Event) bool {
	for k, pattern := range f {
		ok, err := path.Match(pattern, evt.Properties[k])
		if err != nil {
			log.Error("invalid pattern %q for uevent property %s: %v", pattern, k, err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// MonitorOption is an opaque option which can be applied to a Monitor.
type MonitorOption func(*Monitor)

// WithFilters returns a MonitorOption for filtering events. An event passes
// if any of the filters matches it.
func WithFilters(filters ...Filter) MonitorOption {
	return func(m *Monitor) {
		m.filters = append(m.filters, filters...)
	}
}

// Monitor reads, filters and delivers uevents.
type Monitor struct {
	r       *EventReader
	filters []Filter
}

// NewMonitor creates a uevent monitor on a netlink socket.
func NewMonitor(options ...MonitorOption) (*Monitor, error) {
	r, err := NewEventReader()
	if err != nil {
		return nil, fmt.Errorf("failed to create uevent monitor: %w", err)
	}
	return NewMonitorFromReader(r, options...), nil
}

// NewMonitorFromReader creates a uevent monitor for the given reader.
func NewMonitorFromReader(r *EventReader, options ...MonitorOption) *Monitor {
	m := &Monitor{
		r: r,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Start starts reading events and delivering the ones which pass the
// filters to events. Events are dropped while the receiver is not ready
// to receive them. The channel is closed once reading fails or the
// monitor is stopped.
func (m *Monitor) Start(events chan<- *Event) {
	go m.run(events)
}

// Stop stops event monitoring.
func (m *Monitor) Stop() error {
	return m.r.Close()
}

func (m *Monitor) run(events chan<- *Event) {
	defer close(events)

	var stuck bool
	for {
		evt, err := m.r.Read()
		if err != nil {
			log.Info("stopped reading uevents: %v", err)
			m.r.Close() // nolint:errcheck
			return
		}

		if !m.filter(evt) {
			continue
		}

		select {
		case events <- evt:
			if stuck {
				log.Warn("receiver reading again, delivering uevents (%s %s)...",
					evt.Subsystem, evt.Action)
				stuck = false
			}
		default:
			if !stuck {
				log.Warn("receiver stuck, dropping uevents (%s %s)...",
					evt.Subsystem, evt.Action)
				stuck = true
			}
		}
	}
}

func (m *Monitor) filter(evt *Event) bool {
	if len(m.filters) == 0 {
		return true
	}
	for _, f := range m.filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}
