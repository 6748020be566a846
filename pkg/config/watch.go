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

package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1"
)

// EventType is the type of a configuration file event.
type EventType string

const (
	// Added is sent for the initial configuration and for a created file.
	Added EventType = "ADDED"
	// Modified is sent when the file is updated.
	Modified EventType = "MODIFIED"
	// Deleted is sent when the file is removed or renamed.
	Deleted EventType = "DELETED"
	// Error is sent when the file can't be read or parsed.
	Error EventType = "ERROR"
)

const (
	eventChanSize = 16
)

// Event is a change of the watched configuration file.
type Event struct {
	Type   EventType
	Config *cfgapi.Config
	Err    error
}

// Watch watches a configuration file for changes.
type Watch struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	resultC  chan Event
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewWatch creates a watch for the given file. The directory of the file
// is watched so that the file can be created after the watch. If the file
// exists, its configuration is delivered as an initial Added event.
func NewWatch(file string) (*Watch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close() // nolint:errcheck
		return nil, err
	}

	w := &Watch{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		fsw:     fsw,
		resultC: make(chan Event, eventChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	cfg, err := Load(w.path())
	switch {
	case err == nil:
		w.sendEvent(Event{Type: Added, Config: cfg})
	case errors.Is(err, fs.ErrNotExist):
	default:
		fsw.Close() // nolint:errcheck
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watch.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch. The
// channel is closed when the watch stops.
func (w *Watch) ResultChan() <-chan Event {
	return w.resultC
}

func (w *Watch) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.path(), err)
		}
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("%s: fsnotify error: %v", w.path(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.sendEvent(Event{Type: Error, Err: errors.New("fsnotify event channel closed")})
				return
			}

			log.Debug("%s: got event %s", w.path(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
				cfg, err := Load(w.path())
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					w.sendEvent(Event{Type: Error, Err: err})
					continue
				}
				if e.Op&fsnotify.Create != 0 {
					w.sendEvent(Event{Type: Added, Config: cfg})
				} else {
					w.sendEvent(Event{Type: Modified, Config: cfg})
				}

			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.sendEvent(Event{Type: Deleted})
			}
		}
	}
}

func (w *Watch) sendEvent(e Event) {
	select {
	case w.resultC <- e:
	default:
		log.Warn("%s: failed to deliver %s event", w.path(), e.Type)
	}
}

func (w *Watch) path() string {
	return filepath.Join(w.dir, w.file)
}
