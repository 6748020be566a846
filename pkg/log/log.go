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

package log

import (
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for this Logger, returning the old state.
	EnableDebug(bool) bool
	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is the shared state of all our Loggers.
type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	forced  bool
	dbgmap  srcmap
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the Logger for source, creating one if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of messages to emit.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetupDebugToggleSignal sets up a signal to toggle forced debugging for all sources.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			state := log.forced
			log.Unlock()
			deflog.Warn("forced debugging is now %s", map[bool]string{true: "on", false: "off"}[state])
		}
	}()
}

// SetStdLogger redirects messages from the standard log package to the given source.
func SetStdLogger(source string) {
	l := log.get(source)
	stdlog.SetPrefix("")
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l})
}

type stdWriter struct {
	l Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.Info("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (log *logging) get(source string) logger {
	log.Lock()
	defer log.Unlock()

	if l, ok := log.loggers[source]; ok {
		return l
	}

	l := logger{source: source}
	log.loggers[source] = l

	return l
}

func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
}

func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

func (log *logging) debugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()

	if log.forced {
		return true
	}
	if state, ok := log.dbgmap[source]; ok {
		return state
	}
	return log.dbgmap["*"]
}

func (log *logging) enabled(level Level) bool {
	log.RLock()
	defer log.RUnlock()
	return level >= log.level
}

func (log *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	log.RLock()
	prefix := log.prefix
	log.RUnlock()

	if prefix {
		return "[" + source + "] " + msg
	}
	return msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(l.source, "D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(l.source, format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(l.source, format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, log.format(l.source, format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Warn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Error, prefix, format, args...)
}

func (l logger) block(fn func(string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old, ok := log.dbgmap[l.source]
	if !ok {
		old = log.dbgmap["*"]
	}
	log.dbgmap[l.source] = state

	return old
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
