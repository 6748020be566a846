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
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SlogSource is the logger source used for log/slog output by default.
const SlogSource = "slog"

// slogHandler emits log/slog records through a Logger. Attributes are
// appended to the message as key=value pairs, qualified by open groups.
type slogHandler struct {
	l     Logger
	group string
	attrs []string
}

var _ slog.Handler = &slogHandler{}

// SetSlogLogger makes the given source the default logger of log/slog.
// An empty source selects SlogSource.
func SetSlogLogger(source string) {
	if source == "" {
		source = SlogSource
	}
	slog.SetDefault(slog.New(log.get(source).SlogHandler()))
}

func (l logger) SlogHandler() slog.Handler {
	return &slogHandler{l: l}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level < slog.LevelInfo {
		return h.l.DebugEnabled()
	}
	return log.enabled(slogLevel(level))
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := h.attrs
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.group, a)
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg += " " + strings.Join(attrs, " ")
	}

	switch slogLevel(r.Level) {
	case LevelDebug:
		h.l.Debug("%s", msg)
	case LevelInfo:
		h.l.Info("%s", msg)
	case LevelWarn:
		h.l.Warn("%s", msg)
	default:
		h.l.Error("%s", msg)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := &slogHandler{
		l:     h.l,
		group: h.group,
		attrs: append([]string(nil), h.attrs...),
	}
	for _, a := range attrs {
		c.attrs = appendAttr(c.attrs, h.group, a)
	}
	return c
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{
		l:     h.l,
		group: qualify(h.group, name),
		attrs: h.attrs,
	}
}

func slogLevel(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return LevelDebug
	case level < slog.LevelWarn:
		return LevelInfo
	case level < slog.LevelError:
		return LevelWarn
	}
	return LevelError
}

func appendAttr(attrs []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return attrs
	}
	if a.Value.Kind() == slog.KindGroup {
		group = qualify(group, a.Key)
		for _, ga := range a.Value.Group() {
			attrs = appendAttr(attrs, group, ga)
		}
		return attrs
	}
	return append(attrs, fmt.Sprintf("%s=%v", qualify(group, a.Key), a.Value))
}

func qualify(group, key string) string {
	if group == "" || key == "" {
		return group + key
	}
	return group + "." + key
}
