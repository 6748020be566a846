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
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/eas-topology/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		result  srcmap
		invalid bool
	}
	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicit on",
			value:  "quiesce,topology",
			result: srcmap{"quiesce": true, "topology": true},
		},
		{
			name:   "explicit states carry over",
			value:  "on:quiesce,topology,off:sysfs,udev",
			result: srcmap{"quiesce": true, "topology": true, "sysfs": false, "udev": false},
		},
		{
			name:   "all",
			value:  "all",
			result: srcmap{"*": true},
		},
		{
			name:    "invalid state",
			value:   "maybe:quiesce",
			invalid: true,
		},
		{
			name:    "invalid entry",
			value:   "on:quiesce:topology",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := srcmap{}
			err := m.parse(tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestDebugEnabled(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:test-a,off:test-b"}}))

	a, b, c := Get("test-a"), Get("test-b"), Get("test-c")
	require.True(t, a.DebugEnabled())
	require.False(t, b.DebugEnabled())
	require.False(t, c.DebugEnabled())

	require.False(t, c.EnableDebug(true))
	require.True(t, c.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"all,off:test-b"}}))
	require.True(t, a.DebugEnabled())
	require.False(t, b.DebugEnabled())
	require.True(t, Get("anything").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:x"}}))
}

func TestPanic(t *testing.T) {
	l := Get("test-panic")
	require.PanicsWithValue(t, "boom 42", func() { l.Panic("boom %d", 42) })
}

func TestSlogHandler(t *testing.T) {
	h := Get("test-slog").SlogHandler()
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
	require.Same(t, h, h.WithGroup(""))
	require.Same(t, h, h.WithAttrs(nil))

	g := h.WithAttrs([]slog.Attr{slog.Int("generation", 3)}).WithGroup("rebuild")
	sh, ok := g.(*slogHandler)
	require.True(t, ok)
	require.Equal(t, "rebuild", sh.group)
	require.Equal(t, []string{"generation=3"}, sh.attrs)

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "rebuild took too long", 0)
	r.AddAttrs(slog.Duration("elapsed", time.Second))
	require.NoError(t, g.Handle(context.Background(), r))
}

func TestSlogAttrs(t *testing.T) {
	attrs := appendAttr(nil, "", slog.String("cpu", "3"))
	attrs = appendAttr(attrs, "hotplug", slog.Group("event", slog.String("action", "add")))
	attrs = appendAttr(attrs, "hotplug", slog.Attr{})
	require.Equal(t, []string{"cpu=3", "hotplug.event.action=add"}, attrs)

	require.Equal(t, LevelDebug, slogLevel(slog.LevelDebug))
	require.Equal(t, LevelInfo, slogLevel(slog.LevelInfo))
	require.Equal(t, LevelWarn, slogLevel(slog.LevelWarn))
	require.Equal(t, LevelError, slogLevel(slog.LevelError+4))
}
