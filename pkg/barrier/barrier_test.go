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

package barrier_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/eas-topology/pkg/barrier"
)

func TestStopWithoutParticipants(t *testing.T) {
	b := barrier.New()

	ran := false
	b.StopTheWorld(func() {
		require.True(t, b.Stopped())
		ran = true
	})
	require.True(t, ran)
	require.False(t, b.Stopped())
}

func TestParticipantsParkDuringStop(t *testing.T) {
	b := barrier.New()

	var (
		progress atomic.Int64
		done     = make(chan struct{})
		wg       sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		p := b.Join("worker")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.Leave()
			for {
				select {
				case <-done:
					return
				default:
				}
				p.Checkpoint()
				progress.Add(1)
			}
		}()
	}

	require.Equal(t, 4, b.Participants())

	for round := 0; round < 3; round++ {
		b.StopTheWorld(func() {
			before := progress.Load()
			time.Sleep(20 * time.Millisecond)
			require.Equal(t, before, progress.Load(), "no progress while stopped")
		})
		time.Sleep(5 * time.Millisecond)
	}

	close(done)
	wg.Wait()
	require.Equal(t, 0, b.Participants())
}

func TestLeaveUnblocksStop(t *testing.T) {
	b := barrier.New()
	p := b.Join("idle")

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned with an unparked participant")
	case <-time.After(20 * time.Millisecond):
	}

	p.Leave()
	<-stopped
	b.Start()
	require.Equal(t, 0, b.Participants())
}

func TestJoinBlocksWhileStopped(t *testing.T) {
	b := barrier.New()
	b.Stop()

	joined := make(chan *barrier.Participant)
	go func() {
		joined <- b.Join("late")
	}()

	select {
	case <-joined:
		t.Fatal("join returned while stopped")
	case <-time.After(20 * time.Millisecond):
	}

	b.Start()
	p := <-joined
	require.Equal(t, "late", p.Name())
	p.Leave()
}

func TestStartWhenRunningPanics(t *testing.T) {
	b := barrier.New()
	require.Panics(t, func() { b.Start() })
}
