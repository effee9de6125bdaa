// Copyright 2025 Supabase, Inc.
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

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPeriodicRunnerStartStop(t *testing.T) {
	var calls atomic.Int32
	runner := NewPeriodicRunner(time.Millisecond)
	assert.False(t, runner.Running())

	require.True(t, runner.Start(t.Context(), func(context.Context) { calls.Add(1) }))
	assert.True(t, runner.Running())
	assert.False(t, runner.Start(t.Context(), func(context.Context) {}), "second start is a no-op")

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	runner.Stop()
	assert.False(t, runner.Running())
	n := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "no runs after Stop returns")

	runner.Stop()
}

func TestPeriodicRunnerStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	runner := NewPeriodicRunner(time.Millisecond)
	runner.Start(t.Context(), func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
	})

	<-started
	runner.Stop()
	assert.True(t, finished.Load())
}

func TestPeriodicRunnerBackpressure(t *testing.T) {
	var active, maxActive atomic.Int32
	runner := NewPeriodicRunner(time.Millisecond)
	runner.Start(t.Context(), func(context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
	})
	time.Sleep(30 * time.Millisecond)
	runner.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPeriodicRunnerTrigger(t *testing.T) {
	ran := make(chan struct{}, 1)
	runner := NewPeriodicRunner(time.Hour)
	runner.Start(t.Context(), func(context.Context) { ran <- struct{}{} })
	defer runner.Stop()

	runner.Trigger()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("triggered run did not happen")
	}
}

func TestPeriodicRunnerRestart(t *testing.T) {
	var calls atomic.Int32
	runner := NewPeriodicRunner(time.Millisecond)
	for range 3 {
		before := calls.Load()
		runner.Start(t.Context(), func(context.Context) { calls.Add(1) })
		require.Eventually(t, func() bool { return calls.Load() > before }, time.Second, time.Millisecond)
		runner.Stop()
	}
}

func TestPeriodicRunnerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	var calls atomic.Int32
	runner := NewPeriodicRunner(time.Millisecond)
	runner.Start(ctx, func(context.Context) {
		if calls.Add(1) == 1 {
			cancel()
		}
	})
	require.Eventually(t, func() bool { return !runner.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	runner.Stop()
}

func TestNewPeriodicRunnerPanicsOnBadInterval(t *testing.T) {
	assert.Panics(t, func() { NewPeriodicRunner(0) })
}
