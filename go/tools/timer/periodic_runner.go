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

// Package timer runs background work on a fixed cadence.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner calls a function every interval on its own goroutine.
//
// The next run is scheduled only after the previous one returns, so a slow
// callback delays the schedule instead of piling up. Trigger requests an
// extra run without waiting for the interval. A runner can be stopped and
// started again.
//
//	runner := timer.NewPeriodicRunner(30 * time.Second)
//	runner.Start(ctx, pool.checkIdle)
//	defer runner.Stop()
type PeriodicRunner struct {
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
}

// NewPeriodicRunner returns a stopped runner. interval must be positive.
func NewPeriodicRunner(interval time.Duration) *PeriodicRunner {
	if interval <= 0 {
		panic("timer: non-positive interval for NewPeriodicRunner")
	}
	return &PeriodicRunner{interval: interval}
}

// Interval returns the configured interval.
func (r *PeriodicRunner) Interval() time.Duration {
	return r.interval
}

// Start begins calling fn with a context derived from ctx. The runner stops
// by itself when ctx is done. Start returns false if the runner was already
// running.
func (r *PeriodicRunner) Start(ctx context.Context, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.kick = make(chan struct{}, 1)
	go r.loop(ctx, fn, r.done, r.kick)
	return true
}

func (r *PeriodicRunner) loop(ctx context.Context, fn func(context.Context), done chan struct{}, kick chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.running = false
		}
		r.mu.Unlock()
		close(done)
	}()

	t := time.NewTimer(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-kick:
			t.Stop()
		}
		fn(ctx)
		if ctx.Err() != nil {
			return
		}
		t.Reset(r.interval)
	}
}

// Trigger asks for a run as soon as the current one, if any, finishes.
// Extra triggers while one is pending are dropped.
func (r *PeriodicRunner) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the callback context and waits for an in-flight run to
// return. Stopping a stopped runner does nothing.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the runner is started and its context is live.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
