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

// Package bridge runs blocking driver work in a long-lived worker and lets
// callers talk to it by message passing. Every request gets a correlation
// id and a single-fulfillment slot; the worker answers by id, in whatever
// order the work completes.
//
// Requests that name a connection are serialised per connection inside the
// worker, while different connections run in parallel up to MaxParallel.
// If the worker dies, every pending request fails with WorkerTerminated.
// With Recover set, a fresh handler is spawned and every id issued by the
// old one becomes invalid.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/tools/timer"
)

// Request is a unit of work for the handler.
type Request interface {
	// Op names the request in logs and metrics.
	Op() string
}

// ConnScoped is implemented by requests that use one connection. They run
// in submission order relative to other requests on the same connection.
type ConnScoped interface {
	ConnectionID() uint64
}

// Waiter is implemented by requests that can block until another request
// frees a resource, such as a pool checkout waiting for a release. They do
// not count against MaxParallel, and their handler context also ends when
// the caller gives up or the request times out.
type Waiter interface {
	WaitsForRelease()
}

// Handler performs requests inside the worker.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
	Close() error
}

// Discarder is implemented by handlers that must undo a successful request
// whose caller is gone, for example by returning a connection to its pool.
type Discarder interface {
	Discard(ctx context.Context, req Request, value any)
}

// Factory builds the handler of a new worker generation.
type Factory func(ctx context.Context) (Handler, error)

// Defaults for zero Config fields.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultMaxParallel    = 8
	DefaultQueueSize      = 1024
)

// Config tunes a Bridge.
type Config struct {
	// RequestTimeout bounds how long Submit waits for a response. A
	// negative value disables the timeout.
	RequestTimeout time.Duration

	// PollInterval is how often the supervisor checks worker liveness.
	PollInterval time.Duration

	// MaxParallel bounds concurrent handler calls.
	MaxParallel int

	// QueueSize is the capacity of the worker's request channel.
	QueueSize int

	// Recover respawns the worker after it terminates.
	Recover bool

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type result struct {
	value any
	err   error
}

// slot is fulfilled at most once.
type slot struct {
	id   uint64
	op   string
	ch   chan result
	once sync.Once
}

func (s *slot) fulfill(r result) bool {
	done := false
	s.once.Do(func() {
		s.ch <- r
		done = true
	})
	return done
}

type state int

const (
	stateRunning state = iota
	stateDead
	stateShuttingDown
	stateClosed
)

// Bridge is the caller-facing side of the worker.
type Bridge struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	monitor *timer.PeriodicRunner

	mu       sync.Mutex
	state    state
	worker   *worker
	pending  map[uint64]*slot
	nextID   uint64
	restarts int
	idle     chan struct{}
}

// Spawn starts a worker and waits for its handshake.
func Spawn(ctx context.Context, factory Factory, cfg Config) (*Bridge, error) {
	cfg.setDefaults()
	b := &Bridge{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		monitor: timer.NewPeriodicRunner(cfg.PollInterval),
		pending: make(map[uint64]*slot),
	}
	w, err := startWorker(ctx, b, factory)
	if err != nil {
		return nil, err
	}
	b.worker = w
	b.monitor.Start(context.Background(), b.poll)
	b.logger.InfoContext(ctx, "worker started", "generation", w.generation)
	return b, nil
}

// Generation returns the id announced by the current worker.
func (b *Bridge) Generation() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.worker.generation
}

// Stats is a point-in-time view of the bridge.
type Stats struct {
	Pending    int
	Restarts   int
	Alive      bool
	Generation uuid.UUID
}

// Stats returns the bridge state.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:    len(b.pending),
		Restarts:   b.restarts,
		Alive:      b.state == stateRunning && !b.worker.terminated(),
		Generation: b.worker.generation,
	}
}

func workerTerminated(format string, args ...any) error {
	return mterrors.New(mterrors.ConnectionLost, mterrors.CodeWorkerTerminated, format, args...)
}

// Submit sends req to the worker and waits for its response, the request
// timeout, or ctx.
func (b *Bridge) Submit(ctx context.Context, req Request) (any, error) {
	b.mu.Lock()
	switch b.state {
	case stateDead:
		b.mu.Unlock()
		return nil, workerTerminated("worker is not running")
	case stateShuttingDown, stateClosed:
		b.mu.Unlock()
		return nil, workerTerminated("bridge is shut down")
	}
	b.nextID++
	s := &slot{id: b.nextID, op: req.Op(), ch: make(chan result, 1)}
	b.pending[s.id] = s
	w := b.worker
	b.mu.Unlock()

	env := envelope{id: s.id, req: req, caller: ctx}
	var timeout <-chan time.Time
	if b.cfg.RequestTimeout > 0 {
		t := time.NewTimer(b.cfg.RequestTimeout)
		defer t.Stop()
		timeout = t.C
		env.deadline = time.Now().Add(b.cfg.RequestTimeout)
	}

	if err := w.enqueue(ctx, env, timeout); err != nil {
		if b.forget(s.id) {
			if errors.Is(err, errQueueTimeout) {
				err = b.timeoutError(s)
			}
			return nil, err
		}
		// Failed concurrently by the supervisor.
		r := <-s.ch
		return r.value, r.err
	}

	select {
	case r := <-s.ch:
		return r.value, r.err
	case <-timeout:
		if b.forget(s.id) {
			return nil, b.timeoutError(s)
		}
	case <-ctx.Done():
		if b.forget(s.id) {
			return nil, context.Cause(ctx)
		}
	}
	r := <-s.ch
	return r.value, r.err
}

func (b *Bridge) timeoutError(s *slot) error {
	return mterrors.New(mterrors.Transient, mterrors.CodeRequestTimeout,
		"%s request %d timed out after %s", s.op, s.id, b.cfg.RequestTimeout)
}

// Call submits req and asserts the response type.
func Call[T any](ctx context.Context, b *Bridge, req Request) (T, error) {
	var zero T
	v, err := b.Submit(ctx, req)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, mterrors.New(mterrors.Fatal, mterrors.CodeUnknown, "%s returned %T, want %T", req.Op(), v, zero)
	}
	return out, nil
}

// forget removes a pending slot. It reports false when a response or the
// supervisor already took the slot, in which case a result is on its way.
func (b *Bridge) forget(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	b.notifyIdle()
	return true
}

// deliver is called by the worker when a request completes. It reports
// false when nobody is waiting for the response any more.
func (b *Bridge) deliver(w *worker, id uint64, r result) bool {
	b.mu.Lock()
	s, ok := b.pending[id]
	if ok && b.worker == w {
		delete(b.pending, id)
		b.notifyIdle()
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping response for abandoned request", "id", id, "generation", w.generation)
		return false
	}
	return s.fulfill(r)
}

// notifyIdle must be called with b.mu held.
func (b *Bridge) notifyIdle() {
	if b.idle != nil && len(b.pending) == 0 {
		close(b.idle)
		b.idle = nil
	}
}

// failPending must be called with b.mu held.
func (b *Bridge) failPending(err error) int {
	n := 0
	for id, s := range b.pending {
		if s.fulfill(result{err: err}) {
			n++
		}
		delete(b.pending, id)
	}
	b.notifyIdle()
	return n
}

// poll is the supervisor tick. It fails the pending requests of a
// terminated worker once and respawns it when configured to.
func (b *Bridge) poll(ctx context.Context) {
	b.mu.Lock()
	w := b.worker
	if w.reported || b.state == stateClosed || !w.terminated() {
		b.mu.Unlock()
		return
	}
	w.reported = true
	cause := w.cause()
	n := b.failPending(workerTerminated("worker terminated: %v", cause))
	respawn := false
	if b.state == stateRunning {
		b.state = stateDead
		respawn = b.cfg.Recover
	}
	b.mu.Unlock()

	b.logger.ErrorContext(ctx, "worker terminated", "generation", w.generation, "error", cause, "failed_requests", n)
	_ = w.closeHandler()

	if respawn {
		if err := b.respawn(ctx); err != nil {
			b.logger.ErrorContext(ctx, "cannot respawn worker", "error", err)
		}
	}
}

func (b *Bridge) respawn(ctx context.Context) error {
	nw, err := startWorker(ctx, b, b.factory)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.state != stateDead {
		b.mu.Unlock()
		nw.stop()
		_ = nw.closeHandler()
		return nil
	}
	b.worker = nw
	b.state = stateRunning
	b.restarts++
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "worker respawned", "generation", nw.generation)
	return nil
}

// Recover respawns a terminated worker now instead of waiting for the
// supervisor. Identifiers issued by the previous worker are invalid
// afterwards. It is a no-op while the worker is running.
func (b *Bridge) Recover(ctx context.Context) error {
	b.poll(ctx)
	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	switch st {
	case stateRunning:
		return nil
	case stateDead:
		return b.respawn(ctx)
	}
	return workerTerminated("bridge is shut down")
}

// Kill terminates the worker as if it had crashed.
func (b *Bridge) Kill() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	w.crash(errKilled)
	b.monitor.Trigger()
}

var errKilled = errors.New("killed")

// Shutdown stops accepting requests, then either waits for pending ones
// (drain) or fails them, and stops the worker. ctx bounds the wait.
func (b *Bridge) Shutdown(ctx context.Context, drain bool) error {
	b.mu.Lock()
	if b.state == stateShuttingDown || b.state == stateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = stateShuttingDown
	var idle chan struct{}
	if drain && len(b.pending) > 0 {
		idle = make(chan struct{})
		b.idle = idle
	} else if !drain {
		b.failPending(workerTerminated("bridge is shutting down"))
	}
	w := b.worker
	b.mu.Unlock()

	var err error
	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			err = fmt.Errorf("draining pending requests: %w", context.Cause(ctx))
			b.mu.Lock()
			b.failPending(workerTerminated("bridge is shutting down"))
			b.mu.Unlock()
		}
	}

	b.monitor.Stop()
	w.stop()
	if werr := w.wait(ctx); werr != nil && err == nil {
		err = werr
	}
	if cerr := w.closeHandler(); cerr != nil && err == nil {
		err = cerr
	}

	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "bridge shut down", "generation", w.generation, "drained", drain)
	return err
}
