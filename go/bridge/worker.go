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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/tools/ctxutil"
)

var errQueueTimeout = errors.New("timed out waiting for the worker queue")

// fatalError marks a handler error that terminates the worker.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so that returning it from a Handler terminates the
// worker, failing every pending request.
func Fatal(err error) error {
	return &fatalError{err: err}
}

type envelope struct {
	id  uint64
	req Request
	// caller supplies baggage and a span link. It only cancels Waiter
	// requests.
	caller context.Context
	// deadline is when the caller stops waiting; zero means never.
	deadline time.Time
}

// lane holds the queued requests of one connection.
type lane struct {
	queue []envelope
}

// worker is one generation of the execution context that owns a Handler.
type worker struct {
	b          *Bridge
	generation uuid.UUID
	handler    Handler
	requests   chan envelope
	sem        *semaphore.Weighted

	// ctx is passed to every handler call. It ends when the worker stops
	// or crashes, not when a caller gives up.
	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error

	wg sync.WaitGroup

	mu    sync.Mutex
	lanes map[uint64]*lane

	closeOnce sync.Once
	closeErr  error

	// reported is guarded by b.mu.
	reported bool
}

type hello struct {
	generation uuid.UUID
	err        error
}

// startWorker launches a worker goroutine that builds its handler and
// announces its generation. It returns once the handshake completes.
func startWorker(ctx context.Context, b *Bridge, factory Factory) (*worker, error) {
	wctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		b:        b,
		requests: make(chan envelope, b.cfg.QueueSize),
		sem:      semaphore.NewWeighted(int64(b.cfg.MaxParallel)),
		ctx:      wctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		dead:     make(chan struct{}),
		lanes:    make(map[uint64]*lane),
	}
	hs := make(chan hello, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		h, err := w.build(wctx, factory)
		if err != nil {
			hs <- hello{err: err}
			return
		}
		w.handler = h
		hs <- hello{generation: uuid.New()}
		w.loop()
	}()

	select {
	case msg := <-hs:
		if msg.err != nil {
			cancel()
			return nil, mterrors.Wrap(msg.err, mterrors.KindOf(msg.err), mterrors.CodeWorkerTerminated, "worker handshake failed")
		}
		w.generation = msg.generation
		return w, nil
	case <-ctx.Done():
		w.stop()
		go func() {
			w.wg.Wait()
			_ = w.closeHandler()
		}()
		return nil, context.Cause(ctx)
	}
}

func (w *worker) build(ctx context.Context, factory Factory) (h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while starting worker: %v", r)
		}
	}()
	return factory(ctx)
}

func (w *worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case <-w.dead:
			return
		case env := <-w.requests:
			w.dispatch(env)
		}
	}
}

func (w *worker) enqueue(ctx context.Context, env envelope, timeout <-chan time.Time) error {
	select {
	case <-w.dead:
		return workerTerminated("worker terminated: %v", w.cause())
	case <-w.quit:
		return workerTerminated("worker is stopping")
	default:
	}
	select {
	case w.requests <- env:
		return nil
	case <-w.dead:
		return workerTerminated("worker terminated: %v", w.cause())
	case <-w.quit:
		return workerTerminated("worker is stopping")
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timeout:
		return errQueueTimeout
	}
}

func (w *worker) dispatch(env envelope) {
	if cs, ok := env.req.(ConnScoped); ok {
		w.enqueueLane(cs.ConnectionID(), env)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.execute(env)
	}()
}

// enqueueLane runs env after earlier requests on the same connection.
func (w *worker) enqueueLane(connID uint64, env envelope) {
	w.mu.Lock()
	if l, ok := w.lanes[connID]; ok {
		l.queue = append(l.queue, env)
		w.mu.Unlock()
		return
	}
	l := &lane{queue: []envelope{env}}
	w.lanes[connID] = l
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runLane(connID, l)
}

func (w *worker) runLane(connID uint64, l *lane) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		if len(l.queue) == 0 || w.terminated() {
			delete(w.lanes, connID)
			w.mu.Unlock()
			return
		}
		env := l.queue[0]
		l.queue[0] = envelope{}
		l.queue = l.queue[1:]
		w.mu.Unlock()
		w.execute(env)
	}
}

func (w *worker) execute(env envelope) {
	if _, waits := env.req.(Waiter); !waits {
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			// Stopping or crashed: the supervisor answers pending requests.
			return
		}
		defer w.sem.Release(1)
	}
	if w.terminated() {
		return
	}
	v, err, crashed := w.call(env)
	if crashed {
		return
	}
	if !w.b.deliver(w, env.id, result{value: v, err: err}) && err == nil {
		w.discard(env.req, v)
	}
}

// discard lets the handler undo a response that no caller will receive.
func (w *worker) discard(req Request, v any) {
	d, ok := w.handler.(Discarder)
	if !ok || w.terminated() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.crash(fmt.Errorf("panic discarding %s: %v", req.Op(), r))
		}
	}()
	w.b.logger.Debug("discarding response for abandoned request", "op", req.Op(), "generation", w.generation)
	d.Discard(w.ctx, req, v)
}

func (w *worker) call(env envelope) (v any, err error, crashed bool) {
	req := env.req
	defer func() {
		if r := recover(); r != nil {
			w.crash(fmt.Errorf("panic in %s: %v", req.Op(), r))
			v, err, crashed = nil, nil, true
		}
	}()
	ctx := ctxutil.Carry(w.ctx, env.caller)
	if _, waits := req.(Waiter); waits {
		var cancel context.CancelFunc
		ctx, cancel = ctxutil.Bind(ctx, env.caller, env.deadline)
		defer cancel()
	}
	v, err = w.handler.Handle(ctx, req)
	var fe *fatalError
	if errors.As(err, &fe) {
		w.crash(fe.err)
		return nil, nil, true
	}
	return v, err, false
}

// crash marks the worker dead and wakes the supervisor.
func (w *worker) crash(err error) {
	w.deadOnce.Do(func() {
		w.deadErr = err
		close(w.dead)
		w.cancel()
	})
	w.b.monitor.Trigger()
}

func (w *worker) terminated() bool {
	select {
	case <-w.dead:
		return true
	default:
		return false
	}
}

// cause must only be called once terminated reports true.
func (w *worker) cause() error {
	return w.deadErr
}

// stop ends the request loop and cancels in-flight handler calls.
func (w *worker) stop() {
	w.quitOnce.Do(func() {
		close(w.quit)
		w.cancel()
	})
}

// wait blocks until every worker goroutine has returned or ctx ends.
func (w *worker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker %s: %w", w.generation, context.Cause(ctx))
	}
}

func (w *worker) closeHandler() error {
	w.closeOnce.Do(func() {
		if w.handler != nil {
			w.closeErr = w.handler.Close()
		}
	})
	return w.closeErr
}
