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

// Package connpool implements a bounded pool of driver connections with
// validate-on-checkout, a FIFO waitlist and background idle checks.
package connpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/tools/timer"
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 10

// closeParallelism bounds concurrent Close calls when a pool shuts down.
const closeParallelism = 8

var errCheckoutTimeout = errors.New("checkout timeout")

// Config holds configuration for the connection pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of connections in the pool.
	Capacity int

	// DisableCheckoutValidation skips the liveness probe on checkout. A dead
	// connection is then only noticed on first use.
	DisableCheckoutValidation bool

	// CheckoutTimeout bounds how long Get waits for a connection when the
	// pool is exhausted. Zero means wait until the caller's context is done.
	CheckoutTimeout time.Duration

	// IdleTimeout closes connections unused for longer than this.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// HealthCheckInterval enables a background probe of idle connections.
	HealthCheckInterval time.Duration

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// Stats is a point-in-time snapshot of a pool. Idle+InUse == Size always
// holds; connections being opened count as in use.
type Stats struct {
	Size      int
	InUse     int
	Idle      int
	MaxSize   int
	Waiting   int
	WaitCount int64
	WaitTime  time.Duration
}

// Pool is a bounded set of connections handed out to one caller at a time.
// Idle connections are reused last-in first-out; callers that find the pool
// exhausted queue first-in first-out.
type Pool[C Connection] struct {
	name            string
	factory         Factory[C]
	capacity        int
	validate        bool
	checkoutTimeout time.Duration
	idleTimeout     time.Duration
	maxLifetime     time.Duration
	logger          *slog.Logger

	// mu guards everything below it, including the waitlist.
	mu      sync.Mutex
	idle    []*Pooled[C]
	active  map[*Pooled[C]]struct{}
	size    int
	inUse   int
	closed  bool
	waiters waitlist[C]
	closeCh chan struct{}

	nextID    atomic.Uint64
	waitCount atomic.Int64
	waitTime  atomic.Int64

	health  *timer.PeriodicRunner
	metrics *poolMetrics
}

// NewPool creates a pool. No connection is opened until Open or Get.
func NewPool[C Connection](factory Factory[C], cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool[C]{
		name:            cfg.Name,
		factory:         factory,
		capacity:        cfg.Capacity,
		validate:        !cfg.DisableCheckoutValidation,
		checkoutTimeout: cfg.CheckoutTimeout,
		idleTimeout:     cfg.IdleTimeout,
		maxLifetime:     cfg.MaxLifetime,
		logger:          logger.With("pool", cfg.Name),
		active:          make(map[*Pooled[C]]struct{}),
		closeCh:         make(chan struct{}),
	}
	p.waiters.init(&p.mu)
	if cfg.HealthCheckInterval > 0 {
		p.health = timer.NewPeriodicRunner(cfg.HealthCheckInterval)
	}
	p.metrics = newPoolMetrics(p, cfg.MeterProvider)
	return p
}

// Name returns the configured pool name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Open establishes the first connection eagerly and starts background
// health checks. Further connections are opened on demand.
func (p *Pool[C]) Open(ctx context.Context) error {
	pc, err := p.Get(ctx)
	if err != nil {
		return err
	}
	if err := p.Put(pc); err != nil {
		return err
	}
	if p.health != nil {
		p.health.Start(context.WithoutCancel(ctx), p.checkIdle)
	}
	p.logger.InfoContext(ctx, "connection pool opened", "capacity", p.capacity)
	return nil
}

// Get checks out a connection. It reuses an idle connection, validating it
// first unless validation is disabled, opens a new one while under capacity,
// and otherwise waits for a release.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.checkoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.checkoutTimeout, errCheckoutTimeout)
		defer cancel()
	}

	var waitStart time.Time
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, p.closedError()
		}
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			pc.inUse = true
			p.inUse++
			p.mu.Unlock()
			return p.checkout(ctx, pc)
		}
		if p.size < p.capacity {
			p.size++
			p.inUse++
			p.mu.Unlock()
			return p.connect(ctx)
		}
		elem := p.waiters.enqueue()
		p.mu.Unlock()

		if waitStart.IsZero() {
			waitStart = time.Now()
			p.waitCount.Add(1)
		}
		h, err := p.waiters.wait(ctx, elem, p.closeCh)
		if err == nil && ctx.Err() != nil {
			// Handed a connection or slot after giving up; pass it on.
			if h.conn != nil {
				p.release(h.conn, false)
			} else {
				p.freeSlot()
			}
			err = context.Cause(ctx)
		}
		p.recordWait(ctx, waitStart)
		if err != nil {
			return nil, p.waitError(ctx, err)
		}
		if h.conn == nil {
			return p.connect(ctx)
		}
		return p.checkout(ctx, h.conn)
	}
}

func (p *Pool[C]) recordWait(ctx context.Context, start time.Time) {
	d := time.Since(start)
	p.waitTime.Add(int64(d))
	p.metrics.recordWait(ctx, d)
}

func (p *Pool[C]) waitError(ctx context.Context, err error) error {
	if errors.Is(err, errWaitClosed) {
		return p.closedError()
	}
	p.metrics.recordTimeout(ctx)
	if errors.Is(err, errCheckoutTimeout) {
		return mterrors.New(mterrors.Transient, mterrors.CodePoolExhausted,
			"pool %s exhausted: no connection released within %s", p.name, p.checkoutTimeout)
	}
	return mterrors.Wrap(err, mterrors.Transient, mterrors.CodePoolExhausted, "pool %s exhausted", p.name)
}

func (p *Pool[C]) closedError() error {
	return mterrors.New(mterrors.Fatal, mterrors.CodePool, "pool %s is closed", p.name)
}

// checkout finishes handing pc to a caller. pc already counts as in use.
func (p *Pool[C]) checkout(ctx context.Context, pc *Pooled[C]) (*Pooled[C], error) {
	if p.expired(pc) {
		p.logger.DebugContext(ctx, "replacing expired connection", "conn", pc.id)
		return p.replace(ctx, pc)
	}
	if p.validate {
		if err := pc.conn.Ping(ctx); err != nil {
			p.logger.InfoContext(ctx, "replacing connection that failed validation", "conn", pc.id, "error", err)
			return p.replace(ctx, pc)
		}
		pc.markValidated()
	}
	pc.markUsed()
	return pc, nil
}

// replace closes pc and opens a new connection in its slot.
func (p *Pool[C]) replace(ctx context.Context, pc *Pooled[C]) (*Pooled[C], error) {
	p.mu.Lock()
	delete(p.active, pc)
	pc.inUse = false
	p.mu.Unlock()
	p.closeConn(pc)
	return p.connect(ctx)
}

// connect opens a connection in a slot already reserved by the caller.
func (p *Pool[C]) connect(ctx context.Context) (*Pooled[C], error) {
	conn, err := p.factory(ctx)
	if err != nil {
		p.freeSlot()
		return nil, connectionError(err)
	}
	pc := newPooled(p, p.nextID.Add(1), conn)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, p.closedError()
	}
	pc.inUse = true
	p.active[pc] = struct{}{}
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "opened connection", "conn", pc.id)
	return pc, nil
}

func connectionError(err error) error {
	if mterrors.HasCode(err, mterrors.CodeConnection) {
		return err
	}
	return mterrors.Wrap(err, mterrors.ConnectionLost, mterrors.CodeConnection, "cannot open connection")
}

// freeSlot gives up an in-use slot that holds no connection, passing it to
// the oldest waiter if there is one.
func (p *Pool[C]) freeSlot() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if elem := p.waiters.pop(); elem != nil {
		p.mu.Unlock()
		p.waiters.deliver(elem, handoff[C]{})
		return
	}
	p.size--
	p.inUse--
	p.mu.Unlock()
}

// Put returns a checked-out connection. Returning a connection that is not
// checked out is a no-op. Broken connections and connections past their
// lifetime are closed instead of reused.
func (p *Pool[C]) Put(pc *Pooled[C]) error {
	if pc == nil || pc.pool != p {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return p.closedError()
	}
	p.release(pc, true)
	return nil
}

func (p *Pool[C]) release(pc *Pooled[C], touch bool) {
	p.mu.Lock()
	if p.closed || !pc.inUse {
		p.mu.Unlock()
		return
	}
	if pc.conn.IsClosed() || (p.maxLifetime > 0 && pc.Age() > p.maxLifetime) {
		delete(p.active, pc)
		pc.inUse = false
		p.mu.Unlock()
		p.closeConn(pc)
		p.freeSlot()
		return
	}
	if touch {
		pc.markUsed()
	}
	if elem := p.waiters.pop(); elem != nil {
		p.mu.Unlock()
		p.waiters.deliver(elem, handoff[C]{conn: pc})
		return
	}
	pc.inUse = false
	p.inUse--
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// discard closes a checked-out connection and frees its slot.
func (p *Pool[C]) discard(pc *Pooled[C]) {
	p.mu.Lock()
	if p.closed || !pc.inUse {
		p.mu.Unlock()
		return
	}
	delete(p.active, pc)
	pc.inUse = false
	p.mu.Unlock()
	p.closeConn(pc)
	p.freeSlot()
}

func (p *Pool[C]) expired(pc *Pooled[C]) bool {
	if pc.conn.IsClosed() {
		return true
	}
	if p.maxLifetime > 0 && pc.Age() > p.maxLifetime {
		return true
	}
	return p.idleTimeout > 0 && pc.IdleTime() > p.idleTimeout
}

func (p *Pool[C]) closeConn(pc *Pooled[C]) {
	if err := pc.conn.Close(); err != nil {
		p.logger.Debug("error closing connection", "conn", pc.id, "error", err)
	}
}

// HealthCheck pings one idle connection and returns it to rotation. With
// no idle connection it opens one if the pool is under capacity; a pool
// whose connections are all checked out reports whether any of them is
// still open. It never waits for a release.
func (p *Pool[C]) HealthCheck(ctx context.Context) bool {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return false
		}
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			pc.inUse = true
			p.inUse++
			p.mu.Unlock()
			if p.expired(pc) {
				p.discard(pc)
				continue
			}
			return p.pingIdle(ctx, pc)
		}
		if p.size < p.capacity {
			p.size++
			p.inUse++
			p.mu.Unlock()
			pc, err := p.connect(ctx)
			if err != nil {
				p.logger.WarnContext(ctx, "pool health check failed", "error", err)
				return false
			}
			p.release(pc, false)
			return true
		}
		healthy := false
		for pc := range p.active {
			if pc.inUse && !pc.conn.IsClosed() {
				healthy = true
				break
			}
		}
		p.mu.Unlock()
		return healthy
	}
}

// pingIdle pings a connection taken from the idle list and puts it back, or
// closes it if the ping fails.
func (p *Pool[C]) pingIdle(ctx context.Context, pc *Pooled[C]) bool {
	if err := pc.conn.Ping(ctx); err != nil {
		p.logger.WarnContext(ctx, "pool health check failed", "conn", pc.id, "error", err)
		p.discard(pc)
		return false
	}
	pc.markValidated()
	p.release(pc, false)
	return true
}

// checkIdle probes every idle connection and closes the ones that are
// broken or past their idle timeout or lifetime.
func (p *Pool[C]) checkIdle(ctx context.Context) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		pc.inUse = true
	}
	p.inUse += len(idle)
	p.mu.Unlock()

	closed := 0
	for _, pc := range idle {
		if ctx.Err() != nil {
			p.release(pc, false)
			continue
		}
		if p.expired(pc) {
			p.discard(pc)
			closed++
			continue
		}
		if err := pc.conn.Ping(ctx); err != nil {
			p.logger.InfoContext(ctx, "closing idle connection that failed validation", "conn", pc.id, "error", err)
			p.discard(pc)
			closed++
			continue
		}
		pc.markValidated()
		p.release(pc, false)
	}
	if closed > 0 {
		p.logger.DebugContext(ctx, "idle check closed connections", "closed", closed, "checked", len(idle))
	}
}

// Stats returns a consistent snapshot of the pool.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		MaxSize:   p.capacity,
		Waiting:   p.waiters.len(),
		WaitCount: p.waitCount.Load(),
		WaitTime:  time.Duration(p.waitTime.Load()),
	}
}

// IsClosed reports whether Close was called.
func (p *Pool[C]) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes every connection, idle and checked out, and fails current
// and future waiters with a PoolError.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.closedError()
	}
	p.closed = true
	close(p.closeCh)
	conns := make([]*Pooled[C], 0, len(p.active))
	for pc := range p.active {
		pc.inUse = false
		conns = append(conns, pc)
	}
	p.active = make(map[*Pooled[C]]struct{})
	p.idle = nil
	p.size = 0
	p.inUse = 0
	p.mu.Unlock()

	if p.health != nil {
		p.health.Stop()
	}

	var g errgroup.Group
	g.SetLimit(closeParallelism)
	for _, pc := range conns {
		g.Go(pc.conn.Close)
	}
	err := g.Wait()
	p.metrics.close()
	p.logger.Info("connection pool closed", "connections", len(conns))
	return err
}
