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

// Package engine executes bridge requests against drivers. It owns every
// live resource (connections, pools, prepared statements, transactions and
// streams) in handle tables, so callers only ever see opaque ids.
//
// An Engine is created by the bridge worker through Factory and is dropped
// with the worker: ids issued by one engine are unknown to the next.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/preparedstatement"
	"github.com/multigres/odbcx/go/driver"
	"github.com/multigres/odbcx/go/driver/sqldriver"
	"github.com/multigres/odbcx/go/pools/connpool"
	"github.com/multigres/odbcx/go/tools/ctxutil"
	"github.com/multigres/odbcx/go/tools/telemetry"
	"github.com/multigres/odbcx/go/txn"
)

// Config holds the engine settings. The zero value is usable.
type Config struct {
	// StatementCacheSize bounds the prepared statement cache.
	StatementCacheSize int

	// FetchSize and MaxBufferSize are the stream defaults.
	FetchSize     int
	MaxBufferSize int

	// Pool defaults, see connpool.Config.
	PoolCheckoutTimeout       time.Duration
	PoolIdleTimeout           time.Duration
	PoolMaxLifetime           time.Duration
	PoolHealthCheckInterval   time.Duration
	DisableCheckoutValidation bool

	// Connector opens driver connections. Defaults to sqldriver.Connector.
	Connector driver.Connector

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// connEntry is a connection id. Pooled connections keep the pool they were
// checked out from.
type connEntry struct {
	id     uint64
	conn   driver.Conn
	poolID handles.ID
	pooled *connpool.Pooled[driver.Conn]
}

type poolEntry struct {
	pool *connpool.Pool[driver.Conn]
	// dsn is redacted.
	dsn string
}

// Engine is a bridge.Handler. All of its methods are safe for concurrent
// use; the bridge serialises requests that share a connection id.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	connector driver.Connector
	metrics   *telemetry.Recorder

	conns   *handles.Table[*connEntry]
	pools   *handles.Table[*poolEntry]
	streams *handles.Table[*streamEntry]
	stmts   *preparedstatement.Cache[driver.Stmt]
	txns    *txn.Manager
}

var (
	_ bridge.Handler   = (*Engine)(nil)
	_ bridge.Discarder = (*Engine)(nil)
)

// New returns an engine with no open resources.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	connector := cfg.Connector
	if connector == nil {
		connector = sqldriver.Connector
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		tracer:    tp.Tracer(telemetry.InstrumentationName),
		connector: connector,
		metrics:   telemetry.NewRecorder(cfg.MeterProvider),
		conns:     handles.NewTable[*connEntry]("connection"),
		pools:     handles.NewTable[*poolEntry]("pool"),
		streams:   handles.NewTable[*streamEntry]("stream"),
		stmts:     preparedstatement.NewCache[driver.Stmt](cfg.StatementCacheSize, logger),
		txns:      txn.NewManager(logger),
	}
}

// Factory returns a bridge.Factory that builds a fresh engine for every
// worker generation.
func Factory(cfg Config) bridge.Factory {
	return func(context.Context) (bridge.Handler, error) {
		return New(cfg), nil
	}
}

// Handle runs one request inside a span and records it in the metrics.
func (e *Engine) Handle(ctx context.Context, req bridge.Request) (any, error) {
	op := req.Op()
	attrs := []attribute.KeyValue{attribute.String("db.operation.name", op)}
	if cs, ok := req.(bridge.ConnScoped); ok {
		attrs = append(attrs, attribute.Int64("odbcx.connection.id", int64(cs.ConnectionID())))
	}
	ctx, span := ctxutil.StartLinkedSpan(ctx, e.tracer, "engine/"+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	v, err := e.dispatch(ctx, req)
	if _, ok := req.(statement); ok {
		e.metrics.RecordQuery(ctx, op, time.Since(start), err)
	} else if err != nil {
		e.metrics.RecordError(ctx, op, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.type", string(mterrors.CodeOf(err))))
		e.logger.DebugContext(ctx, "request failed", "op", op, "error", err)
	}
	return v, err
}

func (e *Engine) dispatch(ctx context.Context, req bridge.Request) (any, error) {
	switch r := req.(type) {
	case Connect:
		return e.connect(ctx, r)
	case Disconnect:
		return nil, e.disconnect(ctx, r)
	case Query:
		return e.query(ctx, r)
	case Exec:
		return e.exec(ctx, r)
	case ExecuteMulti:
		return e.executeMulti(ctx, r)
	case BulkInsert:
		return e.bulkInsert(ctx, r)
	case Prepare:
		return e.prepare(ctx, r)
	case ExecutePrepared:
		return e.executePrepared(ctx, r)
	case CloseStatement:
		return nil, e.stmts.Close(r.StatementID)
	case StreamOpen:
		return e.streamOpen(ctx, r)
	case StreamNext:
		return e.streamNext(ctx, r)
	case StreamPause:
		return nil, e.streamPause(r.StreamID, true)
	case StreamResume:
		return nil, e.streamPause(r.StreamID, false)
	case StreamClose:
		return nil, e.streamClose(r.StreamID)
	case PoolCreate:
		return e.poolCreate(ctx, r)
	case PoolCheckout:
		return e.poolCheckout(ctx, r)
	case PoolRelease:
		return nil, e.poolRelease(ctx, r)
	case PoolHealthCheck:
		return e.poolHealthCheck(ctx, r)
	case PoolState:
		return e.poolState(r)
	case PoolClose:
		return nil, e.poolClose(ctx, r)
	case Begin:
		return e.begin(ctx, r)
	case Commit:
		return nil, e.endTransaction(ctx, r.ConnID, true)
	case Rollback:
		return nil, e.endTransaction(ctx, r.ConnID, false)
	case Savepoint:
		return nil, e.savepoint(ctx, r.ConnID, r.Name, e.txns.CreateSavepoint)
	case RollbackToSavepoint:
		return nil, e.savepoint(ctx, r.ConnID, r.Name, e.txns.RollbackToSavepoint)
	case ReleaseSavepoint:
		return nil, e.savepoint(ctx, r.ConnID, r.Name, e.txns.ReleaseSavepoint)
	case GetMetrics:
		return e.Metrics(), nil
	}
	return nil, mterrors.Validationf("unsupported request %T", req)
}

// Discard frees what a request created when its caller stopped waiting for
// the id: a checked out connection goes back to its pool and a new
// connection, pool or stream is closed.
func (e *Engine) Discard(ctx context.Context, req bridge.Request, value any) {
	var err error
	switch req.(type) {
	case PoolCheckout:
		if id, ok := value.(uint64); ok {
			err = e.poolRelease(ctx, PoolRelease{ConnID: id})
		}
	case Connect:
		if id, ok := value.(uint64); ok {
			err = e.disconnect(ctx, Disconnect{ConnID: id})
		}
	case PoolCreate:
		if id, ok := value.(uint64); ok {
			err = e.poolClose(ctx, PoolClose{PoolID: id})
		}
	case StreamOpen:
		if res, ok := value.(StreamOpenResult); ok {
			err = e.streamClose(res.StreamID)
		}
	default:
		return
	}
	if err != nil {
		e.logger.WarnContext(ctx, "cannot free resource of abandoned request", "op", req.Op(), "error", err)
		return
	}
	e.logger.DebugContext(ctx, "freed resource of abandoned request", "op", req.Op())
}

// Metrics returns the pull-style snapshot served by GetMetrics.
func (e *Engine) Metrics() telemetry.Snapshot {
	s := e.metrics.Snapshot()
	m := e.stmts.Metrics()
	s.CacheSize = m.Size
	s.CacheMaxSize = m.MaxSize
	s.CacheHits = m.Hits
	s.CacheMisses = m.Misses
	s.CacheHitRate = m.HitRate
	s.TotalPrepares = m.TotalPrepares
	s.TotalExecutions = m.TotalExecutions
	s.Connections = e.conns.Len()
	s.Pools = e.pools.Len()
	s.Streams = e.streams.Len()
	s.Transactions = e.txns.Active()
	return s
}

// Close releases every resource. Checked out connections are closed with
// their pool.
func (e *Engine) Close() error {
	var errs []error
	for _, s := range e.streams.Drain() {
		s.stream.Close()
	}
	errs = append(errs, e.stmts.CloseAll())
	for _, c := range e.conns.Drain() {
		e.txns.ForgetConnection(c.id)
		if c.pooled == nil {
			errs = append(errs, c.conn.Close())
		}
	}
	for _, p := range e.pools.Drain() {
		if err := p.pool.Close(); err != nil && !mterrors.HasCode(err, mterrors.CodePool) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) conn(id uint64) (*connEntry, error) {
	return e.conns.Get(handles.ID(id))
}

// release forgets everything scoped to a connection id: its streams, its
// statements and its transactions. With rollback set, an active
// transaction is rolled back first so the session can be reused.
func (e *Engine) release(ctx context.Context, id uint64, rollback bool) {
	for _, s := range e.streams.RemoveFunc(func(s *streamEntry) bool { return s.connID == id }) {
		s.stream.Close()
	}
	if err := e.stmts.CloseConnection(id); err != nil {
		e.logger.DebugContext(ctx, "error closing statements", "conn", id, "error", err)
	}
	if t, ok := e.txns.ActiveFor(id); ok && rollback {
		if err := e.txns.Rollback(ctx, t.ID()); err != nil {
			e.logger.WarnContext(ctx, "rollback of abandoned transaction failed", "conn", id, "txn", t.ID(), "error", err)
		}
	}
	e.txns.ForgetConnection(id)
}

func invalidRequest(format string, args ...any) error {
	return mterrors.Validationf(format, args...)
}

func requireSQL(sql string) error {
	if sql == "" {
		return invalidRequest("sql must not be empty")
	}
	return nil
}
