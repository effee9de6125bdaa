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

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver/fakedriver"
	"github.com/multigres/odbcx/go/tools/telemetry"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e := New(cfg)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return e, sr
}

func do[T any](t *testing.T, e *Engine, req bridge.Request) T {
	t.Helper()
	v, err := e.Handle(t.Context(), req)
	require.NoError(t, err, req.Op())
	out, ok := v.(T)
	require.True(t, ok, "%s returned %T", req.Op(), v)
	return out
}

func usersDB(t *testing.T) *fakedriver.DB {
	db := fakedriver.New(t)
	db.AddQuery("select id, name from users", &fakedriver.ExpectedResult{
		Columns: []string{"id", "name"},
		Types:   []string{"integer", "text"},
		Rows:    [][]any{{int64(1), "Alice"}, {int64(2), "Bob"}},
	})
	return db
}

func TestConnectAndQuery(t *testing.T) {
	db := usersDB(t)
	e, sr := newTestEngine(t, Config{})

	conn := do[uint64](t, e, Connect{DSN: db.DSN()})
	buf := do[[]byte](t, e, Query{ConnID: conn, SQL: "SELECT id, name FROM users"})

	res, err := rowbuffer.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.FieldNames())
	require.Len(t, res.Rows, 2)
	id, err := res.Rows[0].Values[0].Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Alice", res.Rows[0].Values[1].String())
	assert.Equal(t, "Bob", res.Rows[1].Values[1].String())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine/connect", spans[0].Name())
	assert.Equal(t, "engine/query", spans[1].Name())

	m := e.Metrics()
	assert.Equal(t, int64(1), m.QueryCount)
	assert.Zero(t, m.ErrorCount)
	assert.Equal(t, 1, m.Connections)

	_, err = e.Handle(t.Context(), Disconnect{ConnID: conn})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.OpenConns() == 0 }, time.Second, time.Millisecond)
	_, err = e.Handle(t.Context(), Query{ConnID: conn, SQL: "select 1"})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)
}

func TestRequestValidation(t *testing.T) {
	db := usersDB(t)
	e, sr := newTestEngine(t, Config{})

	_, err := e.Handle(t.Context(), Connect{DSN: "  "})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	_, err = e.Handle(t.Context(), Connect{DSN: db.DSN(), Options: map[string]any{"no_such_option": 1}})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	_, err = e.Handle(t.Context(), Query{ConnID: 99, SQL: "select 1"})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)

	conn := do[uint64](t, e, Connect{DSN: db.DSN(), Options: map[string]any{"query_timeout": "5s"}})
	_, err = e.Handle(t.Context(), Exec{ConnID: conn})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	m := e.Metrics()
	assert.Equal(t, int64(4), m.ErrorCount)
	assert.Equal(t, int64(2), m.QueryCount, "failed statements still count as queries")

	var failed int
	for _, s := range sr.Ended() {
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 4, failed)
}

func TestConnectError(t *testing.T) {
	db := fakedriver.New(t)
	db.SetConnectError(errors.New("connection refused"))
	e, _ := newTestEngine(t, Config{})

	_, err := e.Handle(t.Context(), Connect{DSN: db.DSN()})
	require.Error(t, err)
	assert.ErrorIs(t, err, mterrors.ErrConnection)
	assert.Zero(t, e.Metrics().Connections)
}

func TestExecAndExecuteMulti(t *testing.T) {
	db := usersDB(t)
	db.AddQuery("update users set name = 'x'", &fakedriver.ExpectedResult{RowsAffected: 3})
	e, _ := newTestEngine(t, Config{})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})

	assert.Equal(t, uint64(3), do[uint64](t, e, Exec{ConnID: conn, SQL: "update users set name = 'x'"}))

	buf := do[[]byte](t, e, ExecuteMulti{ConnID: conn, SQL: "select id, name from users; update users set name = 'x'"})
	items, err := rowbuffer.DecodeMultiResult(buf)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, rowbuffer.ItemResultSet, items[0].Kind)
	assert.Len(t, items[0].Result.Rows, 2)
	assert.Equal(t, rowbuffer.ItemRowCount, items[1].Kind)
	assert.Equal(t, uint64(3), items[1].RowCount)

	_, err = e.Handle(t.Context(), ExecuteMulti{ConnID: conn, SQL: "select id, name from users; drop everything"})
	assert.ErrorContains(t, err, "statement 2 of batch")
}

func TestPrepareTwiceHitsCache(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})

	first := do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "select id, name from users"})
	second := do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "select id, name from users"})
	assert.False(t, first.Hit)
	assert.True(t, second.Hit)
	assert.Equal(t, first.StatementID, second.StatementID)

	m := do[telemetry.Snapshot](t, e, GetMetrics{})
	assert.Equal(t, int64(1), m.TotalPrepares)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.CacheHitRate, 1e-9)
}

func TestExecutePrepared(t *testing.T) {
	db := usersDB(t)
	db.AddQuery("delete from users", &fakedriver.ExpectedResult{RowsAffected: 2})
	e, _ := newTestEngine(t, Config{StatementCacheSize: 2})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})
	other := do[uint64](t, e, Connect{DSN: db.DSN()})

	sel := do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "select id, name from users"})
	res := do[ExecuteResult](t, e, ExecutePrepared{ConnID: conn, StatementID: sel.StatementID})
	decoded, err := rowbuffer.Decode(res.RowBuffer)
	require.NoError(t, err)
	assert.Len(t, decoded.Rows, 2)

	del := do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "delete from users"})
	res = do[ExecuteResult](t, e, ExecutePrepared{ConnID: conn, StatementID: del.StatementID})
	assert.Nil(t, res.RowBuffer)
	assert.Equal(t, uint64(2), res.RowsAffected)

	_, err = e.Handle(t.Context(), ExecutePrepared{ConnID: other, StatementID: sel.StatementID})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	_, err = e.Handle(t.Context(), ExecutePrepared{ConnID: conn, StatementID: sel.StatementID, Params: []sqltypes.Param{sqltypes.Int64Param(1)}})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	// A third statement evicts the least recently used one, del having
	// been used last.
	do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "select 1"})
	_, err = e.Handle(t.Context(), ExecutePrepared{ConnID: conn, StatementID: sel.StatementID})
	assert.ErrorIs(t, err, mterrors.ErrStatementNotFound)

	_, err = e.Handle(t.Context(), CloseStatement{StatementID: del.StatementID})
	require.NoError(t, err)
	_, err = e.Handle(t.Context(), CloseStatement{StatementID: del.StatementID})
	require.NoError(t, err, "closing twice is a no-op")
	_, err = e.Handle(t.Context(), ExecutePrepared{ConnID: conn, StatementID: del.StatementID})
	assert.ErrorIs(t, err, mterrors.ErrStatementNotFound)
}

func TestDisconnectClosesStatements(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})
	do[PrepareResult](t, e, Prepare{ConnID: conn, SQL: "select id, name from users"})
	assert.Equal(t, 1, e.Metrics().CacheSize)

	_, err := e.Handle(t.Context(), Disconnect{ConnID: conn})
	require.NoError(t, err)
	assert.Zero(t, e.Metrics().CacheSize)
}

func TestPoolCheckoutBlocksWhenExhausted(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{})

	pool := do[uint64](t, e, PoolCreate{DSN: db.DSN(), MaxSize: 2})
	c1 := do[uint64](t, e, PoolCheckout{PoolID: pool})
	c2 := do[uint64](t, e, PoolCheckout{PoolID: pool})
	assert.NotEqual(t, c1, c2)

	state := do[PoolStateResult](t, e, PoolState{PoolID: pool})
	assert.Equal(t, PoolStateResult{Size: 2, InUse: 2, MaxSize: 2}, state)

	got := make(chan uint64, 1)
	go func() {
		v, err := e.Handle(context.Background(), PoolCheckout{PoolID: pool})
		assert.NoError(t, err)
		got <- v.(uint64)
	}()
	require.Eventually(t, func() bool {
		return do[PoolStateResult](t, e, PoolState{PoolID: pool}).Waiting == 1
	}, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("third checkout did not block")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := e.Handle(t.Context(), PoolRelease{ConnID: c1})
	require.NoError(t, err)
	c3 := <-got
	assert.NotEqual(t, c1, c3)

	_, err = e.Handle(t.Context(), PoolRelease{ConnID: c1})
	require.NoError(t, err, "releasing twice is a no-op")

	buf := do[[]byte](t, e, Query{ConnID: c3, SQL: "select id, name from users"})
	assert.NotEmpty(t, buf)

	state = do[PoolStateResult](t, e, PoolState{PoolID: pool})
	assert.Equal(t, state.Size, state.Idle+state.InUse)
	assert.Equal(t, 2, state.Size)
}

func TestPoolTimeoutAndHealthCheck(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{PoolCheckoutTimeout: 20 * time.Millisecond})

	pool := do[uint64](t, e, PoolCreate{DSN: db.DSN(), MaxSize: 1})
	assert.True(t, do[bool](t, e, PoolHealthCheck{PoolID: pool}))

	do[uint64](t, e, PoolCheckout{PoolID: pool})
	_, err := e.Handle(t.Context(), PoolCheckout{PoolID: pool})
	assert.ErrorIs(t, err, mterrors.ErrPoolExhausted)
	assert.True(t, mterrors.IsRetryable(err))
}

func TestPoolCreateNeedsFirstConnection(t *testing.T) {
	db := fakedriver.New(t)
	db.SetConnectError(errors.New("no route to host"))
	e, _ := newTestEngine(t, Config{})

	_, err := e.Handle(t.Context(), PoolCreate{DSN: db.DSN(), MaxSize: 2})
	assert.ErrorIs(t, err, mterrors.ErrConnection)
	assert.Zero(t, e.Metrics().Pools)

	_, err = e.Handle(t.Context(), PoolCreate{DSN: db.DSN()})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))
}

func TestPoolClose(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{})
	pool := do[uint64](t, e, PoolCreate{DSN: db.DSN(), MaxSize: 2})
	conn := do[uint64](t, e, PoolCheckout{PoolID: pool})

	_, err := e.Handle(t.Context(), Disconnect{ConnID: conn})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err), "pooled connections are released, not disconnected")

	_, err = e.Handle(t.Context(), PoolClose{PoolID: pool})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.OpenConns() == 0 }, time.Second, time.Millisecond)

	for _, req := range []bridge.Request{
		PoolState{PoolID: pool},
		PoolCheckout{PoolID: pool},
		PoolHealthCheck{PoolID: pool},
		PoolClose{PoolID: pool},
	} {
		_, err := e.Handle(t.Context(), req)
		assert.ErrorIs(t, err, mterrors.ErrPool, req.Op())
	}
	_, err = e.Handle(t.Context(), Query{ConnID: conn, SQL: "select id, name from users"})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)
}

func TestReleaseRollsBackOpenTransaction(t *testing.T) {
	db := usersDB(t)
	db.SetNeverFail(true)
	e, _ := newTestEngine(t, Config{DisableCheckoutValidation: true})
	pool := do[uint64](t, e, PoolCreate{DSN: db.DSN(), MaxSize: 1})
	conn := do[uint64](t, e, PoolCheckout{PoolID: pool})

	do[uint64](t, e, Begin{ConnID: conn})
	db.ResetQueryLog()
	_, err := e.Handle(t.Context(), PoolRelease{ConnID: conn})
	require.NoError(t, err)
	assert.Equal(t, []string{"rollback"}, db.QueryLog())
	assert.Zero(t, e.Metrics().Transactions)
}

func TestTransactionRequests(t *testing.T) {
	db := usersDB(t)
	db.SetNeverFail(true)
	e, _ := newTestEngine(t, Config{})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})

	_, err := e.Handle(t.Context(), Begin{ConnID: conn, Isolation: "chaotic"})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))
	_, err = e.Handle(t.Context(), Commit{ConnID: conn})
	assert.ErrorIs(t, err, mterrors.ErrTransaction)

	db.ResetQueryLog()
	txnID := do[uint64](t, e, Begin{ConnID: conn, Isolation: "serializable"})
	assert.NotZero(t, txnID)
	_, err = e.Handle(t.Context(), Begin{ConnID: conn})
	assert.ErrorIs(t, err, mterrors.ErrTransaction)

	for _, req := range []bridge.Request{
		Savepoint{ConnID: conn, Name: "s1"},
		RollbackToSavepoint{ConnID: conn, Name: "s1"},
		ReleaseSavepoint{ConnID: conn, Name: "s1"},
		Commit{ConnID: conn},
	} {
		_, err := e.Handle(t.Context(), req)
		require.NoError(t, err, req.Op())
	}
	assert.Equal(t, []string{
		"begin serializable",
		"savepoint s1",
		"rollback to savepoint s1",
		"release savepoint s1",
		"commit",
	}, db.QueryLog())

	_, err = e.Handle(t.Context(), Rollback{ConnID: conn})
	assert.ErrorIs(t, err, mterrors.ErrTransaction, "no transaction after commit")
	_, err = e.Handle(t.Context(), Savepoint{ConnID: conn, Name: "s2"})
	assert.ErrorIs(t, err, mterrors.ErrTransaction)
}

func TestStreamRequests(t *testing.T) {
	db := fakedriver.New(t)
	rows := make([][]any, 5)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	db.AddQuery("select n from numbers", &fakedriver.ExpectedResult{
		Columns: []string{"n"},
		Types:   []string{"bigint"},
		Rows:    rows,
	})
	e, _ := newTestEngine(t, Config{MaxBufferSize: 1})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})

	opened := do[StreamOpenResult](t, e, StreamOpen{ConnID: conn, SQL: "select n from numbers", FetchSize: 2})
	require.Len(t, opened.Fields, 1)
	assert.Equal(t, "n", opened.Fields[0].Name)

	var got []int64
	chunks := 0
	for {
		c := do[StreamChunk](t, e, StreamNext{StreamID: opened.StreamID})
		if c.Done {
			break
		}
		chunks++
		res, err := rowbuffer.Decode(c.Data)
		require.NoError(t, err)
		for _, r := range res.Rows {
			n, err := r.Values[0].Int64()
			require.NoError(t, err)
			got = append(got, n)
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 3, chunks)

	_, err := e.Handle(t.Context(), StreamNext{StreamID: opened.StreamID})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle, "finished streams are removed")

	second := do[StreamOpenResult](t, e, StreamOpen{ConnID: conn, SQL: "select n from numbers", FetchSize: 1})
	_, err = e.Handle(t.Context(), StreamPause{StreamID: second.StreamID})
	require.NoError(t, err)
	_, err = e.Handle(t.Context(), StreamResume{StreamID: second.StreamID})
	require.NoError(t, err)
	_, err = e.Handle(t.Context(), StreamClose{StreamID: second.StreamID})
	require.NoError(t, err)
	_, err = e.Handle(t.Context(), StreamClose{StreamID: second.StreamID})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)

	do[StreamOpenResult](t, e, StreamOpen{ConnID: conn, SQL: "select n from numbers"})
	assert.Equal(t, 1, e.Metrics().Streams)
	_, err = e.Handle(t.Context(), Disconnect{ConnID: conn})
	require.NoError(t, err)
	assert.Zero(t, e.Metrics().Streams, "disconnect closes the streams of the connection")
}

func TestStreamQueryError(t *testing.T) {
	db := fakedriver.New(t)
	e, _ := newTestEngine(t, Config{})
	conn := do[uint64](t, e, Connect{DSN: db.DSN()})

	_, err := e.Handle(t.Context(), StreamOpen{ConnID: conn, SQL: "select nothing"})
	require.Error(t, err)
	assert.Zero(t, e.Metrics().Streams)
	assert.Equal(t, int64(1), e.Metrics().ErrorCount)
}

func TestUnsupportedRequest(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	_, err := e.Handle(t.Context(), unknownRequest{})
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))
}

type unknownRequest struct{}

func (unknownRequest) Op() string { return "unknown" }

func TestEngineBehindBridge(t *testing.T) {
	db := usersDB(t)
	b, err := bridge.Spawn(t.Context(), Factory(Config{}), bridge.Config{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Shutdown(context.Background(), false)) }()

	conn, err := bridge.Call[uint64](t.Context(), b, Connect{DSN: db.DSN()})
	require.NoError(t, err)
	buf, err := bridge.Call[[]byte](t.Context(), b, Query{ConnID: conn, SQL: "select id, name from users"})
	require.NoError(t, err)
	hdr, err := rowbuffer.DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hdr.RowCount)

	b.Kill()
	require.NoError(t, b.Recover(t.Context()))
	_, err = bridge.Call[[]byte](t.Context(), b, Query{ConnID: conn, SQL: "select id, name from users"})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle, "ids do not survive a respawn")
	require.Eventually(t, func() bool { return db.OpenConns() == 0 }, time.Second, time.Millisecond)
}

func TestBridgedSpansLinkToCaller(t *testing.T) {
	db := usersDB(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	b, err := bridge.Spawn(t.Context(), Factory(Config{TracerProvider: tp}), bridge.Config{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, b.Shutdown(context.Background(), false)) }()

	ctx, caller := tp.Tracer("test").Start(t.Context(), "caller")
	_, err = bridge.Call[uint64](ctx, b, Connect{DSN: db.DSN()})
	require.NoError(t, err)
	caller.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	connect := spans[0]
	assert.Equal(t, "engine/connect", connect.Name())
	require.Len(t, connect.Links(), 1)
	assert.Equal(t, caller.SpanContext().SpanID(), connect.Links()[0].SpanContext.SpanID())
	assert.False(t, connect.Parent().IsValid())
}

func spawnEngine(t *testing.T, cfg Config, bcfg bridge.Config) *bridge.Bridge {
	t.Helper()
	b, err := bridge.Spawn(t.Context(), Factory(cfg), bcfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, b.Shutdown(ctx, false))
	})
	return b
}

func poolState(t *testing.T, b *bridge.Bridge, pool uint64) PoolStateResult {
	t.Helper()
	s, err := bridge.Call[PoolStateResult](t.Context(), b, PoolState{PoolID: pool})
	require.NoError(t, err)
	return s
}

func TestBridgedCheckoutWaitsForRelease(t *testing.T) {
	db := usersDB(t)
	b := spawnEngine(t, Config{}, bridge.Config{MaxParallel: 2})

	pool, err := bridge.Call[uint64](t.Context(), b, PoolCreate{DSN: db.DSN(), MaxSize: 2})
	require.NoError(t, err)
	c1, err := bridge.Call[uint64](t.Context(), b, PoolCheckout{PoolID: pool})
	require.NoError(t, err)
	c2, err := bridge.Call[uint64](t.Context(), b, PoolCheckout{PoolID: pool})
	require.NoError(t, err)

	// As many blocked checkouts as parallel slots.
	got := make(chan uint64, 2)
	for range 2 {
		go func() {
			id, err := bridge.Call[uint64](context.Background(), b, PoolCheckout{PoolID: pool})
			assert.NoError(t, err)
			got <- id
		}()
	}
	require.Eventually(t, func() bool { return poolState(t, b, pool).Waiting == 2 }, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("checkout of an exhausted pool did not block")
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = b.Submit(ctx, PoolRelease{ConnID: c1})
	require.NoError(t, err)
	c3 := <-got
	_, err = b.Submit(ctx, PoolRelease{ConnID: c2})
	require.NoError(t, err)
	c4 := <-got
	assert.NotContains(t, []uint64{c1, c2}, c3)
	assert.NotContains(t, []uint64{c1, c2}, c4)

	_, err = bridge.Call[[]byte](ctx, b, Query{ConnID: c3, SQL: "select id, name from users"})
	require.NoError(t, err)
	assert.Equal(t, PoolStateResult{Size: 2, InUse: 2, MaxSize: 2}, poolState(t, b, pool))
}

func TestAbandonedCheckoutLeavesPoolUsable(t *testing.T) {
	db := usersDB(t)
	b := spawnEngine(t, Config{}, bridge.Config{RequestTimeout: 100 * time.Millisecond})

	pool, err := bridge.Call[uint64](t.Context(), b, PoolCreate{DSN: db.DSN(), MaxSize: 1})
	require.NoError(t, err)
	held, err := bridge.Call[uint64](t.Context(), b, PoolCheckout{PoolID: pool})
	require.NoError(t, err)

	_, err = bridge.Call[uint64](t.Context(), b, PoolCheckout{PoolID: pool})
	require.Error(t, err)
	assert.True(t, mterrors.IsRetryable(err))
	require.Eventually(t, func() bool { return poolState(t, b, pool).Waiting == 0 },
		time.Second, time.Millisecond, "the abandoned checkout leaves the waitlist")

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := bridge.Call[uint64](ctx, b, PoolCheckout{PoolID: pool})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return poolState(t, b, pool).Waiting == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	require.Eventually(t, func() bool { return poolState(t, b, pool).Waiting == 0 }, time.Second, time.Millisecond)

	_, err = b.Submit(t.Context(), PoolRelease{ConnID: held})
	require.NoError(t, err)
	assert.Equal(t, PoolStateResult{Size: 1, Idle: 1, MaxSize: 1}, poolState(t, b, pool))

	next, err := bridge.Call[uint64](t.Context(), b, PoolCheckout{PoolID: pool})
	require.NoError(t, err)
	assert.NotEqual(t, held, next)
}

func TestDiscardReturnsCheckedOutConnection(t *testing.T) {
	db := usersDB(t)
	e, _ := newTestEngine(t, Config{})

	pool := do[uint64](t, e, PoolCreate{DSN: db.DSN(), MaxSize: 1})
	conn := do[uint64](t, e, PoolCheckout{PoolID: pool})
	e.Discard(t.Context(), PoolCheckout{PoolID: pool}, conn)

	assert.Equal(t, PoolStateResult{Size: 1, Idle: 1, MaxSize: 1}, do[PoolStateResult](t, e, PoolState{PoolID: pool}))
	_, err := e.Handle(t.Context(), Query{ConnID: conn, SQL: "select id, name from users"})
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)

	direct := do[uint64](t, e, Connect{DSN: db.DSN()})
	e.Discard(t.Context(), Connect{DSN: db.DSN()}, direct)
	assert.Equal(t, 0, e.Metrics().Connections)
}
