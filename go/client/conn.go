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

package client

import (
	"context"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/engine"
)

// Conn is a connection opened with Client.Connect or checked out of a
// Pool. Requests on one Conn run in the order they are made.
type Conn struct {
	c    *Client
	id   uint64
	pool *Pool
}

// ID returns the engine handle.
func (cn *Conn) ID() uint64 { return cn.id }

// Query runs sql and decodes the whole result.
func (cn *Conn) Query(ctx context.Context, sql string, args ...any) (*sqltypes.Result, error) {
	params, err := Params(args...)
	if err != nil {
		return nil, err
	}
	buf, err := bridge.Call[[]byte](ctx, cn.c.b, engine.Query{ConnID: cn.id, SQL: sql, Params: params})
	if err != nil {
		return nil, err
	}
	return rowbuffer.Decode(buf)
}

// Exec runs sql and returns the affected row count.
func (cn *Conn) Exec(ctx context.Context, sql string, args ...any) (uint64, error) {
	params, err := Params(args...)
	if err != nil {
		return 0, err
	}
	return bridge.Call[uint64](ctx, cn.c.b, engine.Exec{ConnID: cn.id, SQL: sql, Params: params})
}

// ExecuteMulti runs a semicolon separated batch.
func (cn *Conn) ExecuteMulti(ctx context.Context, sql string) ([]rowbuffer.Item, error) {
	buf, err := bridge.Call[[]byte](ctx, cn.c.b, engine.ExecuteMulti{ConnID: cn.id, SQL: sql})
	if err != nil {
		return nil, err
	}
	return rowbuffer.DecodeMultiResult(buf)
}

// BulkInsert inserts rows into table, using the field names of rows as
// column names.
func (cn *Conn) BulkInsert(ctx context.Context, table string, rows *sqltypes.Result) (uint64, error) {
	buf, err := rowbuffer.Encode(rows)
	if err != nil {
		return 0, err
	}
	return bridge.Call[uint64](ctx, cn.c.b, engine.BulkInsert{
		ConnID:      cn.id,
		Table:       table,
		EncodedRows: buf,
		RowCount:    uint32(len(rows.Rows)),
	})
}

// Prepare compiles sql through the statement cache.
func (cn *Conn) Prepare(ctx context.Context, sql string) (*Stmt, error) {
	res, err := bridge.Call[engine.PrepareResult](ctx, cn.c.b, engine.Prepare{ConnID: cn.id, SQL: sql})
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: cn, id: res.StatementID, numInput: res.ParamCount, cached: res.Hit}, nil
}

// Begin starts a transaction. An empty isolation selects the data source
// default.
func (cn *Conn) Begin(ctx context.Context, isolation string) (*Tx, error) {
	if _, err := bridge.Call[uint64](ctx, cn.c.b, engine.Begin{ConnID: cn.id, Isolation: isolation}); err != nil {
		return nil, err
	}
	return &Tx{conn: cn}, nil
}

// Close disconnects the connection, or returns it to its pool.
func (cn *Conn) Close(ctx context.Context) error {
	if cn.pool != nil {
		return cn.c.submit(ctx, engine.PoolRelease{ConnID: cn.id})
	}
	return cn.c.submit(ctx, engine.Disconnect{ConnID: cn.id})
}

// Stmt is a prepared statement bound to the connection it was prepared on.
type Stmt struct {
	conn     *Conn
	id       uint64
	numInput int
	cached   bool
}

// ID returns the statement handle.
func (s *Stmt) ID() uint64 { return s.id }

// NumInput returns the number of placeholders.
func (s *Stmt) NumInput() int { return s.numInput }

// Cached reports whether Prepare found the statement in the cache.
func (s *Stmt) Cached() bool { return s.cached }

// Execute runs the statement. The result has rows for queries and only
// RowsAffected for other statements.
func (s *Stmt) Execute(ctx context.Context, args ...any) (*sqltypes.Result, error) {
	params, err := Params(args...)
	if err != nil {
		return nil, err
	}
	res, err := bridge.Call[engine.ExecuteResult](ctx, s.conn.c.b, engine.ExecutePrepared{
		ConnID:      s.conn.id,
		StatementID: s.id,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}
	if res.RowBuffer == nil {
		return &sqltypes.Result{RowsAffected: res.RowsAffected}, nil
	}
	return rowbuffer.Decode(res.RowBuffer)
}

// Close removes the statement from the cache.
func (s *Stmt) Close(ctx context.Context) error {
	return s.conn.c.submit(ctx, engine.CloseStatement{StatementID: s.id})
}

// Tx is the active transaction of a Conn.
type Tx struct {
	conn *Conn
}

func (tx *Tx) Commit(ctx context.Context) error {
	return tx.conn.c.submit(ctx, engine.Commit{ConnID: tx.conn.id})
}

func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.conn.c.submit(ctx, engine.Rollback{ConnID: tx.conn.id})
}

// Savepoint creates name, replacing an existing savepoint of that name.
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	return tx.conn.c.submit(ctx, engine.Savepoint{ConnID: tx.conn.id, Name: name})
}

func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	return tx.conn.c.submit(ctx, engine.RollbackToSavepoint{ConnID: tx.conn.id, Name: name})
}

func (tx *Tx) Release(ctx context.Context, name string) error {
	return tx.conn.c.submit(ctx, engine.ReleaseSavepoint{ConnID: tx.conn.id, Name: name})
}
