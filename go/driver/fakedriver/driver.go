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

package fakedriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync/atomic"
)

func init() {
	sql.Register(SQLDriverName, fakeDriver{})
}

type fakeDriver struct{}

// Open returns a new connection to the DB registered under name.
func (fakeDriver) Open(name string) (driver.Conn, error) {
	db, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if err := db.connect(); err != nil {
		return nil, err
	}
	return &fakeConn{db: db}, nil
}

type fakeConn struct {
	db     *DB
	closed atomic.Bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}

func (c *fakeConn) Close() error {
	if !c.closed.Swap(true) {
		c.db.open.Add(-1)
	}
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedriver: transactions are issued as SQL")
}

func (c *fakeConn) Ping(ctx context.Context) error {
	return c.db.ping()
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	result, err := c.db.handleQuery(query)
	if err != nil {
		return nil, err
	}
	return &fakeRows{result: result}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	result, err := c.db.handleQuery(query)
	if err != nil {
		return nil, err
	}
	n := result.RowsAffected
	if n == 0 {
		n = int64(len(result.Rows))
	}
	return driver.RowsAffected(n), nil
}

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error {
	return nil
}

// NumInput returns -1 so database/sql does not check argument counts.
func (s *fakeStmt) NumInput() int {
	return -1
}

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, nil)
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, nil)
}

type fakeRows struct {
	result *ExpectedResult
	index  int
}

func (r *fakeRows) Columns() []string {
	return r.result.Columns
}

func (r *fakeRows) ColumnTypeDatabaseTypeName(i int) string {
	if i < len(r.result.Types) {
		return strings.ToUpper(r.result.Types[i])
	}
	return ""
}

func (r *fakeRows) Close() error {
	return nil
}

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.index >= len(r.result.Rows) {
		return io.EOF
	}
	row := r.result.Rows[r.index]
	r.index++
	if len(dest) != len(row) {
		return errors.New("fakedriver: destination slice length doesn't match row length")
	}
	for i, val := range row {
		dest[i] = val
	}
	return nil
}

var (
	_ driver.Driver                         = fakeDriver{}
	_ driver.Conn                           = (*fakeConn)(nil)
	_ driver.Pinger                         = (*fakeConn)(nil)
	_ driver.QueryerContext                 = (*fakeConn)(nil)
	_ driver.ExecerContext                  = (*fakeConn)(nil)
	_ driver.Stmt                           = (*fakeStmt)(nil)
	_ driver.Rows                           = (*fakeRows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*fakeRows)(nil)
)
