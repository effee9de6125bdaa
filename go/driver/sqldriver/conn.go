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

// Package sqldriver implements the driver boundary on top of database/sql
// through sqlx. Each Conn owns a dedicated *sql.Conn so that transaction and
// savepoint statements issued as plain SQL stay on one session.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	// Drivers selected by the built-in dialect tables.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// Connector opens connections through database/sql.
var Connector driver.Connector = driver.ConnectorFunc(func(ctx context.Context, dsn string, opts driver.Options) (driver.Conn, error) {
	return Connect(ctx, dsn, opts)
})

// Conn is a driver.Conn backed by a single database/sql session.
type Conn struct {
	db      *sqlx.DB
	conn    *sqlx.Conn
	dialect *dialect.Dialect
	opts    driver.Options

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ driver.Conn = (*Conn)(nil)

// Connect parses dsn, selects a dialect and opens a session.
func Connect(ctx context.Context, dsnString string, opts driver.Options) (*Conn, error) {
	dsn, err := dialect.ParseDSN(dsnString)
	if err != nil {
		return nil, err
	}
	var d *dialect.Dialect
	if opts.Dialect != "" {
		var ok bool
		if d, ok = dialect.Lookup(opts.Dialect); !ok {
			return nil, mterrors.Validationf("unknown dialect %q", opts.Dialect)
		}
	} else if d, err = dialect.Detect(dsn); err != nil {
		return nil, err
	}
	ds, err := d.DataSource(dsn, opts.LoginTimeout)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.SQLDriver, ds)
	if err != nil {
		return nil, mterrors.Wrap(err, mterrors.Fatal, mterrors.CodeConnection, "cannot open %s data source %s", d.Name, dsn)
	}
	return Open(ctx, db, d, opts)
}

// Open takes ownership of db and opens a dedicated session on it.
func Open(ctx context.Context, db *sqlx.DB, d *dialect.Dialect, opts driver.Options) (*Conn, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if opts.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.LoginTimeout)
		defer cancel()
	}
	conn, err := db.Connx(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, connectError(err, d)
	}
	return &Conn{db: db, conn: conn, dialect: d, opts: opts}, nil
}

func connectError(err error, d *dialect.Dialect) error {
	e := classify(err, d, mterrors.CodeConnection)
	if e.SQLState == "" {
		e.Kind = mterrors.ConnectionLost
	}
	e.Message = "cannot connect to " + d.Name + " data source"
	return e
}

// Dialect implements driver.Conn.
func (c *Conn) Dialect() *dialect.Dialect {
	return c.dialect
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.QueryTimeout)
	}
	return ctx, func() {}
}

// fail classifies err and marks the connection broken when the error says
// the session is gone.
func (c *Conn) fail(err error, code mterrors.Code) error {
	e := classify(err, c.dialect, code)
	if e.Kind == mterrors.ConnectionLost {
		c.closed.Store(true)
	}
	return e
}

func (c *Conn) checkOpen() error {
	if c.closed.Load() {
		return mterrors.New(mterrors.ConnectionLost, mterrors.CodeConnection, "connection is closed")
	}
	return nil
}

// Ping implements driver.Conn by running the dialect's probe statement.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.dialect.PingSQL == "" {
		if err := c.conn.PingContext(ctx); err != nil {
			return c.fail(err, mterrors.CodeConnection)
		}
		return nil
	}
	rows, err := c.conn.QueryContext(ctx, c.dialect.PingSQL)
	if err != nil {
		return c.fail(err, mterrors.CodeConnection)
	}
	for rows.Next() {
	}
	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return c.fail(err, mterrors.CodeConnection)
	}
	return nil
}

// Query implements driver.Conn.
func (c *Conn) Query(ctx context.Context, query string, params []sqltypes.Param) (driver.Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	args, err := convertParams(params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	rows, err := c.conn.QueryxContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		cancel()
		return nil, c.fail(err, mterrors.CodeQuery)
	}
	return newRows(c, rows, cancel), nil
}

// Exec implements driver.Conn.
func (c *Conn) Exec(ctx context.Context, query string, params []sqltypes.Param) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.opts.ReadOnly {
		return 0, mterrors.Validationf("connection is read-only")
	}
	args, err := convertParams(params)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.conn.ExecContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return 0, c.fail(err, mterrors.CodeQuery)
	}
	return rowsAffected(res), nil
}

// Prepare implements driver.Conn.
func (c *Conn) Prepare(ctx context.Context, query string) (driver.Stmt, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	st, err := c.conn.PreparexContext(ctx, c.dialect.Rebind(query))
	if err != nil {
		return nil, c.fail(err, mterrors.CodeQuery)
	}
	return &stmt{conn: c, stmt: st, numInput: driver.CountPlaceholders(query)}, nil
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close implements driver.Conn. It is safe to call more than once and
// concurrently with a caller still using the connection.
func (c *Conn) Close() error {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		err := errors.Join(c.conn.Close(), c.db.Close())
		if !errors.Is(err, sql.ErrConnDone) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func convertParams(params []sqltypes.Param) ([]any, error) {
	args, err := sqltypes.ParamsToDriver(params)
	if err != nil {
		return nil, mterrors.Wrap(err, mterrors.Validation, mterrors.CodeValidation, "invalid parameters")
	}
	return args, nil
}

func rowsAffected(res sql.Result) uint64 {
	n, err := res.RowsAffected()
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}
