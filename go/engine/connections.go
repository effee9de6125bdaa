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
	"strings"

	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
	"github.com/multigres/odbcx/go/driver/dialect"
	"github.com/multigres/odbcx/go/txn"
)

func (e *Engine) addConn(c *connEntry) uint64 {
	c.id = uint64(e.conns.Insert(c))
	return c.id
}

func (e *Engine) connect(ctx context.Context, r Connect) (uint64, error) {
	if strings.TrimSpace(r.DSN) == "" {
		return 0, invalidRequest("connection string must not be empty")
	}
	opts, err := driver.DecodeOptions(r.Options)
	if err != nil {
		return 0, err
	}
	conn, err := e.connector.Connect(ctx, r.DSN, opts)
	if err != nil {
		if !mterrors.HasCode(err, mterrors.CodeConnection) && mterrors.KindOf(err) != mterrors.Validation {
			err = mterrors.Wrap(err, mterrors.ConnectionLost, mterrors.CodeConnection, "cannot connect")
		}
		return 0, err
	}
	id := e.addConn(&connEntry{conn: conn})
	e.logger.InfoContext(ctx, "connection opened", "conn", id, "dialect", conn.Dialect().Name)
	return id, nil
}

func (e *Engine) disconnect(ctx context.Context, r Disconnect) error {
	c, err := e.conn(r.ConnID)
	if err != nil {
		return err
	}
	if c.pooled != nil {
		return invalidRequest("connection %d belongs to pool %d, release it instead", r.ConnID, c.poolID)
	}
	if _, err := e.conns.Remove(handles.ID(r.ConnID)); err != nil {
		return err
	}
	e.release(ctx, r.ConnID, false)
	e.logger.InfoContext(ctx, "connection closed", "conn", r.ConnID)
	return c.conn.Close()
}

func (e *Engine) query(ctx context.Context, r Query) ([]byte, error) {
	if err := requireSQL(r.SQL); err != nil {
		return nil, err
	}
	c, err := e.conn(r.ConnID)
	if err != nil {
		return nil, err
	}
	rows, err := c.conn.Query(ctx, r.SQL, r.Params)
	if err != nil {
		return nil, err
	}
	res, err := driver.ReadAll(ctx, rows)
	if err != nil {
		return nil, err
	}
	return rowbuffer.Encode(res)
}

func (e *Engine) exec(ctx context.Context, r Exec) (uint64, error) {
	if err := requireSQL(r.SQL); err != nil {
		return 0, err
	}
	c, err := e.conn(r.ConnID)
	if err != nil {
		return 0, err
	}
	return c.conn.Exec(ctx, r.SQL, r.Params)
}

func (e *Engine) executeMulti(ctx context.Context, r ExecuteMulti) ([]byte, error) {
	if err := requireSQL(r.SQL); err != nil {
		return nil, err
	}
	c, err := e.conn(r.ConnID)
	if err != nil {
		return nil, err
	}
	items, err := driver.ExecMulti(ctx, c.conn, r.SQL)
	if err != nil {
		return nil, err
	}
	return rowbuffer.EncodeMultiResult(items)
}

// bulkInsert runs one prepared INSERT per encoded row. Outside a
// transaction the rows are inserted atomically in an implicit one.
func (e *Engine) bulkInsert(ctx context.Context, r BulkInsert) (uint64, error) {
	c, err := e.conn(r.ConnID)
	if err != nil {
		return 0, err
	}
	res, err := rowbuffer.Decode(r.EncodedRows)
	if err != nil {
		return 0, err
	}
	if uint64(len(res.Rows)) != uint64(r.RowCount) {
		return 0, invalidRequest("row count %d does not match the %d encoded rows", r.RowCount, len(res.Rows))
	}
	columns := r.Columns
	if len(columns) == 0 {
		columns = res.FieldNames()
	}
	if len(columns) != len(res.Fields) {
		return 0, invalidRequest("%d column names given for %d encoded columns", len(columns), len(res.Fields))
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	sql, err := insertStatement(c.conn.Dialect(), r.Table, columns)
	if err != nil {
		return 0, err
	}

	var implicit *txn.Transaction
	if _, ok := e.txns.ActiveFor(r.ConnID); !ok {
		if implicit, err = e.txns.Begin(ctx, r.ConnID, c.conn, dialect.IsolationDefault); err != nil {
			return 0, err
		}
	}
	n, err := insertRows(ctx, c.conn, sql, res)
	if implicit == nil {
		return n, err
	}
	if err != nil {
		if rbErr := e.txns.Rollback(ctx, implicit.ID()); rbErr != nil {
			e.logger.WarnContext(ctx, "rollback after failed bulk insert failed", "conn", r.ConnID, "error", rbErr)
		}
		return 0, err
	}
	if err := e.txns.Commit(ctx, implicit.ID()); err != nil {
		return 0, err
	}
	return n, nil
}

func insertStatement(d *dialect.Dialect, table string, columns []string) (string, error) {
	quoted, err := d.QuoteIdent(table)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoted)
	sb.WriteString(" (")
	for i, col := range columns {
		q, err := d.QuoteIdent(col)
		if err != nil {
			return "", err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(q)
	}
	sb.WriteString(") VALUES (")
	sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	sb.WriteString(")")
	return sb.String(), nil
}

func insertRows(ctx context.Context, conn driver.Conn, sql string, res *sqltypes.Result) (uint64, error) {
	stmt, err := conn.Prepare(ctx, sql)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var total uint64
	params := make([]sqltypes.Param, len(res.Fields))
	for i, row := range res.Rows {
		for j, v := range row.Values {
			p, err := sqltypes.ParamFromValue(res.Fields[j].Type, v)
			if err != nil {
				return total, mterrors.Wrap(err, mterrors.Validation, mterrors.CodeValidation,
					"row %d column %q", i, res.Fields[j].Name)
			}
			params[j] = p
		}
		n, err := stmt.Exec(ctx, params)
		if err != nil {
			return total, mterrors.Wrap(err, mterrors.KindOf(err), mterrors.CodeOf(err), "row %d", i)
		}
		total += n
	}
	return total, nil
}
