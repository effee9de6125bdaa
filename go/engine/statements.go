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

	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/driver"
)

func (e *Engine) prepare(ctx context.Context, r Prepare) (PrepareResult, error) {
	if err := requireSQL(r.SQL); err != nil {
		return PrepareResult{}, err
	}
	c, err := e.conn(r.ConnID)
	if err != nil {
		return PrepareResult{}, err
	}
	id, hit, err := e.stmts.Prepare(ctx, r.ConnID, r.SQL, func(ctx context.Context) (driver.Stmt, error) {
		return c.conn.Prepare(ctx, r.SQL)
	})
	if err != nil {
		return PrepareResult{}, err
	}
	info, _ := e.stmts.Info(id)
	return PrepareResult{StatementID: id, ParamCount: info.ParamCount, Hit: hit}, nil
}

func (e *Engine) executePrepared(ctx context.Context, r ExecutePrepared) (ExecuteResult, error) {
	if _, err := e.conn(r.ConnID); err != nil {
		return ExecuteResult{}, err
	}
	// Validate without touching the entry.
	if info, ok := e.stmts.Info(r.StatementID); ok {
		if info.ConnID != r.ConnID {
			return ExecuteResult{}, invalidRequest("statement %d was prepared on connection %d, not %d",
				r.StatementID, info.ConnID, r.ConnID)
		}
		if info.ParamCount >= 0 && info.ParamCount != len(r.Params) {
			return ExecuteResult{}, invalidRequest("statement %d takes %d parameters, got %d",
				r.StatementID, info.ParamCount, len(r.Params))
		}
	}
	stmt, info, err := e.stmts.Acquire(r.StatementID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !driver.ReturnsRows(info.SQL) {
		n, err := stmt.Exec(ctx, r.Params)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{RowsAffected: n}, nil
	}
	rows, err := stmt.Query(ctx, r.Params)
	if err != nil {
		return ExecuteResult{}, err
	}
	res, err := driver.ReadAll(ctx, rows)
	if err != nil {
		return ExecuteResult{}, err
	}
	buf, err := rowbuffer.Encode(res)
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{RowBuffer: buf}, nil
}
