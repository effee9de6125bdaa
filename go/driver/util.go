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

package driver

import (
	"context"
	"strings"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
)

// DefaultFetchSize is the number of rows fetched per round-trip when reading
// a whole result.
const DefaultFetchSize = 256

// ReadAll drains rows into a result and closes it.
func ReadAll(ctx context.Context, rows Rows) (*sqltypes.Result, error) {
	defer rows.Close()
	fields, err := rows.Fields(ctx)
	if err != nil {
		return nil, err
	}
	result := &sqltypes.Result{Fields: fields}
	for {
		batch, err := rows.Fetch(ctx, DefaultFetchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		result.Rows = append(result.Rows, batch...)
	}
	return result, nil
}

// visitCode calls fn for every byte of sql that is outside string literals,
// quoted identifiers and comments.
func visitCode(sql string, fn func(i int, c byte)) {
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := closingQuote(sql, i+1, c)
			fn(i, c)
			i = end
		case c == '[':
			end := strings.IndexByte(sql[i+1:], ']')
			if end < 0 {
				return
			}
			fn(i, c)
			i += end + 1
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return
			}
			i += end - 1
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return
			}
			i += end + 3
		default:
			fn(i, c)
		}
	}
}

// closingQuote returns the index of the quote closing a literal that opened
// just before start. Doubled quotes are escapes.
func closingQuote(sql string, start int, q byte) int {
	for j := start; j < len(sql); j++ {
		if sql[j] == q {
			if j+1 < len(sql) && sql[j+1] == q {
				j++
				continue
			}
			return j
		}
	}
	return len(sql)
}

// CountPlaceholders returns the number of '?' placeholders in sql.
func CountPlaceholders(sql string) int {
	n := 0
	visitCode(sql, func(_ int, c byte) {
		if c == '?' {
			n++
		}
	})
	return n
}

// SplitStatements splits a batch on top-level semicolons and drops empty
// statements.
func SplitStatements(sql string) []string {
	var (
		stmts []string
		start int
	)
	visitCode(sql, func(i int, c byte) {
		if c == ';' {
			if s := strings.TrimSpace(sql[start:i]); s != "" {
				stmts = append(stmts, s)
			}
			start = i + 1
		}
	})
	if s := strings.TrimSpace(sql[start:]); s != "" && !onlyComments(s) {
		stmts = append(stmts, s)
	}
	return stmts
}

func onlyComments(s string) bool {
	code := false
	visitCode(s, func(_ int, c byte) {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			code = true
		}
	})
	return !code
}

var rowKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"VALUES":   true,
	"SHOW":     true,
	"PRAGMA":   true,
	"EXPLAIN":  true,
	"TABLE":    true,
	"DESCRIBE": true,
}

// ReturnsRows guesses from the leading keyword whether stmt produces a
// result set.
func ReturnsRows(stmt string) bool {
	var (
		word []byte
		done bool
	)
	visitCode(stmt, func(_ int, c byte) {
		switch {
		case done:
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			word = append(word, c)
		case len(word) > 0:
			done = true
		}
	})
	return rowKeywords[strings.ToUpper(string(word))]
}

// ExecMulti runs a batch statement by statement. Statements that return
// rows contribute a result set, others their affected row count. The first
// failure stops the batch.
func ExecMulti(ctx context.Context, conn Conn, sql string) ([]rowbuffer.Item, error) {
	stmts := SplitStatements(sql)
	if len(stmts) == 0 {
		return nil, mterrors.Validationf("batch contains no statements")
	}
	items := make([]rowbuffer.Item, 0, len(stmts))
	for i, stmt := range stmts {
		if ReturnsRows(stmt) {
			rows, err := conn.Query(ctx, stmt, nil)
			if err != nil {
				return nil, wrapBatch(err, i)
			}
			res, err := ReadAll(ctx, rows)
			if err != nil {
				return nil, wrapBatch(err, i)
			}
			items = append(items, rowbuffer.ResultSetItem(res))
			continue
		}
		n, err := conn.Exec(ctx, stmt, nil)
		if err != nil {
			return nil, wrapBatch(err, i)
		}
		items = append(items, rowbuffer.RowCountItem(n))
	}
	return items, nil
}

func wrapBatch(err error, i int) error {
	return mterrors.Wrap(err, mterrors.KindOf(err), mterrors.CodeOf(err), "statement %d of batch failed", i+1)
}
