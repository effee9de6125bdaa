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

package sqldriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
)

const sqliteMemory = "Driver={SQLite3};Database=:memory:"

func TestSQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	conn, err := Connect(ctx, sqliteMemory, driver.Options{})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "sqlite", conn.Dialect().Name)

	_, err = conn.Exec(ctx, "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT, score REAL, balance DECIMAL(10,2), photo BLOB)", nil)
	require.NoError(t, err)

	n, err := conn.Exec(ctx, "INSERT INTO people (id, name, score, balance, photo) VALUES (?, ?, ?, ?, ?)", []sqltypes.Param{
		sqltypes.Int64Param(1),
		sqltypes.StringParam("Alice"),
		sqltypes.Float64Param(9.5),
		sqltypes.DecimalParam("10.25"),
		sqltypes.BinaryParam([]byte{0xde, 0xad}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	_, err = conn.Exec(ctx, "INSERT INTO people (id, name) VALUES (?, ?)", []sqltypes.Param{
		sqltypes.Int64Param(2),
		sqltypes.NullParam(),
	})
	require.NoError(t, err)

	rows, err := conn.Query(ctx, "SELECT id, name, score, photo FROM people ORDER BY id", nil)
	require.NoError(t, err)
	res, err := driver.ReadAll(ctx, rows)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "score", "photo"}, res.FieldNames())
	assert.Equal(t, sqltypes.TypeBigInt, res.Fields[0].Type)
	assert.Equal(t, sqltypes.TypeVarChar, res.Fields[1].Type)
	assert.Equal(t, sqltypes.TypeDouble, res.Fields[2].Type)
	assert.Equal(t, sqltypes.TypeVarBinary, res.Fields[3].Type)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Alice", string(res.Rows[0].Values[1]))
	assert.Equal(t, sqltypes.Value{0xde, 0xad}, res.Rows[0].Values[3])
	assert.True(t, res.Rows[1].Values[1].IsNull())

	buf, err := rowbuffer.Encode(res)
	require.NoError(t, err)
	decoded, err := rowbuffer.Decode(buf)
	require.NoError(t, err)
	assert.True(t, res.Equal(decoded))
}

func TestSQLiteSyntaxError(t *testing.T) {
	ctx := context.Background()
	conn, err := Connect(ctx, sqliteMemory, driver.Options{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(ctx, "SELEC nothing", nil)
	require.Error(t, err)
	var me *mterrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, mterrors.Fatal, me.Kind)
	assert.Equal(t, "42000", me.SQLState)
	assert.Equal(t, mterrors.CodeQuery, me.Code)
}

func TestSQLiteExecMulti(t *testing.T) {
	ctx := context.Background()
	conn, err := Connect(ctx, sqliteMemory, driver.Options{})
	require.NoError(t, err)
	defer conn.Close()

	items, err := driver.ExecMulti(ctx, conn, `
		CREATE TABLE t (v TEXT);
		INSERT INTO t VALUES ('a;b'), ('c');
		SELECT v FROM t ORDER BY v;
		-- trailing comment
	`)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, rowbuffer.ItemRowCount, items[0].Kind)
	assert.Equal(t, rowbuffer.ItemRowCount, items[1].Kind)
	assert.Equal(t, uint64(2), items[1].RowCount)
	require.Equal(t, rowbuffer.ItemResultSet, items[2].Kind)
	require.Len(t, items[2].Result.Rows, 2)
	assert.Equal(t, "a;b", string(items[2].Result.Rows[0].Values[0]))
}

func TestConnectRejectsUnknownDialect(t *testing.T) {
	_, err := Connect(context.Background(), sqliteMemory, driver.Options{Dialect: "oracle"})
	require.Error(t, err)
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	_, err = Connect(context.Background(), "", driver.Options{})
	require.Error(t, err)
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, err := Connect(context.Background(), sqliteMemory, driver.Options{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	_, err = conn.Exec(context.Background(), "SELECT 1", nil)
	assert.ErrorIs(t, err, mterrors.ErrConnection)
}
