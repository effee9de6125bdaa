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

package command

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/driver"
)

// QueryCmd holds the query command configuration.
type QueryCmd struct {
	oc    *OdbcxCommand
	args  []string
	multi bool
}

// AddQueryCommand adds the query subcommand to the root command.
func AddQueryCommand(root *cobra.Command, oc *OdbcxCommand) {
	q := &QueryCmd{oc: oc}
	cmd := &cobra.Command{
		Use:   "query SQL",
		Short: "Run a statement and print its result",
		Long: `Run a statement on a dedicated connection and print the result set, or the
affected row count for statements that return no rows.

Examples:
  # Read a table
  odbcx query --dsn 'Driver={SQLite3};Database=app.db' 'SELECT * FROM users'

  # Bind parameters, which are passed as strings
  odbcx query --dsn "$DSN" --arg 42 'SELECT name FROM users WHERE id = ?'

  # Run a batch, printing one result per statement
  odbcx query --dsn "$DSN" --multi 'CREATE TABLE t (a INT); INSERT INTO t VALUES (1); SELECT a FROM t'`,
		Args: cobra.ExactArgs(1),
		RunE: q.run,
	}
	cmd.Flags().StringArrayVar(&q.args, "arg", nil, "Statement parameter, repeatable")
	cmd.Flags().BoolVar(&q.multi, "multi", false, "Split the statement on semicolons and print every result")
	root.AddCommand(cmd)
}

func (q *QueryCmd) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dsn, err := q.oc.dsn()
	if err != nil {
		return err
	}
	c, done, err := q.oc.openClient(ctx, true)
	if err != nil {
		return err
	}
	defer done()

	conn, err := c.Connect(ctx, dsn, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	sql := args[0]
	out := cmd.OutOrStdout()
	switch {
	case q.multi:
		if len(q.args) > 0 {
			return errMultiArgs
		}
		items, err := conn.ExecuteMulti(ctx, sql)
		if err != nil {
			return err
		}
		views := make([]resultView, len(items))
		for i, item := range items {
			if item.Kind == rowbuffer.ItemRowCount {
				views[i] = resultView{RowsAffected: item.RowCount}
				continue
			}
			views[i] = viewOf(item.Result)
		}
		return write(out, q.oc.output, views)
	case driver.ReturnsRows(sql):
		res, err := conn.Query(ctx, sql, params(q.args)...)
		if err != nil {
			return err
		}
		return write(out, q.oc.output, viewOf(res))
	default:
		n, err := conn.Exec(ctx, sql, params(q.args)...)
		if err != nil {
			return err
		}
		return write(out, q.oc.output, resultView{RowsAffected: n})
	}
}

var errMultiArgs = errors.New("--arg cannot be used with --multi")

func params(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
