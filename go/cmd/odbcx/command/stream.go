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
	"github.com/spf13/cobra"

	"github.com/multigres/odbcx/go/client"
)

// StreamCmd holds the stream command configuration.
type StreamCmd struct {
	oc   *OdbcxCommand
	args []string
}

// AddStreamCommand adds the stream subcommand to the root command.
func AddStreamCommand(root *cobra.Command, oc *OdbcxCommand) {
	s := &StreamCmd{oc: oc}
	cmd := &cobra.Command{
		Use:   "stream SQL",
		Short: "Stream a query result chunk by chunk",
		Long: `Stream the result of a query, printing each chunk as soon as it arrives.
With --output json every row is printed as a JSON array on its own line; with
yaml every chunk is a separate document. Chunks hold --fetch-size rows.

Examples:
  odbcx stream --dsn "$DSN" --fetch-size 500 'SELECT * FROM events'`,
		Args: cobra.ExactArgs(1),
		RunE: s.run,
	}
	cmd.Flags().StringArrayVar(&s.args, "arg", nil, "Statement parameter, repeatable")
	root.AddCommand(cmd)
}

func (s *StreamCmd) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dsn, err := s.oc.dsn()
	if err != nil {
		return err
	}
	c, done, err := s.oc.openClient(ctx, true)
	if err != nil {
		return err
	}
	defer done()

	conn, err := c.Connect(ctx, dsn, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	st, err := conn.Stream(ctx, client.StreamOptions{}, args[0], params(s.args)...)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(ctx) }()

	enc, closeFn := newEncoder(cmd.OutOrStdout(), s.oc.output)
	rows := 0
	for res, err := range st.Chunks(ctx) {
		if err != nil {
			return err
		}
		if s.oc.output == "json" {
			for _, row := range res.Rows {
				if err := enc.Encode(rowValues(res.Fields, row)); err != nil {
					return err
				}
			}
		} else if err := enc.Encode(viewOf(res)); err != nil {
			return err
		}
		rows += len(res.Rows)
	}
	s.oc.logger.DebugContext(ctx, "stream finished", "rows", rows)
	return closeFn()
}
