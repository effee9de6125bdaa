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
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/tools/retry"
)

// PingCmd holds the ping command configuration.
type PingCmd struct {
	oc   *OdbcxCommand
	wait time.Duration
}

// PingResult is printed by a successful ping.
type PingResult struct {
	OK       bool          `json:"ok" yaml:"ok"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
}

// AddPingCommand adds the ping subcommand to the root command.
func AddPingCommand(root *cobra.Command, oc *OdbcxCommand) {
	p := &PingCmd{oc: oc}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the data source accepts connections",
		Long: `Open a connection to the data source and close it again.

With --wait, retryable failures such as refused connections are retried with
exponential backoff until the data source answers or the wait expires.

Examples:
  # Wait up to a minute for a database container to come up
  odbcx ping --dsn "$DSN" --wait 1m`,
		Args: cobra.NoArgs,
		RunE: p.run,
	}
	cmd.Flags().DurationVar(&p.wait, "wait", 0, "Keep retrying for this long")
	root.AddCommand(cmd)
}

func (p *PingCmd) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dsn, err := p.oc.dsn()
	if err != nil {
		return err
	}
	c, done, err := p.oc.openClient(ctx, false)
	if err != nil {
		return err
	}
	defer done()

	if p.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.wait)
		defer cancel()
	}

	start := time.Now()
	var lastErr error
	for attempt, err := range retry.NewBackoff(50*time.Millisecond, 2*time.Second).Attempts(ctx) {
		if err != nil {
			return errors.Join(lastErr, err)
		}
		conn, err := c.Connect(ctx, dsn, nil)
		if err == nil {
			if err := conn.Close(ctx); err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), p.oc.output, PingResult{
				OK:       true,
				Attempts: attempt,
				Elapsed:  time.Since(start),
			})
		}
		lastErr = err
		if p.wait <= 0 || !mterrors.IsRetryable(err) {
			return err
		}
		p.oc.logger.InfoContext(ctx, "data source not ready", "attempt", attempt, "error", err)
	}
	return lastErr
}
