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
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/odbcx/go/client"
	"github.com/multigres/odbcx/go/config"
	"github.com/multigres/odbcx/go/tools/telemetry"
)

const serviceName = "odbcx"

// OdbcxCommand holds the state shared by the odbcx subcommands.
type OdbcxCommand struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    *slog.Logger
	logCloser io.Closer

	output      string
	metricsAddr string
}

// GetRootCommand creates the root command with all subcommands. fs backs
// the config file and file log outputs; nil means the OS filesystem.
func GetRootCommand(fs afero.Fs) (*cobra.Command, *OdbcxCommand) {
	oc := &OdbcxCommand{
		cfg:       config.New(fs),
		telemetry: telemetry.NewTelemetry(),
	}

	var span trace.Span

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Run statements against ODBC-style data sources",
		Long: `odbcx drives the execution engine from the command line.

Settings come from flags, ODBCX_* environment variables and an optional
odbcx.yaml config file, in that order of precedence.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := oc.cfg.Load(); err != nil {
				return err
			}
			if err := oc.cfg.Validate(); err != nil {
				return err
			}
			switch oc.output {
			case "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q", oc.output)
			}
			logger, closer, err := oc.cfg.SetupLogging()
			if err != nil {
				return err
			}
			oc.logger, oc.logCloser = logger, closer
			if span, err = oc.telemetry.InitForCommand(cmd, serviceName, true /* startSpan */); err != nil {
				return err
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if span != nil {
				span.End()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var errs []error
			if err := oc.telemetry.ShutdownTelemetry(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown OpenTelemetry: %w", err))
			}
			if oc.logCloser != nil {
				errs = append(errs, oc.logCloser.Close())
			}
			return errors.Join(errs...)
		},
	}

	oc.cfg.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().StringVarP(&oc.output, "output", "o", "yaml", "Output format (yaml, json)")
	root.PersistentFlags().StringVar(&oc.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	AddQueryCommand(root, oc)
	AddStreamCommand(root, oc)
	AddPingCommand(root, oc)

	return root, oc
}

// dsn returns the configured connection string or an error if it is unset.
func (oc *OdbcxCommand) dsn() (string, error) {
	dsn := oc.cfg.DSN()
	if dsn == "" {
		return "", errors.New("dsn needs to be set")
	}
	return dsn, nil
}

// openClient starts an engine configured from the loaded settings. The
// returned function shuts it down along with the metrics server.
func (oc *OdbcxCommand) openClient(ctx context.Context, withRetry bool) (*client.Client, func(), error) {
	engineCfg := oc.cfg.Engine()
	engineCfg.TracerProvider = oc.telemetry.GetTracerProvider()
	engineCfg.MeterProvider = oc.telemetry.GetMeterProvider()
	opts := client.Options{
		Engine: engineCfg,
		Bridge: oc.cfg.Bridge(),
		Logger: oc.logger,
	}
	if withRetry {
		p := oc.cfg.RetryPolicy()
		opts.Retry = &p
	}
	c, err := client.Open(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if oc.metricsAddr != "" {
		lis, err := net.Listen("tcp", oc.metricsAddr)
		if err != nil {
			_ = c.Close(ctx)
			return nil, nil, fmt.Errorf("metrics listener: %w", err)
		}
		srv = &http.Server{Handler: metricsHandler(c), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				oc.logger.Error("metrics server failed", "error", err)
			}
		}()
		oc.logger.Info("serving metrics", "address", lis.Addr().String())
	}

	return c, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := c.Close(ctx); err != nil {
			oc.logger.Warn("engine shutdown failed", "error", err)
		}
	}, nil
}

// metricsHandler exposes the engine counters in the Prometheus text format.
func metricsHandler(c *client.Client) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(telemetry.NewCollector(serviceName, func() telemetry.Snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := c.Metrics(ctx)
		if err != nil {
			slog.Warn("reading engine metrics failed", "error", err)
		}
		return snap
	}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
