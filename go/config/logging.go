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

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/multigres/odbcx/go/tools/telemetry"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (c *Config) logOutput() (io.WriteCloser, error) {
	switch out := c.v.GetString(keyLogOutput); strings.ToLower(out) {
	case "", "stderr":
		return nopCloser{os.Stderr}, nil
	case "stdout":
		return nopCloser{os.Stdout}, nil
	default:
		f, err := c.fs.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log output: %w", err)
		}
		return f, nil
	}
}

// SetupLogging builds the logger described by log-level, log-format and
// log-output, installs it as the slog default and returns it with the
// closer of its output. Records logged inside a span carry its trace and
// span ids.
func (c *Config) SetupLogging() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.v.GetString(keyLogLevel))
	if err != nil {
		return nil, nil, err
	}
	out, err := c.logOutput()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format := strings.ToLower(c.v.GetString(keyLogFormat)); format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = out.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}
	logger := slog.New(telemetry.WrapSlogHandler(handler))
	slog.SetDefault(logger)
	logger.Debug("logging initialized",
		"level", level.String(),
		"format", c.v.GetString(keyLogFormat),
		"output", c.v.GetString(keyLogOutput),
		"config_file", c.ConfigFileUsed(),
	)
	return logger, out, nil
}
