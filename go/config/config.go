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

// Package config loads odbcx settings from flags, ODBCX_ environment
// variables and an optional YAML config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/engine"
	"github.com/multigres/odbcx/go/stream"
	"github.com/multigres/odbcx/go/tools/retry"
)

// EnvPrefix is prepended to environment variable names. A key such as
// "fetch-size" is read from ODBCX_FETCH_SIZE.
const EnvPrefix = "ODBCX"

// DefaultConfigName is searched for in the config paths when no config file
// is given.
const DefaultConfigName = "odbcx"

const (
	keyConfigFile  = "config-file"
	keyConfigPaths = "config-path"

	keyDSN = "dsn"

	keyLogLevel  = "log-level"
	keyLogFormat = "log-format"
	keyLogOutput = "log-output"

	keyStatementCacheSize = "statement-cache-size"
	keyFetchSize          = "fetch-size"
	keyMaxBufferSize      = "max-buffer-size"

	keyPoolCheckoutTimeout     = "pool-checkout-timeout"
	keyPoolIdleTimeout         = "pool-idle-timeout"
	keyPoolMaxLifetime         = "pool-max-lifetime"
	keyPoolHealthCheckInterval = "pool-health-check-interval"
	keyPoolValidateOnCheckout  = "pool-validate-on-checkout"

	keyRequestTimeout = "request-timeout"
	keyPollInterval   = "poll-interval"
	keyMaxParallel    = "max-parallel"
	keyQueueSize      = "queue-size"
	keyRecover        = "recover"

	keyRetryMaxAttempts  = "retry-max-attempts"
	keyRetryInitialDelay = "retry-initial-delay"
	keyRetryMultiplier   = "retry-multiplier"
	keyRetryMaxDelay     = "retry-max-delay"
)

// Config is a set of settings backed by its own viper instance.
type Config struct {
	v  *viper.Viper
	fs afero.Fs
}

// New returns a config holding the defaults. fs is used for the config
// file and file log outputs; nil means the OS filesystem.
func New(fs afero.Fs) *Config {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	policy := retry.DefaultPolicy()
	for key, val := range map[string]any{
		keyConfigPaths:             []string{"."},
		keyLogLevel:                "info",
		keyLogFormat:               "json",
		keyLogOutput:               "stderr",
		keyStatementCacheSize:      100,
		keyFetchSize:               stream.DefaultFetchSize,
		keyMaxBufferSize:           stream.DefaultMaxBufferSize,
		keyPoolCheckoutTimeout:     30 * time.Second,
		keyPoolIdleTimeout:         10 * time.Minute,
		keyPoolMaxLifetime:         time.Duration(0),
		keyPoolHealthCheckInterval: time.Minute,
		keyPoolValidateOnCheckout:  true,
		keyRequestTimeout:          bridge.DefaultRequestTimeout,
		keyPollInterval:            bridge.DefaultPollInterval,
		keyMaxParallel:             bridge.DefaultMaxParallel,
		keyQueueSize:               bridge.DefaultQueueSize,
		keyRecover:                 false,
		keyRetryMaxAttempts:        policy.MaxAttempts,
		keyRetryInitialDelay:       policy.InitialDelay,
		keyRetryMultiplier:         policy.Multiplier,
		keyRetryMaxDelay:           policy.MaxDelay,
	} {
		v.SetDefault(key, val)
	}
	return &Config{v: v, fs: fs}
}

// RegisterFlags installs one flag per setting and binds them, so that a
// flag set on the command line wins over every other source.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	v := c.v
	fs.String(keyConfigFile, "", "Full path of the config file. If set, --config-path is ignored.")
	fs.StringSlice(keyConfigPaths, v.GetStringSlice(keyConfigPaths), "Paths searched for "+DefaultConfigName+".yaml.")
	fs.String(keyDSN, "", "Connection string, e.g. Driver={SQLite3};Database=:memory:")

	fs.String(keyLogLevel, v.GetString(keyLogLevel), "Log level (debug, info, warn, error)")
	fs.String(keyLogFormat, v.GetString(keyLogFormat), "Log format (json, text)")
	fs.String(keyLogOutput, v.GetString(keyLogOutput), "Log output (stdout, stderr, or file path)")

	fs.Int(keyStatementCacheSize, v.GetInt(keyStatementCacheSize), "Maximum number of cached prepared statements")
	fs.Int(keyFetchSize, v.GetInt(keyFetchSize), "Rows fetched per stream chunk")
	fs.Int(keyMaxBufferSize, v.GetInt(keyMaxBufferSize), "Chunks buffered per stream before fetching pauses")

	fs.Duration(keyPoolCheckoutTimeout, v.GetDuration(keyPoolCheckoutTimeout), "How long a checkout waits on an exhausted pool (0 waits forever)")
	fs.Duration(keyPoolIdleTimeout, v.GetDuration(keyPoolIdleTimeout), "Close pooled connections idle for longer than this (0 disables)")
	fs.Duration(keyPoolMaxLifetime, v.GetDuration(keyPoolMaxLifetime), "Close pooled connections older than this (0 disables)")
	fs.Duration(keyPoolHealthCheckInterval, v.GetDuration(keyPoolHealthCheckInterval), "Interval of background idle connection checks (0 disables)")
	fs.Bool(keyPoolValidateOnCheckout, v.GetBool(keyPoolValidateOnCheckout), "Ping pooled connections before handing them out")

	fs.Duration(keyRequestTimeout, v.GetDuration(keyRequestTimeout), "Per-request timeout (negative disables)")
	fs.Duration(keyPollInterval, v.GetDuration(keyPollInterval), "Worker liveness polling interval")
	fs.Int(keyMaxParallel, v.GetInt(keyMaxParallel), "Requests the worker runs at once")
	fs.Int(keyQueueSize, v.GetInt(keyQueueSize), "Requests queued for the worker before submitters wait")
	fs.Bool(keyRecover, v.GetBool(keyRecover), "Respawn the worker after it terminates")

	fs.Int(keyRetryMaxAttempts, v.GetInt(keyRetryMaxAttempts), "Attempts made by retried operations")
	fs.Duration(keyRetryInitialDelay, v.GetDuration(keyRetryInitialDelay), "Delay before the first retry")
	fs.Float64(keyRetryMultiplier, v.GetFloat64(keyRetryMultiplier), "Growth factor of the retry delay")
	fs.Duration(keyRetryMaxDelay, v.GetDuration(keyRetryMaxDelay), "Upper bound of the retry delay")

	// Unchanged flags fall back below env and config file values.
	_ = v.BindPFlags(fs)
}

// Load reads the config file. An explicit --config-file must exist; a
// config searched for in the config paths is optional.
func (c *Config) Load() error {
	if file := c.v.GetString(keyConfigFile); file != "" {
		c.v.SetConfigFile(file)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", file, err)
		}
		return nil
	}
	c.v.SetConfigName(DefaultConfigName)
	c.v.SetConfigType("yaml")
	for _, p := range c.v.GetStringSlice(keyConfigPaths) {
		c.v.AddConfigPath(p)
	}
	err := c.v.ReadInConfig()
	if err == nil || isConfigFileNotFound(err) {
		return nil
	}
	return fmt.Errorf("reading config: %w", err)
}

func isConfigFileNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	if errors.As(err, &nf) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}

// Set overrides a setting.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// DSN returns the configured connection string.
func (c *Config) DSN() string {
	return c.v.GetString(keyDSN)
}

// Engine returns the engine settings.
func (c *Config) Engine() engine.Config {
	v := c.v
	return engine.Config{
		StatementCacheSize:        v.GetInt(keyStatementCacheSize),
		FetchSize:                 v.GetInt(keyFetchSize),
		MaxBufferSize:             v.GetInt(keyMaxBufferSize),
		PoolCheckoutTimeout:       v.GetDuration(keyPoolCheckoutTimeout),
		PoolIdleTimeout:           v.GetDuration(keyPoolIdleTimeout),
		PoolMaxLifetime:           v.GetDuration(keyPoolMaxLifetime),
		PoolHealthCheckInterval:   v.GetDuration(keyPoolHealthCheckInterval),
		DisableCheckoutValidation: !v.GetBool(keyPoolValidateOnCheckout),
	}
}

// Bridge returns the worker bridge settings.
func (c *Config) Bridge() bridge.Config {
	v := c.v
	return bridge.Config{
		RequestTimeout: v.GetDuration(keyRequestTimeout),
		PollInterval:   v.GetDuration(keyPollInterval),
		MaxParallel:    v.GetInt(keyMaxParallel),
		QueueSize:      v.GetInt(keyQueueSize),
		Recover:        v.GetBool(keyRecover),
	}
}

// RetryPolicy returns the retry settings with the default predicate.
func (c *Config) RetryPolicy() retry.Policy {
	v := c.v
	p := retry.DefaultPolicy()
	p.MaxAttempts = v.GetInt(keyRetryMaxAttempts)
	p.InitialDelay = v.GetDuration(keyRetryInitialDelay)
	p.Multiplier = v.GetFloat64(keyRetryMultiplier)
	p.MaxDelay = v.GetDuration(keyRetryMaxDelay)
	return p
}

// Validate reports settings that would be rejected later by the components
// that use them.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.v.GetString(keyLogLevel)); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.v.GetString(keyLogFormat)); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", f))
	}
	for _, key := range []string{keyStatementCacheSize, keyFetchSize, keyMaxBufferSize, keyMaxParallel, keyQueueSize} {
		if c.v.GetInt(key) < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if p := c.RetryPolicy(); p.MaxAttempts < 1 || p.Multiplier < 1 || p.InitialDelay < 0 || p.MaxDelay < 0 {
		errs = append(errs, errors.New("invalid retry settings"))
	}
	return errors.Join(errs...)
}
