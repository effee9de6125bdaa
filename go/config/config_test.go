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
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
dsn: "Driver={SQLite3};Database=/tmp/test.db"
fetch-size: 7
pool-checkout-timeout: 2s
pool-validate-on-checkout: false
recover: true
retry-max-attempts: 5
`

func newTestConfig(t *testing.T, files map[string]string, args ...string) (*Config, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
	c := New(fs)
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	return c, fs
}

func TestDefaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	require.NoError(t, c.Load())
	assert.Empty(t, c.ConfigFileUsed())
	require.NoError(t, c.Validate())

	ec := c.Engine()
	assert.Equal(t, 100, ec.StatementCacheSize)
	assert.Equal(t, 100, ec.FetchSize)
	assert.Equal(t, 4, ec.MaxBufferSize)
	assert.False(t, ec.DisableCheckoutValidation)

	bc := c.Bridge()
	assert.Equal(t, 30*time.Second, bc.RequestTimeout)
	assert.Equal(t, 100*time.Millisecond, bc.PollInterval)
	assert.False(t, bc.Recover)

	p := c.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialDelay)
	assert.Empty(t, c.DSN())
}

func TestLoadConfigFile(t *testing.T) {
	c, _ := newTestConfig(t, map[string]string{"/etc/odbcx/custom.yaml": sampleConfig},
		"--config-file=/etc/odbcx/custom.yaml")
	require.NoError(t, c.Load())
	assert.Equal(t, "/etc/odbcx/custom.yaml", c.ConfigFileUsed())

	assert.Equal(t, "Driver={SQLite3};Database=/tmp/test.db", c.DSN())
	assert.Equal(t, 7, c.Engine().FetchSize)
	assert.Equal(t, 2*time.Second, c.Engine().PoolCheckoutTimeout)
	assert.True(t, c.Engine().DisableCheckoutValidation)
	assert.True(t, c.Bridge().Recover)
	assert.Equal(t, 5, c.RetryPolicy().MaxAttempts)
}

func TestMissingConfigFile(t *testing.T) {
	c, _ := newTestConfig(t, nil, "--config-file=/nowhere.yaml")
	assert.Error(t, c.Load(), "an explicit config file must exist")

	c, _ = newTestConfig(t, nil, "--config-path=/nowhere")
	assert.NoError(t, c.Load(), "searching finds nothing")
}

func TestConfigSearchPath(t *testing.T) {
	c, _ := newTestConfig(t, map[string]string{"/srv/conf/odbcx.yaml": sampleConfig},
		"--config-path=/srv/empty,/srv/conf")
	require.NoError(t, c.Load())
	assert.Equal(t, "/srv/conf/odbcx.yaml", c.ConfigFileUsed())
	assert.Equal(t, 7, c.Engine().FetchSize)
}

func TestPrecedence(t *testing.T) {
	files := map[string]string{"/odbcx.yaml": sampleConfig}

	c, _ := newTestConfig(t, files, "--config-file=/odbcx.yaml")
	require.NoError(t, c.Load())
	assert.Equal(t, 7, c.Engine().FetchSize, "config file beats default")

	t.Setenv("ODBCX_FETCH_SIZE", "9")
	t.Setenv("ODBCX_REQUEST_TIMEOUT", "1s")
	c, _ = newTestConfig(t, files, "--config-file=/odbcx.yaml")
	require.NoError(t, c.Load())
	assert.Equal(t, 9, c.Engine().FetchSize, "env beats config file")
	assert.Equal(t, time.Second, c.Bridge().RequestTimeout)

	c, _ = newTestConfig(t, files, "--config-file=/odbcx.yaml", "--fetch-size=11")
	require.NoError(t, c.Load())
	assert.Equal(t, 11, c.Engine().FetchSize, "flag beats env")
}

func TestValidate(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.Set(keyLogLevel, "loud")
	c.Set(keyLogFormat, "xml")
	c.Set(keyFetchSize, -1)
	c.Set(keyRetryMultiplier, 0.5)

	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"log level", "log format", "fetch-size", "retry"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSetupLoggingToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	c, fs := newTestConfig(t, nil, "--log-output=/var/log/odbcx.log", "--log-level=debug")
	require.NoError(t, fs.MkdirAll("/var/log", 0o755))
	logger, closer, err := c.SetupLogging()
	require.NoError(t, err)
	logger.Info("pool opened", "pool", 1)
	slog.Debug("through the default logger")
	require.NoError(t, closer.Close())

	data, err := afero.ReadFile(fs, "/var/log/odbcx.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"pool opened"`)
	assert.Contains(t, string(data), `"pool":1`)
	assert.Contains(t, string(data), `"msg":"through the default logger"`)
}

func TestSetupLoggingErrors(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	c, _ := newTestConfig(t, nil, "--log-format=xml")
	_, _, err := c.SetupLogging()
	assert.ErrorContains(t, err, "log format")

	c, _ = newTestConfig(t, nil, "--log-level=loud")
	_, _, err = c.SetupLogging()
	assert.ErrorContains(t, err, "log level")

	c, _ = newTestConfig(t, nil, "--log-format=text", "--log-output=stdout")
	logger, closer, err := c.SetupLogging()
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}
