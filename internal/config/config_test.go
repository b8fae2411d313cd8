package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{}\n")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, GetDefaults(), config)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
model:
  name: intfloat/e5-small-v2
  pooling: masked_mean
  max_batch_size: 32
  config:
    onnx_file: onnx/model_quantized.onnx
    intra_op_threads: 2
server:
  port: 9090
  read_timeout: 5s
cache:
  enabled: true
  redis_url: redis://localhost:6379/0
logging:
  level: debug
  format: console
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "intfloat/e5-small-v2", config.Model.Name)
	assert.Equal(t, "masked_mean", config.Model.Pooling)
	assert.Equal(t, 32, config.Model.MaxBatchSize)
	assert.Equal(t, "onnx/model_quantized.onnx", config.Model.Config["onnx_file"])
	assert.EqualValues(t, 2, config.Model.Config["intra_op_threads"])
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 5*time.Second, config.Server.ReadTimeout)
	assert.True(t, config.Cache.Enabled)
	assert.Equal(t, "redis://localhost:6379/0", config.Cache.RedisURL)
	assert.Equal(t, "debug", config.Logging.Level)

	// untouched sections keep their defaults
	assert.Equal(t, GetDefaults().ETL, config.ETL)
	assert.Equal(t, 60*time.Second, config.Server.WriteTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  port: 9090\n")
	t.Setenv("TEXT2VEC_SERVER_PORT", "7070")
	t.Setenv("TEXT2VEC_MODEL_POOLING", "masked_mean")
	t.Setenv("TEXT2VEC_DATABASE_DATABASE_URL", "postgres://localhost/vectors")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, "masked_mean", config.Model.Pooling)
	assert.Equal(t, "postgres://localhost/vectors", config.Database.DatabaseURL)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "server: [port\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("InvalidValue", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "model:\n  pooling: max\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid pooling")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty model name", func(c *Config) { c.Model.Name = " " }, "model name"},
		{"unknown pooling", func(c *Config) { c.Model.Pooling = "cls" }, "invalid pooling"},
		{"negative batch", func(c *Config) { c.Model.MaxBatchSize = -1 }, "max batch size"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server port"},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"rate limit without rate", func(c *Config) { c.Server.RateLimit.RequestsPerSecond = 0 }, "rate limit"},
		{"disabled rate limit", func(c *Config) {
			c.Server.RateLimit.Enabled = false
			c.Server.RateLimit.RequestsPerSecond = 0
		}, ""},
		{"zero etl batch", func(c *Config) { c.ETL.BatchSize = 0 }, "etl batch size"},
		{"negative cache ttl", func(c *Config) { c.Cache.DefaultTTL = -time.Second }, "cache TTLs"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaults()
			tt.mutate(config)
			err := Validate(config)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	_, err := Load(path)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		levels []string
	)
	err = Watch(func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, c.Logging.Level)
	}, func(error) {})
	require.NoError(t, err)

	writeConfig(t, dir, "logging:\n  level: debug\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 5*time.Second, 50*time.Millisecond)
}
