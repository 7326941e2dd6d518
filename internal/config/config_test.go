package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "20241201", cfg.Run.DateStart)
	assert.Equal(t, 1, cfg.Collect.DaysPerChunk)
	assert.Equal(t, 900, cfg.Collect.ChunkSizeAnnotation)
	assert.Equal(t, 400, cfg.Collect.ChunkSizeFilter)
	assert.Equal(t, 30, cfg.Agent.ChunkSizeAgent)
	assert.NotEmpty(t, cfg.Run.RunDate)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := writeConfig(t, `
run:
  date_start: "20250101"
  date_end: "20250105"
  output_dir: /tmp/out
  run_date: "20250110"
collect:
  days_per_chunk_collection: 2
  max_retries: 5
  retry_delay: 2s
agent:
  chunk_size_agent: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "20250101", cfg.Run.DateStart)
	assert.Equal(t, "/tmp/out", cfg.Run.OutputDir)
	assert.Equal(t, "20250110", cfg.Run.RunDate)
	assert.Equal(t, 2, cfg.Collect.DaysPerChunk)
	assert.Equal(t, 5, cfg.Collect.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Collect.RetryDelay)
	assert.Equal(t, 10, cfg.Agent.ChunkSizeAgent)
	// untouched keys keep their defaults
	assert.Equal(t, 900, cfg.Collect.ChunkSizeAnnotation)
	assert.Equal(t, "20250101_20250105", cfg.Period())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(outputDirEnv, "/env/out")
	t.Setenv(agentAddrEnv, "agent:1234")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/out", cfg.Run.OutputDir)
	assert.Equal(t, "agent:1234", cfg.Agent.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "end before start", mutate: func(c *Config) { c.Run.DateEnd = "20241130" }, wantErr: true},
		{name: "malformed date", mutate: func(c *Config) { c.Run.DateStart = "2024-12-01" }, wantErr: true},
		{name: "zero chunk size", mutate: func(c *Config) { c.Collect.ChunkSizeFilter = 0 }, wantErr: true},
		{name: "missing reference table", mutate: func(c *Config) { c.Filter.ReferenceTable = "" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "single day range", mutate: func(c *Config) { c.Run.DateEnd = c.Run.DateStart }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestDateRange(t *testing.T) {
	cfg := Default()
	start, end := cfg.DateRange()
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 12, 3, 0, 0, 0, 0, time.UTC), end)
}

func TestLoadShippedDefaultConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Collect, cfg.Collect)
	assert.Equal(t, Default().Agent, cfg.Agent)
	assert.Equal(t, "configs/reference_organisms.csv", cfg.Filter.ReferenceTable)
}
