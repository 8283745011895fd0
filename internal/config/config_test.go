package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "data", cfg.App.DataRoot)
	assert.Equal(t, "table", cfg.Cache.Backend)
	assert.Equal(t, 200000, cfg.Cache.MaxRows)
	assert.Equal(t, 500, cfg.Cache.BatchSize)
	assert.Equal(t, 30, cfg.Cache.LookbackBars)
	assert.Equal(t, "USDT", cfg.Cache.Settlement)
	assert.Equal(t, "1m", cfg.Cache.DefaultTimestep)
	assert.Equal(t, "synthetic", cfg.Source.Kind)
	assert.Equal(t, 2, cfg.Session.MaxConcurrent)
	assert.Equal(t, ":8087", cfg.Server.Addr)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  log_level: warn
  data_root: /tmp/backcast
cache:
  backend: sqlite
  max_rows: 5000
  lookback_bars: 10
  settlement: USD
  default_timestep: 5m
source:
  kind: http
  name: binance
  base_url: https://api.binance.com
  max_batch: 1000
calendar:
  name: us_rth
  open_min: 570
  close_min: 960
session:
  max_concurrent: 4
server:
  addr: ":9090"
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, 5000, cfg.Cache.MaxRows)
	assert.Equal(t, "binance", cfg.Source.Name)
	assert.Equal(t, "us_rth", cfg.Calendar.Name)
	assert.Equal(t, 570, cfg.Calendar.OpenMin)
	assert.Equal(t, 4, cfg.Session.MaxConcurrent)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "cache:\n  backend: redis\n"},
		{"http without base_url", "source:\n  kind: http\n"},
		{"unknown source kind", "source:\n  kind: csv\n"},
		{"calendar closes before it opens", "calendar:\n  name: bad\n  open_min: 960\n  close_min: 570\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}
