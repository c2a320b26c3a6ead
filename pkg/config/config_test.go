package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Data.Dir)
	assert.Equal(t, "yahoo", cfg.Provider.Name)
	assert.Equal(t, 224, cfg.Model.ImageSize)
	assert.Equal(t, 60, cfg.Build.Window)
	assert.Equal(t, 5, cfg.Build.Stride)
	assert.Equal(t, 20, cfg.Barrier.MaxHold)
	assert.Equal(t, 7.0, cfg.Scorer.BuyThreshold)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Provider.FundamentalsTTL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data:
  dir: /var/lib/vq
build:
  symbols: [AAPL, MSFT]
  window: 40
scorer:
  buy_threshold: 8
kafka:
  enabled: true
  brokers: "a:9092, b:9092"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("VQ_SERVER_PORT", "9090")
	t.Setenv("VQ_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vq", cfg.Data.Dir)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Build.Symbols)
	assert.Equal(t, 40, cfg.Build.Window)
	assert.Equal(t, 5, cfg.Build.Stride)
	assert.Equal(t, 8.0, cfg.Scorer.BuyThreshold)
	assert.Equal(t, 5.0, cfg.Scorer.WaitThreshold)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Data.Dir = "" }},
		{"bad style", func(c *Config) { c.Build.ChartStyle = "heikin" }},
		{"unknown provider", func(c *Config) { c.Provider.Name = "bloomberg" }},
		{"eodhd without key", func(c *Config) { c.Provider.Name = "eodhd" }},
		{"bad barrier", func(c *Config) { c.Barrier.MaxHold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
