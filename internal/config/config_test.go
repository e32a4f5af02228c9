package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10.0, cfg.Dispatch.DefaultRadiusKm)
	assert.Equal(t, 3, cfg.Dispatch.DefaultMaxDrivers)
	assert.Equal(t, "memory", cfg.Geo.Backend)
	assert.False(t, cfg.Push.Enabled())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
http:
  addr: ":9090"
  read_timeout: 2s
dispatch:
  default_max_drivers: 5
  currency: EUR
geo:
  backend: redis
redis:
  addr: localhost:6379
kafka:
  brokers: "k1:9092, k2:9092"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("RD_DISPATCH__DEFAULT_RADIUS_KM", "7.5")
	t.Setenv("RD_LOG__LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, 5, cfg.Dispatch.DefaultMaxDrivers)
	assert.Equal(t, 7.5, cfg.Dispatch.DefaultRadiusKm)
	assert.Equal(t, "EUR", cfg.Dispatch.Currency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.BrokerList())
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, err := Load("config.toml")
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.DefaultRadiusKm = 0
	cfg.Dispatch.DefaultMaxDrivers = 0
	cfg.Geo.Backend = "postgis"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_radius_km")
	assert.Contains(t, err.Error(), "default_max_drivers")
	assert.Contains(t, err.Error(), "postgis.dsn")
}

func TestPostGISInheritsPostgresDSN(t *testing.T) {
	t.Setenv("RD_GEO__BACKEND", "postgis")
	t.Setenv("RD_POSTGRES__DSN", "postgres://localhost/rides")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/rides", cfg.PostGIS.DSN)
}
