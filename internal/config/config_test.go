package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3002, cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Sync.BufferTTL)
	assert.Equal(t, 30*time.Second, cfg.Sync.FlushInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 3000, cfg.Sync.GridSize)
	assert.Equal(t, "pixel_grid", cfg.Cache.GridKey)
	assert.Equal(t, "pixel_buffer", cfg.Cache.BufferPrefix)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_RejectsShortTTL(t *testing.T) {
	t.Setenv("SYNC_BUFFER_TTL", "45s")
	t.Setenv("SYNC_FLUSH_INTERVAL", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_BUFFER_TTL")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Cache:    CacheConfig{Type: "memory"},
			Database: DatabaseConfig{Driver: "sqlite"},
			Sync: SyncConfig{
				BufferTTL:     90 * time.Second,
				FlushInterval: 30 * time.Second,
				BatchSize:     100,
				MinTTLRatio:   3,
				GridSize:      10,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid at exact ratio", func(c *Config) {}, false},
		{"ttl below ratio", func(c *Config) { c.Sync.BufferTTL = 89 * time.Second }, true},
		{"zero interval", func(c *Config) { c.Sync.FlushInterval = 0 }, true},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, true},
		{"batch at cap", func(c *Config) { c.Sync.BatchSize = MaxBatchSize }, false},
		{"batch over cap", func(c *Config) { c.Sync.BatchSize = MaxBatchSize + 1 }, true},
		{"negative db port", func(c *Config) { c.Database.Port = -1 }, true},
		{"zero grid", func(c *Config) { c.Sync.GridSize = 0 }, true},
		{"bad cache type", func(c *Config) { c.Cache.Type = "memcached" }, true},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
		{"postgres driver", func(c *Config) { c.Database.Driver = "postgres" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDSNs(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "pixels", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/pixels?sslmode=disable", d.PostgresDSN())

	d.Port = 3306
	assert.Equal(t, "u:p@tcp(db:3306)/pixels?parseTime=true", d.MySQLDSN())
}

func TestDSNs_DriverDefaultPort(t *testing.T) {
	d := DatabaseConfig{Driver: "mysql", Host: "db", Name: "pixels", User: "u", Password: "p"}
	assert.Equal(t, 3306, d.PortOrDefault())
	assert.Equal(t, "u:p@tcp(db:3306)/pixels?parseTime=true", d.MySQLDSN())

	d.Driver = "postgres"
	d.SSLMode = "disable"
	assert.Equal(t, "postgres://u:p@db:5432/pixels?sslmode=disable", d.PostgresDSN())

	d.Port = 6543
	assert.Equal(t, 6543, d.PortOrDefault())
}

func TestLoad_MySQLPortDefault(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Database.Port)
	assert.Equal(t, 3306, cfg.Database.PortOrDefault())
}

func TestLoad_RejectsOversizedBatch(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "20000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_BATCH_SIZE")
}
