package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MaxBatchSize bounds SYNC_BATCH_SIZE. Each upserted row binds six
// parameters and Postgres allows at most 65535 per statement.
const MaxBatchSize = 10000

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server   ServerConfig
	App      AppConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"3002"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"pixelcanvas-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
}

// CacheConfig holds Grid Cache and Write Buffer settings.
type CacheConfig struct {
	Type      string        `envconfig:"CACHE_TYPE" default:"redis"` // redis or memory
	OpTimeout time.Duration `envconfig:"CACHE_OP_TIMEOUT" default:"2s"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	GridKey      string `envconfig:"REDIS_GRID_KEY" default:"pixel_grid"`
	BufferPrefix string `envconfig:"REDIS_BUFFER_PREFIX" default:"pixel_buffer"`
}

// DatabaseConfig holds durable store settings.
type DatabaseConfig struct {
	Driver   string `envconfig:"DB_DRIVER" default:"sqlite"` // sqlite, postgres, or mysql
	Path     string `envconfig:"DB_PATH" default:"./data/pixels.db"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT"` // 0 picks the driver's default
	Name     string `envconfig:"DB_NAME" default:"pixels"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASS" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// SyncConfig holds the write-behind and flush settings.
type SyncConfig struct {
	BufferTTL     time.Duration `envconfig:"SYNC_BUFFER_TTL" default:"300s"`
	FlushInterval time.Duration `envconfig:"SYNC_FLUSH_INTERVAL" default:"30s"`
	FlushTimeout  time.Duration `envconfig:"SYNC_FLUSH_TIMEOUT" default:"2m"`
	BatchSize     int           `envconfig:"SYNC_BATCH_SIZE" default:"100"`
	BreakerFails  uint32        `envconfig:"SYNC_BREAKER_FAILURES" default:"5"`
	MinTTLRatio   int           `envconfig:"SYNC_MIN_TTL_RATIO" default:"3"`
	GridSize      int           `envconfig:"GRID_SIZE" default:"3000"`
	TaskQueueSize int           `envconfig:"SYNC_TASK_QUEUE_SIZE" default:"1024"`
}

// PortOrDefault returns DB_PORT, or the standard port of the configured
// driver when it is unset.
func (d *DatabaseConfig) PortOrDefault() int {
	if d.Port != 0 {
		return d.Port
	}
	switch d.Driver {
	case "mysql":
		return 3306
	default:
		return 5432
	}
}

// PostgresDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.PortOrDefault(), d.Name, d.SSLMode)
}

// MySQLDSN returns the MySQL data source name.
func (d *DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		d.User, d.Password, d.Host, d.PortOrDefault(), d.Name)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// Validate checks cross-field invariants that envconfig cannot express.
// A buffer TTL shorter than a few flush cadences would let pending writes
// expire before they are ever committed, so it is rejected at startup.
func (c *Config) Validate() error {
	s := c.Sync
	if s.FlushInterval <= 0 {
		return errors.New("SYNC_FLUSH_INTERVAL must be positive")
	}
	if s.BatchSize <= 0 {
		return errors.New("SYNC_BATCH_SIZE must be positive")
	}
	if s.BatchSize > MaxBatchSize {
		return fmt.Errorf("SYNC_BATCH_SIZE (%d) must not exceed %d", s.BatchSize, MaxBatchSize)
	}
	if s.GridSize <= 0 {
		return errors.New("GRID_SIZE must be positive")
	}
	if s.MinTTLRatio < 1 {
		return errors.New("SYNC_MIN_TTL_RATIO must be at least 1")
	}
	if s.BufferTTL < time.Duration(s.MinTTLRatio)*s.FlushInterval {
		return fmt.Errorf("SYNC_BUFFER_TTL (%v) must be at least %d x SYNC_FLUSH_INTERVAL (%v)",
			s.BufferTTL, s.MinTTLRatio, s.FlushInterval)
	}

	switch c.Cache.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT %d out of range", c.Database.Port)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
