package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// DatabaseURL selects Postgres when set; otherwise SQLitePath is used.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	Redis RedisConfig `yaml:"redis"`
	Gate  GateConfig  `yaml:"gate"`

	SealTokenSecret string        `yaml:"seal_token_secret"`
	SealTokenTTL    time.Duration `yaml:"seal_token_ttl"`

	TerritorySeed    string `yaml:"territory_seed"`
	ContentSchemaDir string `yaml:"content_schema_dir"`

	Archive   ArchiveConfig   `yaml:"archive"`
	OTel      OTelConfig      `yaml:"otel"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RedisConfig configures the gate cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GateConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// ArchiveConfig mirrors artifacts.Options.
type ArchiveConfig struct {
	Type     string `yaml:"type"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimitConfig bounds requests per client. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func defaults() *Config {
	return &Config{
		Port:       "8080",
		LogLevel:   "INFO",
		SQLitePath: "data/authority.db",
		Gate: GateConfig{
			CacheTTL:     30 * time.Second,
			CheckTimeout: 2 * time.Second,
		},
		SealTokenTTL: 15 * time.Minute,
		Archive:      ArchiveConfig{Type: "none", Dir: "data"},
		OTel:         OTelConfig{Endpoint: "localhost:4317"},
		RateLimit:    RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults. Environment variables still
// take precedence over the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// DSN is the store.Open argument for this configuration.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.DSN() == "" {
		return fmt.Errorf("one of DATABASE_URL or SQLITE_PATH is required")
	}
	if c.SealTokenSecret != "" && len(c.SealTokenSecret) < 16 {
		return fmt.Errorf("SEAL_TOKEN_SECRET must be at least 16 bytes")
	}
	switch strings.ToLower(c.Archive.Type) {
	case "", "none", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("unsupported ARCHIVE_STORAGE_TYPE %q", c.Archive.Type)
	}
	if c.Gate.CheckTimeout <= 0 {
		return fmt.Errorf("gate check timeout must be positive")
	}
	return nil
}

func applyEnv(c *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	dur("GATE_CACHE_TTL", &c.Gate.CacheTTL)
	dur("GATE_CHECK_TIMEOUT", &c.Gate.CheckTimeout)

	str("SEAL_TOKEN_SECRET", &c.SealTokenSecret)
	dur("SEAL_TOKEN_TTL", &c.SealTokenTTL)

	str("TERRITORY_SEED", &c.TerritorySeed)
	str("CONTENT_SCHEMA_DIR", &c.ContentSchemaDir)

	str("ARCHIVE_STORAGE_TYPE", &c.Archive.Type)
	str("DATA_DIR", &c.Archive.Dir)
	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("ARCHIVE_S3_REGION", &c.Archive.Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.Endpoint)
	if c.Archive.Region == "" {
		str("AWS_REGION", &c.Archive.Region)
	}

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTel.Enabled = v == "true" || v == "1"
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTel.Endpoint)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RPS = f
		}
	}
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)
}
