package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	StoreDriver        string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	ReconcileBatchSize int           `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileLockTTL   time.Duration `mapstructure:"RECONCILE_LOCK_TTL"`
	PatternSetFile     string        `mapstructure:"PATTERN_SET_FILE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	SourceClinic       string        `mapstructure:"SOURCE_CLINIC"`
	SourceProvider     string        `mapstructure:"SOURCE_PROVIDER"`
	SourceLocation     string        `mapstructure:"SOURCE_LOCATION"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_SCHEMA", "SQLITE_PATH", "REDIS_URL", "RECONCILE_BATCH_SIZE", "RECONCILE_LOCK_TTL",
	"PATTERN_SET_FILE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"SOURCE_CLINIC", "SOURCE_PROVIDER", "SOURCE_LOCATION",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "extref.db")
	v.SetDefault("RECONCILE_BATCH_SIZE", 500)
	v.SetDefault("RECONCILE_LOCK_TTL", "10m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable. The postgres driver needs
// DATABASE_URL; outside development an AUTH_SIGNING_KEY is required so sync
// agents cannot call the API unauthenticated.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.ReconcileBatchSize <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be positive, got %d", c.ReconcileBatchSize)
	}
	if c.ReconcileLockTTL < time.Second {
		return fmt.Errorf("RECONCILE_LOCK_TTL must be at least 1s, got %s", c.ReconcileLockTTL)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	return nil
}

// SourceSpecs returns the configured primary-store table descriptors keyed by
// entity type name. Unset entries are omitted.
func (c *Config) SourceSpecs() map[string]string {
	specs := make(map[string]string, 3)
	if c.SourceClinic != "" {
		specs["clinic"] = c.SourceClinic
	}
	if c.SourceProvider != "" {
		specs["provider"] = c.SourceProvider
	}
	if c.SourceLocation != "" {
		specs["location"] = c.SourceLocation
	}
	return specs
}
