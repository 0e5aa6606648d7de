package config

import (
	"fmt"
	"strings"
	"time"

	"eliteheat/adapters/sqlx"
)

// LoadProfile returns the defaults for a named deployment profile.
// The result is not validated; Load and LoadFromFile validate after env overrides.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = strings.ToLower(strings.TrimSpace(name))

	switch Environment(cfg.Profile) {
	case EnvDevelopment:
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"

	case EnvTesting:
		cfg.Environment = EnvTesting
		cfg.Server.Address = ":0"
		cfg.Logging.Level = "warn"
		cfg.Events.Dispatch = "sync"

	case EnvStaging:
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Server.CORSOrigin = ""

	case EnvProduction:
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "sql"
		cfg.Storage.SQL = sqlx.DefaultConfig(sqlx.DriverPostgres)
		// migrations are applied out of band in production
		cfg.Storage.SQL.AutoMigrate = false
		cfg.Storage.SQL.MaxOpenConns = 50
		cfg.Storage.SQL.MaxIdleConns = 10
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit.RequestsPerMinute = 600
		cfg.Security.RateLimit.BurstSize = 50
		cfg.Server.CORSOrigin = ""
		cfg.Server.ShutdownTimeout = 60 * time.Second

	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}
