// Package config loads the server configuration from a YAML file and
// fills in defaults, so a bare binary runs with sqlite and localhost
// settings out of the box.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/unionhall/allotment-engine/reconcile"
)

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// EngineConfig holds reconciliation defaults.
type EngineConfig struct {
	DefaultPolicy  string `yaml:"default_policy"`
	MatchThreshold string `yaml:"match_threshold"`

	RosterCacheTTLSeconds int `yaml:"roster_cache_ttl_seconds"`
	RunTTLMinutes         int `yaml:"run_ttl_minutes"`

	// Derived, ignored by the YAML parser.
	Threshold      decimal.Decimal `yaml:"-"`
	RosterCacheTTL time.Duration   `yaml:"-"`
	RunTTL         time.Duration   `yaml:"-"`
}

// SweeperConfig controls the background promotion and expiry loop.
type SweeperConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// Default returns the configuration a missing file implies.
func Default() *Config {
	cfg := &Config{
		Sweeper: SweeperConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Engine.MatchThreshold != "" {
		if _, err := decimal.NewFromString(cfg.Engine.MatchThreshold); err != nil {
			return nil, fmt.Errorf("engine.match_threshold: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "./data/allotment.db"
	}

	if cfg.Engine.DefaultPolicy == "" {
		cfg.Engine.DefaultPolicy = "submission"
	}
	cfg.Engine.Threshold = reconcile.DefaultMatchThreshold
	if cfg.Engine.MatchThreshold != "" {
		// Validated in Load; a hand-built Config skips validation and
		// keeps the default on a bad string.
		if d, err := decimal.NewFromString(cfg.Engine.MatchThreshold); err == nil {
			cfg.Engine.Threshold = d
		}
	}
	if cfg.Engine.RosterCacheTTLSeconds <= 0 {
		cfg.Engine.RosterCacheTTLSeconds = 300
	}
	cfg.Engine.RosterCacheTTL = time.Duration(cfg.Engine.RosterCacheTTLSeconds) * time.Second
	if cfg.Engine.RunTTLMinutes <= 0 {
		cfg.Engine.RunTTLMinutes = 60
	}
	cfg.Engine.RunTTL = time.Duration(cfg.Engine.RunTTLMinutes) * time.Minute

	if cfg.Sweeper.IntervalSeconds <= 0 {
		cfg.Sweeper.IntervalSeconds = 300
	}
	cfg.Sweeper.Interval = time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second
}
