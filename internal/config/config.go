package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	CORS     CORSConfig     `yaml:"cors"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host. SERVER_HOST overrides the file
// value, so a containerized deployment can bind 0.0.0.0 without
// editing config.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the backing store endpoint
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the cache/queue endpoint. Optional: with no
// address the service runs without the suppression cache and the
// reconcile queue, relying on the operator endpoints.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackingConfig holds the policy windows for dedup and cleanup
type TrackingConfig struct {
	CooldownWindowHours    int `yaml:"cooldown_window_hours"`
	ReconcileLookbackHours int `yaml:"reconcile_lookback_hours"`
	EvictionHorizonDays    int `yaml:"eviction_horizon_days"`
	EvictionIntervalHours  int `yaml:"eviction_interval_hours"`
	MergeMaxAttempts       int `yaml:"merge_max_attempts"`
}

// CooldownWindow returns the visit-suppression bound as a duration
func (c TrackingConfig) CooldownWindow() time.Duration {
	return time.Duration(c.CooldownWindowHours) * time.Hour
}

// ReconcileLookback returns the abandonment-retraction bound as a duration
func (c TrackingConfig) ReconcileLookback() time.Duration {
	return time.Duration(c.ReconcileLookbackHours) * time.Hour
}

// EvictionHorizon returns the identifier-retention bound as a duration
func (c TrackingConfig) EvictionHorizon() time.Duration {
	return time.Duration(c.EvictionHorizonDays) * 24 * time.Hour
}

// EvictionInterval returns the sweep cadence as a duration
func (c TrackingConfig) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalHours) * time.Hour
}

// CORSConfig holds the browser origins allowed to post tracking calls
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Tracking.CooldownWindowHours == 0 {
		cfg.Tracking.CooldownWindowHours = 24
	}
	if cfg.Tracking.ReconcileLookbackHours == 0 {
		cfg.Tracking.ReconcileLookbackHours = 24
	}
	if cfg.Tracking.EvictionHorizonDays == 0 {
		cfg.Tracking.EvictionHorizonDays = 30
	}
	if cfg.Tracking.EvictionIntervalHours == 0 {
		cfg.Tracking.EvictionIntervalHours = 24
	}
	if cfg.Tracking.MergeMaxAttempts == 0 {
		cfg.Tracking.MergeMaxAttempts = 3
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env
// vars, so secrets can live in .env locally and in real env vars in
// the deployed environment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	return cfg, nil
}
