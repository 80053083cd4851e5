// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Generator backends.
const (
	BackendGemini = "gemini"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	// DBPath is the local SQLite file holding session snapshots.
	DBPath string `yaml:"db_path"`
	// RemoteDSN points at the Postgres assessment store. Empty keeps
	// records in memory.
	RemoteDSN string `yaml:"remote_dsn"`
	// AdminKey guards the admin dashboard endpoints.
	AdminKey   string `yaml:"admin_key"`
	PromptFile string `yaml:"prompt_file"`
	LogLevel   string `yaml:"log_level"`
	// SecureCookies marks the identity cookie Secure.
	SecureCookies bool `yaml:"secure_cookies"`

	Generator GeneratorConfig `yaml:"generator"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// GeneratorConfig selects and tunes the model backend.
type GeneratorConfig struct {
	Backend     string        `yaml:"backend"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	BaseURL     string        `yaml:"base_url"`
	Address     string        `yaml:"address"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// SessionConfig controls persistence and eviction of live sessions.
type SessionConfig struct {
	PersistDelay  time.Duration `yaml:"persist_delay"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig bounds chat requests per identity.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

func defaults() Config {
	return Config{
		Port:     "8080",
		DBPath:   "./data/evalstream.db",
		LogLevel: "info",
		Generator: GeneratorConfig{
			Backend:     BackendGemini,
			Model:       "gemini-2.5-flash",
			Temperature: 0.7,
			IdleTimeout: 45 * time.Second,
		},
		Session: SessionConfig{
			PersistDelay:  250 * time.Millisecond,
			IdleTTL:       60 * time.Minute,
			SnapshotTTL:   7 * 24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Requests: 20,
			Window:   time.Minute,
		},
	}
}

// Load reads configuration from the file named by CONFIG_FILE, if any,
// and then from environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile reads configuration from a YAML file and then from environment
// variables. Environment values take precedence. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	base := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:          getEnv("PORT", base.Port),
		FrontendURL:   getEnv("FRONTEND_URL", base.FrontendURL),
		DBPath:        getEnv("DB_PATH", base.DBPath),
		RemoteDSN:     getEnv("REMOTE_DSN", getEnv("DATABASE_URL", base.RemoteDSN)),
		AdminKey:      getEnv("ADMIN_KEY", base.AdminKey),
		PromptFile:    getEnv("PROMPT_FILE", base.PromptFile),
		LogLevel:      getEnv("LOG_LEVEL", base.LogLevel),
		SecureCookies: getEnvBool("COOKIE_SECURE", base.SecureCookies),
		Generator: GeneratorConfig{
			Backend:     strings.ToLower(getEnv("GENERATOR_BACKEND", base.Generator.Backend)),
			APIKey:      getEnv("GEMINI_API_KEY", getEnv("API_KEY", base.Generator.APIKey)),
			Model:       getEnv("GEMINI_MODEL", base.Generator.Model),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", base.Generator.Temperature),
			BaseURL:     getEnv("GEMINI_BASE_URL", base.Generator.BaseURL),
			Address:     getEnv("GENERATOR_ADDR", base.Generator.Address),
			IdleTimeout: getEnvDuration("EXCHANGE_IDLE_TIMEOUT", base.Generator.IdleTimeout),
		},
		Session: SessionConfig{
			PersistDelay:  getEnvDuration("PERSIST_DELAY", base.Session.PersistDelay),
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", base.Session.IdleTTL),
			SnapshotTTL:   getEnvDuration("SNAPSHOT_TTL", base.Session.SnapshotTTL),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", base.Session.SweepInterval),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("CHAT_RATE_LIMIT", base.RateLimit.Requests),
			Window:   getEnvDuration("CHAT_RATE_WINDOW", base.RateLimit.Window),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	switch c.Generator.Backend {
	case BackendGemini, BackendGRPC:
	default:
		return fmt.Errorf("GENERATOR_BACKEND must be %q or %q, got %q", BackendGemini, BackendGRPC, c.Generator.Backend)
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return errors.New("GEMINI_TEMPERATURE must be within 0..2")
	}
	if c.Generator.IdleTimeout <= 0 {
		return errors.New("EXCHANGE_IDLE_TIMEOUT must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be > 0")
	}
	if c.Session.IdleTTL <= 0 || c.Session.SnapshotTTL <= 0 || c.Session.SweepInterval <= 0 {
		return errors.New("session TTLs and sweep interval must be > 0")
	}
	return nil
}

// ValidateGenerator checks the settings the selected backend needs.
func (c *Config) ValidateGenerator() error {
	switch c.Generator.Backend {
	case BackendGemini:
		if c.Generator.APIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini backend")
		}
	case BackendGRPC:
		if c.Generator.Address == "" {
			return errors.New("GENERATOR_ADDR is required for the grpc backend")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
