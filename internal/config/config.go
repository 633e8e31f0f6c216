// Package config loads the gateway configuration from a YAML file and
// applies environment overrides on top. The file is the base; UAPK_* env
// vars win so deployments can tune a shared config without editing it.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Connector ConnectorConfig `yaml:"connector"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// DSN empty means in-memory stores (dev mode).
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	// Addr empty means no read caches.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GatewayConfig struct {
	// PrivateKeyPath points at a PEM-encoded Ed25519 PKCS#8 key. Empty with
	// no env key means an ephemeral dev key.
	PrivateKeyPath      string `yaml:"private_key_path"`
	DefaultDailyBudget  int    `yaml:"default_daily_budget"`
	ApprovalExpiryHours int    `yaml:"approval_expiry_hours"`
	PolicyVersion       string `yaml:"policy_version"`
}

type ConnectorConfig struct {
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	MaxResponseBytes int64    `yaml:"max_response_bytes"`
	AllowedDomains   []string `yaml:"allowed_domains"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Gateway: GatewayConfig{
			DefaultDailyBudget:  1000,
			ApprovalExpiryHours: 24,
			PolicyVersion:       "v1",
		},
		Connector: ConnectorConfig{
			TimeoutSeconds:   30,
			MaxResponseBytes: 1_000_000,
		},
	}
}

// Load reads the YAML file at path, falling back to defaults when path is
// empty, and applies environment overrides in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}
