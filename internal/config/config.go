// Package config handles YAML configuration loading with environment
// variable expansion and explicit environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RateLimits   RateLimitConfig    `yaml:"rate_limits"`
	Transparency TransparencyConfig `yaml:"transparency"`
	Blockchain   BlockchainConfig   `yaml:"blockchain"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RateLimitConfig holds default token bucket settings applied to keys
// without an override.
type RateLimitConfig struct {
	DefaultRequests      int `yaml:"default_requests"`
	DefaultWindowSeconds int `yaml:"default_window_seconds"`
}

// TransparencyConfig holds Merkle batching settings.
type TransparencyConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// BlockchainConfig holds Sepolia anchoring settings.
type BlockchainConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RPCURL          string `yaml:"rpc_url"`
	PrivateKey      string `yaml:"private_key"`
	ContractAddress string `yaml:"contract_address"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// then applies the flat environment overrides. An empty path skips the file
// and builds the config from defaults and environment alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "gaasgw.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRequests:      10,
			DefaultWindowSeconds: 60,
		},
		Transparency: TransparencyConfig{
			BatchSize: 10,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// applyEnvOverrides applies the flat variables that take precedence over
// the file for deployment environments without a mounted config.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ENABLE_BLOCKCHAIN_ANCHORING"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_BLOCKCHAIN_ANCHORING=%q: %w", v, err)
		}
		cfg.Blockchain.Enabled = enabled
	}
	if v := os.Getenv("ALCHEMY_SEPOLIA_URL"); v != "" {
		cfg.Blockchain.RPCURL = v
	}
	if v := os.Getenv("BLOCKCHAIN_PRIVATE_KEY"); v != "" {
		cfg.Blockchain.PrivateKey = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.Blockchain.ContractAddress = v
	}
	if v := os.Getenv("MERKLE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MERKLE_BATCH_SIZE=%q: must be a positive integer", v)
		}
		cfg.Transparency.BatchSize = n
	}
	return nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Blockchain.Enabled {
		if c.Blockchain.RPCURL == "" {
			return fmt.Errorf("blockchain anchoring enabled without rpc_url")
		}
		if c.Blockchain.PrivateKey == "" {
			return fmt.Errorf("blockchain anchoring enabled without private_key")
		}
		if c.Blockchain.ContractAddress == "" {
			return fmt.Errorf("blockchain anchoring enabled without contract_address")
		}
	}
	if c.Transparency.BatchSize <= 0 {
		return fmt.Errorf("transparency batch_size must be positive")
	}
	if c.RateLimits.DefaultRequests <= 0 || c.RateLimits.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("rate limit defaults must be positive")
	}
	return nil
}
