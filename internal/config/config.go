// Package config provides configuration management for stixforge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/stix1"
	"github.com/lvonguyen/stixforge/internal/stix2"
)

// ErrUnsupportedFormat is returned for output formats other than stix1 and
// stix2.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Output formats.
const (
	FormatSTIX1 = "stix1"
	FormatSTIX2 = "stix2"
)

// Config holds all stixforge configuration.
type Config struct {
	Converter     ConverterConfig     `yaml:"converter"`
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	MISP          misp.ClientConfig   `yaml:"misp"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ConverterConfig selects the target schema.
type ConverterConfig struct {
	Format  string `yaml:"format"`  // stix1, stix2
	Version string `yaml:"version"` // 1.1.1, 1.2, 2.0, 2.1
	// Namespace and OrgName are only used by the incident form.
	Namespace string `yaml:"namespace"`
	OrgName   string `yaml:"org_name"`
	// Bundle wraps STIX 2 output in a bundle.
	Bundle bool `yaml:"bundle"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-client limits on the conversion API.
type RateLimitConfig struct {
	Enabled           bool           `yaml:"enabled"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	IncludeHeaders    bool           `yaml:"include_headers"`
	EndpointCost      map[string]int `yaml:"endpoint_cost"` // "METHOD:/path" -> cost
}

// RedisConfig holds Redis connection settings. Redis keeps the identities
// already delivered to each collection, and the rate limit counters.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	KeyPrefix   string        `yaml:"key_prefix"`
	IdentityTTL time.Duration `yaml:"identity_ttl"`
}

// Password returns the Redis password from the environment.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Converter: ConverterConfig{
			Format:    FormatSTIX2,
			Version:   string(stix2.Version21),
			Namespace: "https://www.misp-project.org",
			OrgName:   "MISP",
			Bundle:    true,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    32 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 120,
				IncludeHeaders:    true,
				EndpointCost: map[string]int{
					"GET:/api/v1/events/{id}/convert": 2,
				},
			},
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
			KeyPrefix:   "stixforge",
			IdentityTTL: 30 * 24 * time.Hour,
		},
		MISP: misp.DefaultClientConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName:    "stixforge",
			Environment:    "development",
			MetricsEnabled: true,
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
		},
	}
}

// Validate checks the converter format and version pair and the settings
// the selected target needs.
func (c *Config) Validate() error {
	switch c.Converter.Format {
	case FormatSTIX1:
		if _, err := stix1.ParseVersion(c.Converter.Version); err != nil {
			return fmt.Errorf("invalid converter config: %w", err)
		}
		if c.Converter.Namespace == "" || c.Converter.OrgName == "" {
			return errors.New("invalid converter config: stix1 needs namespace and org_name")
		}
	case FormatSTIX2:
		if _, err := stix2.ParseVersion(c.Converter.Version); err != nil {
			return fmt.Errorf("invalid converter config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, c.Converter.Format)
	}

	if c.Server.RateLimit.Enabled && !c.Redis.Enabled {
		return errors.New("invalid server config: rate_limit needs redis")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("invalid observability config: sampling_rate %v out of [0,1]", c.Observability.SamplingRate)
	}
	return nil
}
