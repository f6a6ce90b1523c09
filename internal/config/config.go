// Package config loads the callout runtime's on-disk and environment
// configuration into a validated Config struct, merging (in priority order)
// environment variables over a TOML file over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix recognized for environment variable overrides.
const EnvPrefix = "CALLOUT_"

// Config is the root configuration for the callout server binary.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Metrics MetricsConfig `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig mirrors the Address & Credential Loader / Lifecycle
// Supervisor configuration surface.
type ServerConfig struct {
	SecureAddress         string   `koanf:"secure_address"`
	PlaintextAddress      string   `koanf:"plaintext_address"`
	DisablePlaintext      bool     `koanf:"disable_plaintext"`
	HealthCheckAddress    string   `koanf:"health_check_address"`
	CombinedHealthCheck   bool     `koanf:"combined_health_check"`
	SecureHealthCheck     bool     `koanf:"secure_health_check"`
	HealthCheckAllowedIPs []string `koanf:"health_check_allowed_ips"`
	ServerThreadCount     int      `koanf:"server_thread_count"`
	NumProcesses          int      `koanf:"num_processes"`
	CertChainPath         string   `koanf:"cert_chain_path"`
	PrivateKeyPath        string   `koanf:"private_key_path"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// TracingConfig controls the OpenTelemetry/OTLP tracer.
type TracingConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Endpoint           string        `koanf:"endpoint"`
	Insecure           bool          `koanf:"insecure"`
	ServiceVersion     string        `koanf:"service_version"`
	BatchTimeout       time.Duration `koanf:"batch_timeout"`
	MaxExportBatchSize int           `koanf:"max_export_batch_size"`
	SamplingRate       float64       `koanf:"sampling_rate"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from configPath (a TOML file, optional) layered
// with environment variable overrides and built-in defaults. Environment
// variables win over the file, which wins over defaults.
//
// Env var names are lower-cased after the CALLOUT_ prefix; the text up to
// the first underscore names the section and the rest is the field name, so
// CALLOUT_SERVER_NUM_PROCESSES maps to server.num_processes.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			SecureAddress:         "0.0.0.0:443",
			PlaintextAddress:      "0.0.0.0:8080",
			DisablePlaintext:      false,
			HealthCheckAddress:    "0.0.0.0:80",
			CombinedHealthCheck:   false,
			SecureHealthCheck:     false,
			HealthCheckAllowedIPs: []string{"*"},
			ServerThreadCount:     2,
			NumProcesses:          1,
			CertChainPath:         "./ssl_creds/chain.pem",
			PrivateKeyPath:        "./ssl_creds/privatekey.pem",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Endpoint:           "localhost:4317",
			Insecure:           true,
			ServiceVersion:     "1.0.0",
			BatchTimeout:       5 * time.Second,
			MaxExportBatchSize: 512,
			SamplingRate:       1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate cross-checks field values the zero-value defaults alone can't
// catch: port ranges, process-count sanity, and mutually exclusive
// listener settings.
func (c *Config) Validate() error {
	if c.Server.NumProcesses < 1 {
		return fmt.Errorf("server.num_processes must be >= 1, got %d", c.Server.NumProcesses)
	}
	if c.Server.ServerThreadCount < 1 {
		return fmt.Errorf("server.server_thread_count must be >= 1, got %d", c.Server.ServerThreadCount)
	}
	if c.Server.SecureAddress == "" {
		return fmt.Errorf("server.secure_address must not be empty")
	}
	if !c.Server.DisablePlaintext && c.Server.PlaintextAddress == "" {
		return fmt.Errorf("server.plaintext_address must not be empty unless disable_plaintext is set")
	}
	if !c.Server.CombinedHealthCheck && c.Server.HealthCheckAddress == "" {
		return fmt.Errorf("server.health_check_address must not be empty unless combined_health_check is set")
	}
	if c.Server.SecureHealthCheck && c.Server.CombinedHealthCheck {
		return fmt.Errorf("server.secure_health_check requires a dedicated listener; combined_health_check must be false")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be 1-65535 when metrics.enabled, got %d", c.Metrics.Port)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint must not be empty when tracing.enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0,1], got %f", c.Tracing.SamplingRate)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'text', got %q", c.Logging.Format)
	}
	return nil
}
