// Package config loads the clamdctl configuration from TOML or YAML files,
// with environment overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	clamd "github.com/DevHatRo/clamd-client-go"
	"github.com/DevHatRo/clamd-client-go/internal/logging"
)

// Environment variables overriding file values.
const (
	EnvHost           = "CLAMD_HOST"
	EnvPort           = "CLAMD_PORT"
	EnvMaxConnections = "CLAMD_MAX_CONNECTIONS"
	EnvTLS            = "CLAMD_TLS"
	EnvHTTPListen     = "CLAMD_HTTP_LISTEN"
	EnvGRPCListen     = "CLAMD_GRPC_LISTEN"
	EnvLogLevel       = "CLAMD_LOG_LEVEL"
)

var (
	ErrHostRequired    = errors.New("config: clamd.host is required")
	ErrInvalidPort     = errors.New("config: clamd.port out of range")
	ErrInvalidPoolSize = errors.New("config: clamd.max_connections must be greater than 0")
	ErrInvalidTimeout  = errors.New("config: clamd.pending_acquire_timeout must be greater than 0")
	ErrInvalidBodySize = errors.New("config: http.max_body_bytes must be greater than 0")
	ErrUnknownFormat   = errors.New("config: unsupported file extension")
)

// Config is the complete clamdctl configuration.
type Config struct {
	Clamd  ClamdConfig
	HTTP   HTTPConfig
	GRPC   GRPCConfig
	Health HealthConfig
	Log    logging.Config
}

// ClamdConfig describes the daemon connection.
type ClamdConfig struct {
	Host                  string
	Port                  int
	MaxConnections        int
	PendingAcquireTimeout time.Duration
	WarmupTimeout         time.Duration
	ResponseTimeout       time.Duration
	TLS                   bool
	TLSCAFile             string
	TLSInsecureSkipVerify bool
}

// HTTPConfig describes the scan gateway listener.
type HTTPConfig struct {
	Listen       string
	MaxBodyBytes int64
}

// GRPCConfig describes the gRPC health listener. An empty Listen disables it.
type GRPCConfig struct {
	Listen string
}

// HealthConfig controls the background liveness probe.
type HealthConfig struct {
	Interval time.Duration
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Clamd: ClamdConfig{
			Host:                  "localhost",
			Port:                  3310,
			MaxConnections:        4,
			PendingAcquireTimeout: 5 * time.Second,
			WarmupTimeout:         10 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:       ":8080",
			MaxBodyBytes: 25 * 1024 * 1024,
		},
		Health: HealthConfig{
			Interval: 15 * time.Second,
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

type fileConfig struct {
	Clamd struct {
		Host                  *string `toml:"host" yaml:"host"`
		Port                  *int    `toml:"port" yaml:"port"`
		MaxConnections        *int    `toml:"max_connections" yaml:"max_connections"`
		PendingAcquireTimeout *string `toml:"pending_acquire_timeout" yaml:"pending_acquire_timeout"`
		WarmupTimeout         *string `toml:"warmup_timeout" yaml:"warmup_timeout"`
		ResponseTimeout       *string `toml:"response_timeout" yaml:"response_timeout"`
		TLS                   *bool   `toml:"tls" yaml:"tls"`
		TLSCAFile             *string `toml:"tls_ca_file" yaml:"tls_ca_file"`
		TLSInsecureSkipVerify *bool   `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	} `toml:"clamd" yaml:"clamd"`
	HTTP struct {
		Listen       *string `toml:"listen" yaml:"listen"`
		MaxBodyBytes *int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
	} `toml:"http" yaml:"http"`
	GRPC struct {
		Listen *string `toml:"listen" yaml:"listen"`
	} `toml:"grpc" yaml:"grpc"`
	Health struct {
		Interval *string `toml:"interval" yaml:"interval"`
	} `toml:"health" yaml:"health"`
	Log struct {
		Level  *string `toml:"level" yaml:"level"`
		Pretty *bool   `toml:"pretty" yaml:"pretty"`
	} `toml:"log" yaml:"log"`
}

// Load reads path (".toml", ".yaml" or ".yml") over the defaults, applies
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := decodeFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := raw.apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string) (*fileConfig, error) {
	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
	return &raw, nil
}

func (raw *fileConfig) apply(cfg *Config) error {
	if raw.Clamd.Host != nil {
		cfg.Clamd.Host = strings.TrimSpace(*raw.Clamd.Host)
	}
	if raw.Clamd.Port != nil {
		cfg.Clamd.Port = *raw.Clamd.Port
	}
	if raw.Clamd.MaxConnections != nil {
		cfg.Clamd.MaxConnections = *raw.Clamd.MaxConnections
	}
	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"clamd.pending_acquire_timeout", raw.Clamd.PendingAcquireTimeout, &cfg.Clamd.PendingAcquireTimeout},
		{"clamd.warmup_timeout", raw.Clamd.WarmupTimeout, &cfg.Clamd.WarmupTimeout},
		{"clamd.response_timeout", raw.Clamd.ResponseTimeout, &cfg.Clamd.ResponseTimeout},
		{"health.interval", raw.Health.Interval, &cfg.Health.Interval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if raw.Clamd.TLS != nil {
		cfg.Clamd.TLS = *raw.Clamd.TLS
	}
	if raw.Clamd.TLSCAFile != nil {
		cfg.Clamd.TLSCAFile = strings.TrimSpace(*raw.Clamd.TLSCAFile)
	}
	if raw.Clamd.TLSInsecureSkipVerify != nil {
		cfg.Clamd.TLSInsecureSkipVerify = *raw.Clamd.TLSInsecureSkipVerify
	}
	if raw.HTTP.Listen != nil {
		cfg.HTTP.Listen = strings.TrimSpace(*raw.HTTP.Listen)
	}
	if raw.HTTP.MaxBodyBytes != nil {
		cfg.HTTP.MaxBodyBytes = *raw.HTTP.MaxBodyBytes
	}
	if raw.GRPC.Listen != nil {
		cfg.GRPC.Listen = strings.TrimSpace(*raw.GRPC.Listen)
	}
	if raw.Log.Level != nil {
		cfg.Log.Level = strings.TrimSpace(*raw.Log.Level)
	}
	if raw.Log.Pretty != nil {
		cfg.Log.Pretty = *raw.Log.Pretty
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		cfg.Clamd.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		cfg.Clamd.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConnections)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvMaxConnections, err)
		}
		cfg.Clamd.MaxConnections = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvTLS)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvTLS, err)
		}
		cfg.Clamd.TLS = b
	}
	if v := strings.TrimSpace(os.Getenv(EnvHTTPListen)); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGRPCListen)); v != "" {
		cfg.GRPC.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate checks the values the client cannot default on its own.
func (c Config) Validate() error {
	if c.Clamd.Host == "" {
		return ErrHostRequired
	}
	if c.Clamd.Port <= 0 || c.Clamd.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Clamd.Port)
	}
	if c.Clamd.MaxConnections <= 0 {
		return ErrInvalidPoolSize
	}
	if c.Clamd.PendingAcquireTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return ErrInvalidBodySize
	}
	return nil
}

// ClientOptions translates the daemon settings into client options.
func (c ClamdConfig) ClientOptions() ([]clamd.ClientOption, error) {
	opts := []clamd.ClientOption{
		clamd.WithMaxConnections(c.MaxConnections),
		clamd.WithPendingAcquireTimeout(c.PendingAcquireTimeout),
		clamd.WithWarmupTimeout(c.WarmupTimeout),
		clamd.WithResponseTimeout(c.ResponseTimeout),
	}
	if !c.TLS {
		return opts, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSInsecureSkipVerify, //nolint:gosec // opt-in for test daemons
	}
	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca file %s: no certificates found", c.TLSCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return append(opts, clamd.WithTLS(tlsCfg)), nil
}
