// Package config loads the httpconnd configuration from a file, the
// environment and defaults, and turns it into httpconn values.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/newacorn/httpconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// HTTPCONN_LIMITS_KEEP_ALIVE_TIMEOUT=30s.
const EnvPrefix = "HTTPCONN"

// Config is the complete httpconnd configuration.
//
// Sources in order of precedence:
//  1. Environment variables (HTTPCONN_*)
//  2. Configuration file (YAML, TOML or JSON)
//  3. Default values
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`
	Server  ServerConfig  `mapstructure:"server" toml:"server"`
	Limits  LimitsConfig  `mapstructure:"limits" toml:"limits"`
	// Adapters run in order on every accepted connection.
	Adapters []AdapterConfig `mapstructure:"adapters" toml:"adapters" validate:"dive"`
}

type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive, normalized
	// to uppercase).
	Level  string `mapstructure:"level" toml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" toml:"format" validate:"required,oneof=text json"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" toml:"listen" validate:"required"`
	// ReusePort listens with SO_REUSEPORT so several processes can share
	// the address.
	ReusePort bool `mapstructure:"reuse_port" toml:"reuse_port"`
	// Protocols enabled on the endpoint: http1, http2 or both.
	Protocols         []string      `mapstructure:"protocols" toml:"protocols" validate:"required,dive,oneof=http1 http2"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" toml:"heartbeat_interval" validate:"gt=0"`
	// Concurrency bounds the worker goroutines; 0 selects the default.
	Concurrency int `mapstructure:"concurrency" toml:"concurrency" validate:"gte=0"`
}

type LimitsConfig struct {
	KeepAliveTimeout      time.Duration `mapstructure:"keep_alive_timeout" toml:"keep_alive_timeout" validate:"gt=0"`
	RequestHeadersTimeout time.Duration `mapstructure:"request_headers_timeout" toml:"request_headers_timeout" validate:"gt=0"`
	// -1 means unlimited.
	MaxConcurrentConnections         int64          `mapstructure:"max_concurrent_connections" toml:"max_concurrent_connections" validate:"gte=-1"`
	MaxConcurrentUpgradedConnections int64          `mapstructure:"max_concurrent_upgraded_connections" toml:"max_concurrent_upgraded_connections" validate:"gte=-1"`
	MinRequestBodyDataRate           DataRateConfig `mapstructure:"min_request_body_data_rate" toml:"min_request_body_data_rate"`
	MinResponseDataRate              DataRateConfig `mapstructure:"min_response_data_rate" toml:"min_response_data_rate"`
}

// DataRateConfig is a minimum data rate; zero bytes per second disables it.
type DataRateConfig struct {
	BytesPerSecond float64       `mapstructure:"bytes_per_second" toml:"bytes_per_second" validate:"gte=0"`
	GracePeriod    time.Duration `mapstructure:"grace_period" toml:"grace_period" validate:"gte=0"`
}

// AdapterConfig selects an adapter by type; Options are decoded into the
// options struct of that type.
type AdapterConfig struct {
	Type    string         `mapstructure:"type" toml:"type" validate:"required,oneof=tls logging"`
	Options map[string]any `mapstructure:"options" toml:"options"`
}

// Load reads configPath when it is not empty, overlays the environment,
// applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper knows about.
	d := Default()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.reuse_port", d.Server.ReusePort)
	v.SetDefault("server.protocols", d.Server.Protocols)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.heartbeat_interval", d.Server.HeartbeatInterval)
	v.SetDefault("server.concurrency", d.Server.Concurrency)
	v.SetDefault("limits.keep_alive_timeout", d.Limits.KeepAliveTimeout)
	v.SetDefault("limits.request_headers_timeout", d.Limits.RequestHeadersTimeout)
	v.SetDefault("limits.max_concurrent_connections", d.Limits.MaxConcurrentConnections)
	v.SetDefault("limits.max_concurrent_upgraded_connections", d.Limits.MaxConcurrentUpgradedConnections)
	v.SetDefault("limits.min_request_body_data_rate.bytes_per_second", d.Limits.MinRequestBodyDataRate.BytesPerSecond)
	v.SetDefault("limits.min_request_body_data_rate.grace_period", d.Limits.MinRequestBodyDataRate.GracePeriod)
	v.SetDefault("limits.min_response_data_rate.bytes_per_second", d.Limits.MinResponseDataRate.BytesPerSecond)
	v.SetDefault("limits.min_response_data_rate.grace_period", d.Limits.MinResponseDataRate.GracePeriod)
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// Protocols returns the enabled protocols as flags.
func (c *Config) Protocols() (httpconn.HTTPProtocols, error) {
	return httpconn.ParseHTTPProtocols(c.Server.Protocols)
}

// ServiceLimits converts the limits section. A zero rate disables its check.
func (c *Config) ServiceLimits() (httpconn.Limits, error) {
	l := httpconn.Limits{
		KeepAliveTimeout:                 c.Limits.KeepAliveTimeout,
		RequestHeadersTimeout:            c.Limits.RequestHeadersTimeout,
		MaxConcurrentConnections:         c.Limits.MaxConcurrentConnections,
		MaxConcurrentUpgradedConnections: c.Limits.MaxConcurrentUpgradedConnections,
	}
	var err error
	hb := c.Server.HeartbeatInterval
	if l.MinRequestBodyDataRate, err = c.Limits.MinRequestBodyDataRate.rate(hb); err != nil {
		return l, errors.Wrap(err, "limits.min_request_body_data_rate")
	}
	if l.MinResponseDataRate, err = c.Limits.MinResponseDataRate.rate(hb); err != nil {
		return l, errors.Wrap(err, "limits.min_response_data_rate")
	}
	return l, nil
}

func (r DataRateConfig) rate(heartbeatInterval time.Duration) (*httpconn.MinDataRate, error) {
	if r.BytesPerSecond == 0 {
		return nil, nil
	}
	return httpconn.NewMinDataRate(r.BytesPerSecond, r.GracePeriod, heartbeatInterval)
}

// ServiceContext builds the shared service state of a listener.
func (c *Config) ServiceContext(log zerolog.Logger) (*httpconn.ServiceContext, error) {
	limits, err := c.ServiceLimits()
	if err != nil {
		return nil, err
	}
	sc := httpconn.NewServiceContext(log, limits)
	sc.HeartbeatInterval = c.Server.HeartbeatInterval
	return sc, nil
}

// Logger builds the process logger described by the logging section.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if c.Logging.Format == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(level).With().Timestamp().Logger()
}
