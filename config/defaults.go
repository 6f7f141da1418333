package config

import (
	"strings"
	"time"

	"github.com/newacorn/httpconn"
)

const (
	DefaultListen          = ":8080"
	DefaultShutdownTimeout = 30 * time.Second
)

// Default returns the configuration used when nothing is configured.
func Default() Config {
	limits := httpconn.DefaultLimits()
	return Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Server: ServerConfig{
			Listen:            DefaultListen,
			Protocols:         []string{"http1"},
			ShutdownTimeout:   DefaultShutdownTimeout,
			HeartbeatInterval: httpconn.DefaultHeartbeatInterval,
		},
		Limits: LimitsConfig{
			KeepAliveTimeout:                 limits.KeepAliveTimeout,
			RequestHeadersTimeout:            limits.RequestHeadersTimeout,
			MaxConcurrentConnections:         limits.MaxConcurrentConnections,
			MaxConcurrentUpgradedConnections: limits.MaxConcurrentUpgradedConnections,
			MinRequestBodyDataRate: DataRateConfig{
				BytesPerSecond: limits.MinRequestBodyDataRate.BytesPerSecond,
				GracePeriod:    limits.MinRequestBodyDataRate.GracePeriod,
			},
			MinResponseDataRate: DataRateConfig{
				BytesPerSecond: limits.MinResponseDataRate.BytesPerSecond,
				GracePeriod:    limits.MinResponseDataRate.GracePeriod,
			},
		},
	}
}

// ApplyDefaults fills zero values with defaults and normalizes the rest.
// Explicit values are preserved; a zero data rate stays disabled.
func ApplyDefaults(cfg *Config) {
	d := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = d.Server.Listen
	}
	if len(cfg.Server.Protocols) == 0 {
		cfg.Server.Protocols = d.Server.Protocols
	}
	for i, p := range cfg.Server.Protocols {
		cfg.Server.Protocols[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = d.Server.HeartbeatInterval
	}

	if cfg.Limits.KeepAliveTimeout == 0 {
		cfg.Limits.KeepAliveTimeout = d.Limits.KeepAliveTimeout
	}
	if cfg.Limits.RequestHeadersTimeout == 0 {
		cfg.Limits.RequestHeadersTimeout = d.Limits.RequestHeadersTimeout
	}
	if cfg.Limits.MaxConcurrentConnections == 0 {
		cfg.Limits.MaxConcurrentConnections = -1
	}
	if cfg.Limits.MaxConcurrentUpgradedConnections == 0 {
		cfg.Limits.MaxConcurrentUpgradedConnections = -1
	}

	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		a.Type = strings.ToLower(a.Type)
		if a.Options == nil {
			a.Options = make(map[string]any)
		}
	}
}
