package config

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gookit/goutil/testutil/assert"
	"github.com/newacorn/httpconn"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	assert.NoErr(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoErr(t, err)
	assert.Eq(t, "INFO", cfg.Logging.Level)
	assert.Eq(t, DefaultListen, cfg.Server.Listen)
	assert.Eq(t, []string{"http1"}, cfg.Server.Protocols)
	assert.Eq(t, httpconn.DefaultKeepAliveTimeout, cfg.Limits.KeepAliveTimeout)
	assert.Eq(t, int64(-1), cfg.Limits.MaxConcurrentConnections)

	limits, err := cfg.ServiceLimits()
	assert.NoErr(t, err)
	assert.NotNil(t, limits.MinRequestBodyDataRate)
	assert.Eq(t, float64(240), limits.MinRequestBodyDataRate.BytesPerSecond)
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, "httpconnd.toml", `
[logging]
level = "debug"
format = "json"

[server]
listen = "127.0.0.1:9000"
protocols = ["http2"]
shutdown_timeout = "5s"

[limits]
keep_alive_timeout = "45s"
max_concurrent_connections = 100

[limits.min_request_body_data_rate]
bytes_per_second = 0

[[adapters]]
type = "logging"
[adapters.options]
level = "info"
max_line = 64
`)
	cfg, err := Load(p)
	assert.NoErr(t, err)
	assert.Eq(t, "DEBUG", cfg.Logging.Level)
	assert.Eq(t, "json", cfg.Logging.Format)
	assert.Eq(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Eq(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Eq(t, 45*time.Second, cfg.Limits.KeepAliveTimeout)
	assert.Eq(t, int64(100), cfg.Limits.MaxConcurrentConnections)
	assert.Len(t, cfg.Adapters, 1)

	protocols, err := cfg.Protocols()
	assert.NoErr(t, err)
	assert.Eq(t, httpconn.HTTP2, protocols)

	limits, err := cfg.ServiceLimits()
	assert.NoErr(t, err)
	assert.Nil(t, limits.MinRequestBodyDataRate)
	assert.NotNil(t, limits.MinResponseDataRate)

	adapters, err := BuildAdapters(cfg.Adapters, protocols, zerolog.Nop())
	assert.NoErr(t, err)
	la, ok := adapters[0].(*httpconn.LoggingAdapter)
	assert.True(t, ok)
	assert.Eq(t, zerolog.InfoLevel, la.Level)
	assert.Eq(t, 64, la.MaxLine)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	p := writeFile(t, "httpconnd.toml", `
[limits]
keep_alive_timeout = "45s"
`)
	t.Setenv("HTTPCONN_LIMITS_KEEP_ALIVE_TIMEOUT", "1m")
	t.Setenv("HTTPCONN_SERVER_LISTEN", "127.0.0.1:7000")

	cfg, err := Load(p)
	assert.NoErr(t, err)
	assert.Eq(t, time.Minute, cfg.Limits.KeepAliveTimeout)
	assert.Eq(t, "127.0.0.1:7000", cfg.Server.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Err(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "TRACE" }, "Level"},
		{"bad protocol", func(c *Config) { c.Server.Protocols = []string{"http3"} }, "Protocols"},
		{"bad listen", func(c *Config) { c.Server.Listen = "8080" }, "server.listen"},
		{"both protocols without tls", func(c *Config) {
			c.Server.Protocols = []string{"http1", "http2"}
		}, "require a tls adapter"},
		{"both protocols with tls", func(c *Config) {
			c.Server.Protocols = []string{"http1", "http2"}
			c.Adapters = []AdapterConfig{{Type: "tls"}}
		}, ""},
		{"two tls adapters", func(c *Config) {
			c.Adapters = []AdapterConfig{{Type: "tls"}, {Type: "tls"}}
		}, "only one tls adapter"},
		{"unknown adapter", func(c *Config) {
			c.Adapters = []AdapterConfig{{Type: "gzip"}}
		}, "Type"},
		{"grace period below heartbeat", func(c *Config) {
			c.Limits.MinResponseDataRate.GracePeriod = time.Second
		}, "grace_period"},
		{"disabled rate ignores grace period", func(c *Config) {
			c.Limits.MinResponseDataRate = DataRateConfig{}
		}, ""},
		{"limit below -1", func(c *Config) { c.Limits.MaxConcurrentConnections = -2 }, "MaxConcurrentConnections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			ApplyDefaults(&cfg)
			err := Validate(&cfg)
			if tt.errSub == "" {
				assert.NoErr(t, err)
				return
			}
			assert.Err(t, err)
			assert.StrContains(t, err.Error(), tt.errSub)
		})
	}
}

func TestShortHeartbeatAllowsShortGracePeriod(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Server.HeartbeatInterval = 200 * time.Millisecond
	cfg.Limits.MinRequestBodyDataRate = DataRateConfig{BytesPerSecond: 240, GracePeriod: time.Second}
	ApplyDefaults(&cfg)
	assert.NoErr(t, Validate(&cfg))

	l, err := cfg.ServiceLimits()
	assert.NoErr(t, err)
	assert.NotNil(t, l.MinRequestBodyDataRate)
	assert.Eq(t, time.Second, l.MinRequestBodyDataRate.GracePeriod)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Logging: LoggingConfig{Level: "warn"},
		Server:  ServerConfig{Protocols: []string{" HTTP2 "}, ShutdownTimeout: time.Second},
		Adapters: []AdapterConfig{{Type: "TLS"}},
	}
	ApplyDefaults(&cfg)
	assert.Eq(t, "WARN", cfg.Logging.Level)
	assert.Eq(t, "text", cfg.Logging.Format)
	assert.Eq(t, []string{"http2"}, cfg.Server.Protocols)
	assert.Eq(t, time.Second, cfg.Server.ShutdownTimeout)
	assert.Eq(t, httpconn.DefaultHeartbeatInterval, cfg.Server.HeartbeatInterval)
	assert.Eq(t, int64(-1), cfg.Limits.MaxConcurrentUpgradedConnections)
	assert.Eq(t, "tls", cfg.Adapters[0].Type)
	assert.NotNil(t, cfg.Adapters[0].Options)
}

func writeKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoErr(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.NoErr(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	assert.NoErr(t, err)

	certFile = writeFile(t, "cert.pem", string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	keyFile = writeFile(t, "key.pem", string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	return certFile, keyFile
}

func TestBuildAdapters(t *testing.T) {
	t.Parallel()
	certFile, keyFile := writeKeyPair(t)
	adapters, err := BuildAdapters([]AdapterConfig{
		{Type: "tls", Options: map[string]any{
			"cert_file":         certFile,
			"key_file":          keyFile,
			"handshake_timeout": "3s",
		}},
		{Type: "logging", Options: map[string]any{"max_line": "128"}},
	}, httpconn.HTTP1AndHTTP2, zerolog.Nop())
	assert.NoErr(t, err)
	assert.Len(t, adapters, 2)
	assert.Eq(t, "tls", adapters[0].Name())
	assert.True(t, adapters[0].IsTLS())
	assert.Eq(t, "logging", adapters[1].Name())
	assert.Eq(t, 128, adapters[1].(*httpconn.LoggingAdapter).MaxLine)
}

func TestBuildAdaptersErrors(t *testing.T) {
	t.Parallel()
	_, err := BuildAdapters([]AdapterConfig{{Type: "tls"}}, httpconn.HTTP1, zerolog.Nop())
	assert.Err(t, err)
	assert.StrContains(t, err.Error(), "adapters[0]")

	_, err = BuildAdapters([]AdapterConfig{{Type: "logging", Options: map[string]any{"colour": true}}}, httpconn.HTTP1, zerolog.Nop())
	assert.Err(t, err)

	_, err = BuildAdapters([]AdapterConfig{{Type: "logging", Options: map[string]any{"level": "loud"}}}, httpconn.HTTP1, zerolog.Nop())
	assert.Err(t, err)
}

func TestDumpRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Server.Listen = "127.0.0.1:8443"
	var buf bytes.Buffer
	assert.NoErr(t, Dump(&buf, &cfg))
	assert.StrContains(t, buf.String(), "[server]")

	var back Config
	_, err := toml.Decode(buf.String(), &back)
	assert.NoErr(t, err)
	assert.Eq(t, cfg.Server.Listen, back.Server.Listen)
	assert.Eq(t, cfg.Server.ShutdownTimeout, back.Server.ShutdownTimeout)
	assert.Eq(t, cfg.Limits.MaxConcurrentConnections, back.Limits.MaxConcurrentConnections)
}
