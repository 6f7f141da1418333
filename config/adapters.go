package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/newacorn/httpconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TLSAdapterOptions are the options of an adapter with type "tls".
type TLSAdapterOptions struct {
	CertFile         string        `mapstructure:"cert_file"`
	KeyFile          string        `mapstructure:"key_file"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// LoggingAdapterOptions are the options of an adapter with type "logging".
type LoggingAdapterOptions struct {
	Level   string `mapstructure:"level"`
	MaxLine int    `mapstructure:"max_line"`
}

// BuildAdapters instantiates the configured adapter chain in order.
func BuildAdapters(cfgs []AdapterConfig, protocols httpconn.HTTPProtocols, log zerolog.Logger) ([]httpconn.Adapter, error) {
	out := make([]httpconn.Adapter, 0, len(cfgs))
	for i, ac := range cfgs {
		a, err := buildAdapter(ac, protocols, log)
		if err != nil {
			return nil, errors.Wrapf(err, "adapters[%d] (%s)", i, ac.Type)
		}
		out = append(out, a)
	}
	return out, nil
}

func buildAdapter(ac AdapterConfig, protocols httpconn.HTTPProtocols, log zerolog.Logger) (httpconn.Adapter, error) {
	switch strings.ToLower(ac.Type) {
	case "tls":
		var o TLSAdapterOptions
		if err := decodeOptions(ac.Options, &o); err != nil {
			return nil, err
		}
		if o.CertFile == "" || o.KeyFile == "" {
			return nil, errors.New("cert_file and key_file are required")
		}
		return httpconn.LoadTLSAdapter(o.CertFile, o.KeyFile, protocols, o.HandshakeTimeout)
	case "logging":
		var o LoggingAdapterOptions
		if err := decodeOptions(ac.Options, &o); err != nil {
			return nil, err
		}
		level := zerolog.DebugLevel
		if o.Level != "" {
			l, err := zerolog.ParseLevel(strings.ToLower(o.Level))
			if err != nil {
				return nil, errors.Wrap(err, "level")
			}
			level = l
		}
		return &httpconn.LoggingAdapter{Log: log, Level: level, MaxLine: o.MaxLine}, nil
	}
	return nil, errors.Errorf("unknown adapter type %q", ac.Type)
}

// decodeOptions decodes a free-form options map, accepting durations as
// strings like "5s".
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(options), "invalid options")
}
