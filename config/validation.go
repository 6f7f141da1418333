package config

import (
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
	"github.com/newacorn/httpconn"
	"github.com/pkg/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first and then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return errors.Wrapf(err, "server.listen: %q is not a host:port address", cfg.Server.Listen)
	}

	protocols, err := cfg.Protocols()
	if err != nil {
		return errors.Wrap(err, "server.protocols")
	}
	if protocols == 0 {
		return errors.New("server.protocols: at least one protocol must be enabled")
	}

	hasTLS := false
	for i, a := range cfg.Adapters {
		if a.Type == "tls" {
			if hasTLS {
				return errors.Errorf("adapters[%d]: only one tls adapter may be configured", i)
			}
			hasTLS = true
		}
	}
	if protocols == httpconn.HTTP1AndHTTP2 && !hasTLS {
		return errors.New("server.protocols: http1 and http2 on one endpoint require a tls adapter")
	}

	for name, r := range map[string]DataRateConfig{
		"limits.min_request_body_data_rate": cfg.Limits.MinRequestBodyDataRate,
		"limits.min_response_data_rate":     cfg.Limits.MinResponseDataRate,
	} {
		if r.BytesPerSecond > 0 && r.GracePeriod <= cfg.Server.HeartbeatInterval {
			return errors.Errorf("%s: grace_period %s must be greater than the heartbeat interval %s",
				name, r.GracePeriod, cfg.Server.HeartbeatInterval)
		}
	}
	return nil
}

// formatValidationError reports the first failed tag with its field path.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
