package httpconn

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultHeartbeatInterval is how often the Heartbeat ticks every connection.
const DefaultHeartbeatInterval = time.Second

// MinDataRate is the lowest throughput a body transfer may sustain once its
// grace period has passed.
type MinDataRate struct {
	BytesPerSecond float64
	GracePeriod    time.Duration
}

// NewMinDataRate validates and returns a rate. The grace period must exceed
// heartbeatInterval, since a shorter window could never be observed. A
// non-positive heartbeatInterval selects DefaultHeartbeatInterval.
func NewMinDataRate(bytesPerSecond float64, gracePeriod, heartbeatInterval time.Duration) (*MinDataRate, error) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if bytesPerSecond < 0 {
		return nil, errors.Errorf("bytes per second %v must be non-negative", bytesPerSecond)
	}
	if gracePeriod <= heartbeatInterval {
		return nil, errors.Errorf("grace period %s must be greater than the heartbeat interval %s", gracePeriod, heartbeatInterval)
	}
	return &MinDataRate{BytesPerSecond: bytesPerSecond, GracePeriod: gracePeriod}, nil
}

// Limits bounds what a single connection and the whole listener may consume.
//
// A zero value field takes the matching default in ApplyDefaults; a negative
// MaxConcurrent* value means unlimited.
type Limits struct {
	KeepAliveTimeout                 time.Duration
	RequestHeadersTimeout            time.Duration
	MaxConcurrentConnections         int64
	MaxConcurrentUpgradedConnections int64
	// nil disables the request body rate check.
	MinRequestBodyDataRate *MinDataRate
	// nil disables the response rate check.
	MinResponseDataRate *MinDataRate
}

const (
	DefaultKeepAliveTimeout      = 130 * time.Second
	DefaultRequestHeadersTimeout = 30 * time.Second
)

// DefaultLimits returns the limits a listener runs with when none are configured.
func DefaultLimits() Limits {
	return Limits{
		KeepAliveTimeout:                 DefaultKeepAliveTimeout,
		RequestHeadersTimeout:            DefaultRequestHeadersTimeout,
		MaxConcurrentConnections:         -1,
		MaxConcurrentUpgradedConnections: -1,
		MinRequestBodyDataRate:           &MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		MinResponseDataRate:              &MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
	}
}

func (l *Limits) ApplyDefaults() {
	if l.KeepAliveTimeout == 0 {
		l.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if l.RequestHeadersTimeout == 0 {
		l.RequestHeadersTimeout = DefaultRequestHeadersTimeout
	}
	if l.MaxConcurrentConnections == 0 {
		l.MaxConcurrentConnections = -1
	}
	if l.MaxConcurrentUpgradedConnections == 0 {
		l.MaxConcurrentUpgradedConnections = -1
	}
}

func (l Limits) connectionCounter() *ResourceCounter {
	if l.MaxConcurrentConnections < 0 {
		return Unlimited()
	}
	return Quota(l.MaxConcurrentConnections)
}

func (l Limits) upgradedCounter() *ResourceCounter {
	if l.MaxConcurrentUpgradedConnections < 0 {
		return Unlimited()
	}
	return Quota(l.MaxConcurrentUpgradedConnections)
}
