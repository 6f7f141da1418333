package httpconn

import (
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
)

func TestNewMinDataRate(t *testing.T) {
	t.Parallel()
	r, err := NewMinDataRate(240, 5*time.Second, 0)
	assert.NoErr(t, err)
	assert.Eq(t, float64(240), r.BytesPerSecond)
	assert.Eq(t, 5*time.Second, r.GracePeriod)

	_, err = NewMinDataRate(-1, 5*time.Second, 0)
	assert.Err(t, err)
	_, err = NewMinDataRate(240, DefaultHeartbeatInterval, 0)
	assert.Err(t, err)
}

func TestNewMinDataRateUsesHeartbeatInterval(t *testing.T) {
	t.Parallel()
	r, err := NewMinDataRate(240, time.Second, 200*time.Millisecond)
	assert.NoErr(t, err)
	assert.Eq(t, time.Second, r.GracePeriod)

	_, err = NewMinDataRate(240, 3*time.Second, 5*time.Second)
	assert.Err(t, err)
}

func TestLimitsApplyDefaults(t *testing.T) {
	t.Parallel()
	var l Limits
	l.ApplyDefaults()
	assert.Eq(t, DefaultKeepAliveTimeout, l.KeepAliveTimeout)
	assert.Eq(t, DefaultRequestHeadersTimeout, l.RequestHeadersTimeout)
	assert.Eq(t, int64(-1), l.MaxConcurrentConnections)
	assert.Eq(t, int64(-1), l.MaxConcurrentUpgradedConnections)
	assert.Nil(t, l.MinRequestBodyDataRate)

	l = Limits{KeepAliveTimeout: time.Second, MaxConcurrentConnections: 7}
	l.ApplyDefaults()
	assert.Eq(t, time.Second, l.KeepAliveTimeout)
	assert.Eq(t, int64(7), l.MaxConcurrentConnections)
}

func TestLimitsCounters(t *testing.T) {
	t.Parallel()
	l := DefaultLimits()
	assert.True(t, l.connectionCounter().TryLockOne())

	l.MaxConcurrentConnections = 1
	c := l.connectionCounter()
	assert.True(t, c.TryLockOne())
	assert.False(t, c.TryLockOne())

	l.MaxConcurrentUpgradedConnections = 0
	assert.False(t, l.upgradedCounter().TryLockOne())
}
