package httpconn

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/rs/zerolog"
)

// ServiceContext is shared by every connection of a listener.
type ServiceContext struct {
	Log               zerolog.Logger
	Clock             Clock
	Registry          *ConnectionRegistry
	Limits            Limits
	HeartbeatInterval time.Duration
	// Pool runs timeout actions so the heartbeat never waits on a connection.
	Pool  gopool.Pool
	HTTP1 DriverFactory
	HTTP2 DriverFactory
}

// DefaultTimeoutPoolSize caps the goroutines running timeout actions.
const DefaultTimeoutPoolSize = 1024

// NewServiceContext fills every dependency with its default.
func NewServiceContext(log zerolog.Logger, limits Limits) *ServiceContext {
	limits.ApplyDefaults()
	pool := gopool.NewPool("httpconn-timeouts", DefaultTimeoutPoolSize, gopool.NewConfig())
	pool.SetPanicHandler(func(_ context.Context, v any) {
		log.Error().Str("panic", fmt.Sprint(v)).Msg("timeout action panicked")
	})
	return &ServiceContext{
		Log:               log,
		Clock:             SystemClock{},
		Registry:          NewConnectionRegistry(limits),
		Limits:            limits,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Pool:              pool,
		HTTP1:             NewHTTP1Driver,
		HTTP2:             NewHTTP2Driver,
	}
}

// NewHeartbeat returns a heartbeat ticking the registry of sc.
func (sc *ServiceContext) NewHeartbeat() *Heartbeat {
	return NewHeartbeat(sc.HeartbeatInterval, sc.Clock, sc.Log, sc.Registry)
}

func (sc *ServiceContext) factory(p HTTPProtocols) DriverFactory {
	if p == HTTP2 {
		return sc.HTTP2
	}
	return sc.HTTP1
}

func (sc *ServiceContext) run(fn func()) {
	if sc.Pool == nil {
		go fn()
		return
	}
	sc.Pool.Go(fn)
}
