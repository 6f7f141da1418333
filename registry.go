package httpconn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ResourceCounter admits up to a fixed number of holders.
type ResourceCounter struct {
	max   int64
	count atomic.Int64
}

// Unlimited admits every request but still counts holders.
func Unlimited() *ResourceCounter {
	return &ResourceCounter{max: -1}
}

// Quota admits at most max holders at once.
func Quota(max int64) *ResourceCounter {
	return &ResourceCounter{max: max}
}

func (r *ResourceCounter) TryLockOne() bool {
	if r.max < 0 {
		r.count.Add(1)
		return true
	}
	for {
		n := r.count.Load()
		if n >= r.max {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *ResourceCounter) ReleaseOne() {
	if r.count.Add(-1) < 0 {
		panic("BUG: ResourceCounter released more often than locked")
	}
}

func (r *ResourceCounter) Count() int64 {
	return r.count.Load()
}

// ConnectionRegistry tracks every live Connection of a listener for the
// heartbeat and for graceful shutdown.
type ConnectionRegistry struct {
	conns *xsync.MapOf[string, *Connection]

	// Normal bounds connections that have not been upgraded.
	Normal *ResourceCounter
	// Upgraded bounds connections switched to another protocol.
	Upgraded *ResourceCounter

	registered   *xsync.Counter
	deregistered *xsync.Counter
}

// NewConnectionRegistry builds a registry with counters derived from limits.
func NewConnectionRegistry(limits Limits) *ConnectionRegistry {
	presize := 1024
	if limits.MaxConcurrentConnections > 0 {
		presize = int(min(limits.MaxConcurrentConnections>>4, 1<<16))
	}
	return &ConnectionRegistry{
		conns:        xsync.NewMapOf[string, *Connection](xsync.WithPresize(presize)),
		Normal:       limits.connectionCounter(),
		Upgraded:     limits.upgradedCounter(),
		registered:   xsync.NewCounter(),
		deregistered: xsync.NewCounter(),
	}
}

func (r *ConnectionRegistry) Register(c *Connection) {
	r.conns.Store(c.ID(), c)
	r.registered.Inc()
}

// Deregister removes id and reports whether it was present.
func (r *ConnectionRegistry) Deregister(id string) bool {
	if _, ok := r.conns.LoadAndDelete(id); !ok {
		return false
	}
	r.deregistered.Inc()
	return true
}

func (r *ConnectionRegistry) Lookup(id string) (*Connection, bool) {
	return r.conns.Load(id)
}

// Walk calls fn for every live connection until fn returns false.
func (r *ConnectionRegistry) Walk(fn func(c *Connection) bool) {
	r.conns.Range(func(_ string, c *Connection) bool {
		return fn(c)
	})
}

func (r *ConnectionRegistry) Count() int {
	return r.conns.Size()
}

// RegistryStats are lifetime totals.
type RegistryStats struct {
	Registered   int64
	Deregistered int64
	Live         int
	Normal       int64
	Upgraded     int64
}

func (r *ConnectionRegistry) Stats() RegistryStats {
	return RegistryStats{
		Registered:   r.registered.Value(),
		Deregistered: r.deregistered.Value(),
		Live:         r.conns.Size(),
		Normal:       r.Normal.Count(),
		Upgraded:     r.Upgraded.Count(),
	}
}

// OnHeartbeat ticks every live connection.
func (r *ConnectionRegistry) OnHeartbeat(now int64) {
	r.conns.Range(func(_ string, c *Connection) bool {
		c.Tick(now)
		return true
	})
}

// CloseAll asks every connection to finish its in-flight request and waits
// until all have closed or ctx is done.
func (r *ConnectionRegistry) CloseAll(ctx context.Context) error {
	r.Walk(func(c *Connection) bool {
		c.StopProcessingNextRequest()
		return true
	})
	return r.wait(ctx)
}

// AbortAll aborts every connection and waits until they have torn down or
// ctx is done.
func (r *ConnectionRegistry) AbortAll(ctx context.Context, reason error) error {
	r.Walk(func(c *Connection) bool {
		c.Abort(reason)
		return true
	})
	return r.wait(ctx)
}

func (r *ConnectionRegistry) wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		var pending *Connection
		r.Walk(func(c *Connection) bool {
			pending = c
			return false
		})
		if pending == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending.Done():
		case <-ticker.C:
		}
	}
}
