package httpconn

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultConcurrency is the maximum number of worker goroutines serving
// connections of one listener when Server.Concurrency is unset.
const DefaultConcurrency = 256 * 1024

// DefaultAbortWait bounds how long Shutdown waits for aborted connections
// to tear down once its context is done.
const DefaultAbortWait = time.Second

// Server accepts connections and runs each one through a Connection.
//
// It is safe to call Serve on several listeners of one Server.
type Server struct {
	// Handler serves every request of every protocol.
	Handler http.Handler

	// Service is shared by all connections. A default one logging nowhere
	// is created when nil.
	Service *ServiceContext

	// Protocols enabled on the endpoint. Zero enables HTTP/1.x only.
	Protocols HTTPProtocols

	// Adapters run in order on every accepted connection before protocol
	// selection.
	Adapters []Adapter

	// IDs generates connection ids. Seeded from the wall clock when nil.
	IDs *ConnectionIDGenerator

	// Concurrency bounds the worker goroutines of each listener.
	// DefaultConcurrency is used if not set.
	Concurrency int

	// MaxIdleWorkerDuration is the maximum idle time of a single worker in
	// the underlying worker pool of the Server. Idle workers beyond this
	// time will be cleared.
	MaxIdleWorkerDuration time.Duration

	// SleepWhenConcurrencyLimitsExceeded is slept after a rejection so
	// that other servers on the same SO_REUSEPORT address get a chance to
	// accept.
	SleepWhenConcurrencyLimitsExceeded time.Duration

	// LogAllErrors logs every connection error, including the ones only
	// meaning the peer went away.
	LogAllErrors bool

	initOnce  sync.Once
	heartbeat *Heartbeat

	mu       sync.Mutex
	ln       []net.Listener
	stopping atomic.Bool

	rejectedByConnectionLimit atomic.Uint64
	rejectedByWorkerLimit     atomic.Uint64
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		if s.Service == nil {
			s.Service = NewServiceContext(zerolog.Nop(), DefaultLimits())
		}
		if s.Protocols == 0 {
			s.Protocols = HTTP1
		}
		if s.IDs == nil {
			s.IDs = NewConnectionIDGenerator(uint64(time.Now().UnixNano()))
		}
		if s.Handler == nil {
			s.Handler = http.NotFoundHandler()
		}
		s.heartbeat = s.Service.NewHeartbeat()
		s.heartbeat.Start()
	})
}

func (s *Server) concurrency() int {
	if s.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return s.Concurrency
}

// RejectedConnections returns how many accepted connections were turned
// away because a concurrency limit was reached.
func (s *Server) RejectedConnections() uint64 {
	return s.rejectedByConnectionLimit.Load() + s.rejectedByWorkerLimit.Load()
}

// Registry returns the registry of the live connections.
func (s *Server) Registry() *ConnectionRegistry {
	s.init()
	return s.Service.Registry
}

func (s *Server) newConnection(c net.Conn) *Connection {
	return NewConnection(s.Service, s.IDs.Next(), c, ConnectionOptions{
		Adapters:        s.Adapters,
		Protocols:       s.Protocols,
		holdsNormalSlot: true,
	})
}

// Serve accepts connections from ln until it is closed, and returns nil
// once Shutdown closed it.
func (s *Server) Serve(ln net.Listener) error {
	s.init()
	log := s.Service.Log
	t := newTrace(log)
	// at most one overflow line per minute.
	var lastOverflowErrorTime time.Time

	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerShuttingDown
	}
	s.ln = append(s.ln, ln)
	s.mu.Unlock()

	maxWorkersCount := s.concurrency()
	wp := &workerPool{
		WorkerFunc:            s.serveConn,
		MaxWorkersCount:       maxWorkersCount,
		LogAllErrors:          s.LogAllErrors,
		MaxIdleWorkerDuration: s.MaxIdleWorkerDuration,
		Log:                   log,
	}
	wp.Start()

	for {
		c, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn().Err(err).Msg("timeout error when accepting new connections")
				time.Sleep(time.Second)
				continue
			}
			wp.Stop()
			if errors.Is(err, io.EOF) || isClosedConnError(err) {
				return nil
			}
			log.Error().Err(err).Msg("permanent error when accepting new connections")
			return err
		}

		if !s.Service.Registry.Normal.TryLockOne() {
			s.rejectedByConnectionLimit.Add(1)
			_, _ = c.Write([]byte(concurrencyLimitErr))
			_ = c.Close()
			if time.Since(lastOverflowErrorTime) > time.Minute {
				t.ConnectionRejected(s.IDs.Next(), errors.Wrapf(ErrConcurrencyLimit,
					"%d connections are served currently, try increasing MaxConcurrentConnections",
					s.Service.Registry.Normal.Count()))
				lastOverflowErrorTime = time.Now()
			}
			s.sleepAfterReject()
			continue
		}

		conn := s.newConnection(c)
		if !wp.Serve(conn) {
			s.rejectedByWorkerLimit.Add(1)
			_, _ = c.Write([]byte(concurrencyLimitErr))
			conn.Abort(ErrConcurrencyLimit)
			if time.Since(lastOverflowErrorTime) > time.Minute {
				st := wp.Stats()
				t.ConnectionRejected(conn.ID(), errors.Wrapf(ErrConcurrencyLimit,
					"%d of %d workers are busy, try increasing Server.Concurrency", st.Busy, maxWorkersCount))
				lastOverflowErrorTime = time.Now()
			}
			s.sleepAfterReject()
		}
	}
}

func (s *Server) sleepAfterReject() {
	if s.SleepWhenConcurrencyLimitsExceeded > 0 {
		time.Sleep(s.SleepWhenConcurrencyLimitsExceeded)
	}
}

// ServeConn serves c on the calling goroutine. It returns
// ErrConcurrencyLimit if MaxConcurrentConnections is reached, after sending
// the peer a 503.
func (s *Server) ServeConn(c net.Conn) error {
	s.init()
	if s.stopping.Load() {
		_ = c.Close()
		return ErrServerShuttingDown
	}
	if !s.Service.Registry.Normal.TryLockOne() {
		s.rejectedByConnectionLimit.Add(1)
		_, _ = c.Write([]byte(concurrencyLimitErr))
		_ = c.Close()
		return ErrConcurrencyLimit
	}
	return s.serveConn(s.newConnection(c))
}

func (s *Server) serveConn(c *Connection) error {
	if s.stopping.Load() {
		c.Abort(ErrServerShuttingDown)
	}
	return c.ProcessRequests(s.Handler)
}

// Shutdown closes the listeners, lets every connection finish its in-flight
// request and waits for them to close. Connections still open when ctx is
// done are aborted; ctx.Err() is returned in that case.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	s.stopping.Store(true)
	var err error
	for _, ln := range s.ln {
		if cerr := ln.Close(); cerr != nil && err == nil && !isClosedConnError(cerr) {
			err = cerr
		}
	}
	s.ln = nil
	s.mu.Unlock()

	reg := s.Service.Registry
	if cerr := reg.CloseAll(ctx); cerr != nil {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultAbortWait)
		_ = reg.AbortAll(abortCtx, ErrServerShuttingDown)
		cancel()
		err = cerr
	}
	s.heartbeat.Stop()
	return err
}
