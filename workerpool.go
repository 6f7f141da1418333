package httpconn

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultMaxIdleWorkerDuration is how long an idle worker goroutine is kept
// before the pool lets it exit.
const DefaultMaxIdleWorkerDuration = 10 * time.Second

// workerPool runs connections on a pool of goroutines in FILO order: the
// most recently released worker takes the next connection, which keeps its
// stack warm.
type workerPool struct {
	// WorkerFunc runs one connection to completion.
	WorkerFunc func(c *Connection) error

	MaxWorkersCount       int
	MaxIdleWorkerDuration time.Duration
	LogAllErrors          bool
	Log                   zerolog.Logger

	mu      sync.Mutex
	workers int
	stopped bool
	// idle is ordered by idleSince, oldest first.
	idle []*worker
	busy atomic.Int64

	stopCh     chan struct{}
	workerPool sync.Pool
}

type worker struct {
	idleSince time.Time
	conns     chan *Connection
}

// workerPoolStats is a snapshot of the pool.
type workerPoolStats struct {
	Workers int
	Idle    int
	Busy    int64
}

var workerConnsCap = func() int {
	// a blocking channel hands the connection straight to the worker when
	// only one P exists.
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

func (wp *workerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	wp.workerPool.New = func() any {
		return &worker{conns: make(chan *Connection, workerConnsCap)}
	}
	go func() {
		var evicted []*worker
		for {
			evicted = wp.evictIdle(evicted[:0])
			select {
			case <-stopCh:
				return
			case <-time.After(wp.maxIdleWorkerDuration()):
			}
		}
	}()
}

// Stop releases idle workers. Busy workers exit after their connection.
func (wp *workerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.mu.Lock()
	idle := wp.idle
	wp.idle = nil
	wp.stopped = true
	wp.mu.Unlock()
	for _, w := range idle {
		w.conns <- nil
	}
}

func (wp *workerPool) Stats() workerPoolStats {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return workerPoolStats{Workers: wp.workers, Idle: len(wp.idle), Busy: wp.busy.Load()}
}

func (wp *workerPool) maxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return DefaultMaxIdleWorkerDuration
	}
	return wp.MaxIdleWorkerDuration
}

// evictIdle stops the workers idle for longer than MaxIdleWorkerDuration
// and returns them in buf for reuse by the next call.
func (wp *workerPool) evictIdle(buf []*worker) []*worker {
	cutoff := time.Now().Add(-wp.maxIdleWorkerDuration())

	wp.mu.Lock()
	stale := sort.Search(len(wp.idle), func(i int) bool {
		return !wp.idle[i].idleSince.Before(cutoff)
	})
	if stale == 0 {
		wp.mu.Unlock()
		return buf
	}
	buf = append(buf, wp.idle[:stale]...)
	n := copy(wp.idle, wp.idle[stale:])
	clear(wp.idle[n:])
	wp.idle = wp.idle[:n]
	wp.mu.Unlock()

	// outside the lock: a send may block on a worker of another CPU.
	for i, w := range buf {
		w.conns <- nil
		buf[i] = nil
	}
	return buf
}

// Serve hands c to a worker. It returns false when MaxWorkersCount workers
// are busy.
func (wp *workerPool) Serve(c *Connection) bool {
	w := wp.acquire()
	if w == nil {
		return false
	}
	w.conns <- c
	return true
}

// acquire pops the most recently idle worker or starts a new one.
func (wp *workerPool) acquire() *worker {
	wp.mu.Lock()
	if n := len(wp.idle); n > 0 {
		w := wp.idle[n-1]
		wp.idle[n-1] = nil
		wp.idle = wp.idle[:n-1]
		wp.mu.Unlock()
		return w
	}
	if wp.workers >= wp.MaxWorkersCount {
		wp.mu.Unlock()
		return nil
	}
	wp.workers++
	wp.mu.Unlock()

	w := wp.workerPool.Get().(*worker)
	go func() {
		wp.run(w)
		wp.workerPool.Put(w)
	}()
	return w
}

// park returns w to the idle list; false means the pool is stopped.
func (wp *workerPool) park(w *worker) bool {
	w.idleSince = time.Now()
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	wp.idle = append(wp.idle, w)
	return true
}

func (wp *workerPool) run(w *worker) {
	defer func() {
		wp.mu.Lock()
		wp.workers--
		wp.mu.Unlock()
	}()
	for c := range w.conns {
		if c == nil {
			return
		}
		wp.busy.Add(1)
		err := wp.WorkerFunc(c)
		wp.busy.Add(-1)
		if err != nil && wp.shouldLog(err) {
			wp.Log.Error().Err(err).Str("cid", c.ID()).
				Stringer("local", c.LocalAddr()).Stringer("remote", c.RemoteAddr()).
				Msg("error when serving connection")
		}
		if !wp.park(w) {
			return
		}
	}
}

// shouldLog drops errors that were already traced by the connection or
// only mean the peer went away.
func (wp *workerPool) shouldLog(err error) bool {
	if wp.LogAllErrors {
		return true
	}
	var fault *DriverFault
	return !(IsTimeout(err) || IsConfigurationError(err) || isCommonNetReadError(err) ||
		isClosedConnError(err) || asAdapterError(err, new(*AdapterError)) || errors.As(err, &fault) ||
		errors.Is(err, ErrConnectionAborted) || errors.Is(err, ErrServerShuttingDown))
}
