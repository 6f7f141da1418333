package httpconn

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// http2Driver serves HTTP/2 on one connection with x/net/http2. The
// http.Server only carries configuration and the shutdown hook that
// sends GOAWAY; it never owns a listener.
type http2Driver struct {
	dc  DriverContext
	srv *http.Server
	h2  *http2.Server
	err error

	stopping atomic.Bool
	aborted  atomic.Bool
	streams  atomic.Int64
	requests atomic.Int64

	// bodies counts request bodies that were read from and are not done
	// yet; pending counts Reads blocked on the peer. The read-rate window
	// only runs while pending is above zero, so a handler busy with
	// anything but its body is never charged for it.
	readMu  sync.Mutex
	bodies  int
	pending int
}

// NewHTTP2Driver is the default HTTP/2 DriverFactory.
func NewHTTP2Driver(dc DriverContext) Driver {
	d := &http2Driver{
		dc: dc,
		srv: &http.Server{
			ErrorLog: log.New(newPrintfLogger(dc.Log, zerolog.DebugLevel), "", 0),
		},
		h2: &http2.Server{},
	}
	d.err = http2.ConfigureServer(d.srv, d.h2)
	return d
}

func (d *http2Driver) ProcessRequests(app http.Handler) error {
	if d.err != nil {
		return d.err
	}
	d.idle()
	d.h2.ServeConn(d.dc.Conn, &http2.ServeConnOpts{
		Context:    context.Background(),
		BaseConfig: d.srv,
		Handler:    d.handler(app),
	})
	d.dc.Log.Debug().Int64("requests", d.requests.Load()).Bool("aborted", d.aborted.Load()).Msg("http2 driver done")
	return nil
}

func (d *http2Driver) handler(app http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.streams.Add(1) == 1 {
			d.dc.TimeoutControl.CancelTimeout()
		}
		d.requests.Add(1)
		defer func() {
			if d.streams.Add(-1) == 0 {
				d.idle()
			}
		}()
		if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
			b := &http2TimedBody{ReadCloser: r.Body, d: d}
			defer b.stop()
			r.Body = b
		}
		d.runApp(app, w, r)
	})
}

// runApp logs a panicking application and resets its stream.
func (d *http2Driver) runApp(app http.Handler, w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			newTrace(d.dc.Log).ApplicationError(d.dc.ConnectionID, errors.Errorf("panic: %v", v))
			panic(http.ErrAbortHandler)
		}
	}()
	app.ServeHTTP(w, r)
}

// idle arms the keep-alive timeout once no stream is active.
func (d *http2Driver) idle() {
	if d.stopping.Load() {
		return
	}
	d.dc.TimeoutControl.ResetTimeout(d.dc.Limits.KeepAliveTimeout, TimeoutActionStopProcessingNextRequest, TimeoutReasonKeepAlive)
}

// beginRead accounts for a Read of b about to block. The first body of an
// otherwise quiet connection opens a new window; any later Read resumes it.
func (d *http2Driver) beginRead(b *http2TimedBody) bool {
	d.readMu.Lock()
	defer d.readMu.Unlock()
	if b.done {
		return false
	}
	first := !b.started
	if first {
		b.started = true
		d.bodies++
	}
	d.pending++
	if d.pending == 1 {
		if first && d.bodies == 1 {
			d.dc.TimeoutControl.StartTimingReads()
		} else {
			d.dc.TimeoutControl.ResumeTimingReads()
		}
	}
	return true
}

func (d *http2Driver) endRead() {
	d.readMu.Lock()
	d.pending--
	if d.pending == 0 && d.bodies > 0 {
		d.dc.TimeoutControl.PauseTimingReads()
	}
	d.readMu.Unlock()
}

// bodyDone closes the window once the last started body is consumed.
func (d *http2Driver) bodyDone(b *http2TimedBody) {
	d.readMu.Lock()
	b.done = true
	if b.started {
		d.bodies--
		if d.bodies == 0 {
			d.dc.TimeoutControl.StopTimingReads()
		}
	}
	d.readMu.Unlock()
}

// StopProcessingNextRequest sends GOAWAY; the connection closes once the
// active streams complete.
func (d *http2Driver) StopProcessingNextRequest() {
	if !d.stopping.CompareAndSwap(false, true) {
		return
	}
	d.dc.TimeoutControl.CancelTimeout()
	_ = d.srv.Shutdown(context.Background())
}

func (d *http2Driver) Abort(error) {
	d.aborted.Store(true)
	_ = d.dc.Conn.Close()
}

// http2TimedBody times the reads of one request body. started and done
// are guarded by the driver's readMu.
type http2TimedBody struct {
	io.ReadCloser
	d       *http2Driver
	once    sync.Once
	started bool
	done    bool
}

func (b *http2TimedBody) Read(p []byte) (int, error) {
	timed := b.d.beginRead(b)
	n, err := b.ReadCloser.Read(p)
	if timed {
		b.d.endRead()
	}
	if err != nil {
		b.stop()
	}
	return n, err
}

func (b *http2TimedBody) Close() error {
	b.stop()
	return b.ReadCloser.Close()
}

func (b *http2TimedBody) stop() {
	b.once.Do(func() { b.d.bodyDone(b) })
}
