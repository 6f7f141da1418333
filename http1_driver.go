package httpconn

import (
	"net"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Request phases of an HTTP/1.x connection, each with its own timeout.
const (
	// waiting for the first byte of a request; keep-alive timeout.
	http1PhaseIdle int32 = iota
	// request line and headers arriving; request headers timeout.
	http1PhaseHeaders
	// headers parsed, body being read; read data rate.
	http1PhaseBody
	// application running or response being written; write data rate.
	http1PhaseApp
)

// http1Driver serves HTTP/1.x with one fasthttp.Server per connection.
// fasthttp sets no socket deadlines here; every timeout is armed on the
// connection's TimeoutControl.
type http1Driver struct {
	dc   DriverContext
	conn *http1PhaseConn
	// serve is conn, or conn with the TLS state exposed to fasthttp.
	serve net.Conn
	srv   *fasthttp.Server

	phase    atomic.Int32
	stopping atomic.Bool
	aborted  atomic.Bool
	requests atomic.Int64
}

// NewHTTP1Driver is the default HTTP/1.x DriverFactory.
func NewHTTP1Driver(dc DriverContext) Driver {
	d := &http1Driver{dc: dc}
	d.conn = &http1PhaseConn{Conn: dc.Conn, d: d}
	d.serve = d.conn
	if tc, ok := dc.Conn.(connTLSer); ok {
		d.serve = &http1PhaseTLSConn{http1PhaseConn: d.conn, connTLSer: tc}
	}
	return d
}

func (d *http1Driver) ProcessRequests(app http.Handler) error {
	h := fasthttpadaptor.NewFastHTTPHandler(app)
	d.srv = &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			d.handle(ctx, h)
		},
		HeaderReceived: d.headerReceived,
		Logger:         newPrintfLogger(d.dc.Log, zerolog.DebugLevel),
		Name:           "httpconn",
	}
	d.enterIdle()
	err := d.srv.ServeConn(d.serve)
	d.dc.Log.Debug().Int64("requests", d.requests.Load()).Msg("http1 driver done")
	if err == nil || d.aborted.Load() {
		return err
	}
	if d.stopping.Load() && isClosedConnError(err) {
		return nil
	}
	if isCommonNetReadError(err) {
		return nil
	}
	return err
}

func (d *http1Driver) enterIdle() {
	d.phase.Store(http1PhaseIdle)
	d.dc.TimeoutControl.ResetTimeout(d.dc.Limits.KeepAliveTimeout, TimeoutActionStopProcessingNextRequest, TimeoutReasonKeepAlive)
	if d.stopping.Load() {
		_ = d.conn.Close()
	}
}

func (d *http1Driver) headerReceived(header *fasthttp.RequestHeader) fasthttp.RequestConfig {
	d.phase.Store(http1PhaseBody)
	tc := d.dc.TimeoutControl
	tc.CancelTimeout()
	if header.ContentLength() != 0 && !header.ConnectionUpgrade() {
		tc.StartTimingReads()
	}
	return fasthttp.RequestConfig{}
}

func (d *http1Driver) handle(ctx *fasthttp.RequestCtx, h fasthttp.RequestHandler) {
	tc := d.dc.TimeoutControl
	tc.StopTimingReads()
	if d.phase.Swap(http1PhaseApp) == http1PhaseHeaders {
		tc.CancelTimeout()
	}
	d.requests.Add(1)
	if ctx.Request.Header.ConnectionUpgrade() {
		if err := d.dc.TryUpgrade(); err != nil {
			ctx.Error(err.Error(), http.StatusServiceUnavailable)
			ctx.SetConnectionClose()
			return
		}
	}
	d.runApp(ctx, h)
	if d.stopping.Load() {
		ctx.SetConnectionClose()
	}
}

// runApp turns a panicking application into a 500 that ends the connection.
func (d *http1Driver) runApp(ctx *fasthttp.RequestCtx, h fasthttp.RequestHandler) {
	defer func() {
		if v := recover(); v != nil {
			newTrace(d.dc.Log).ApplicationError(d.dc.ConnectionID, errors.Errorf("panic: %v", v))
			ctx.Response.Reset()
			ctx.Error(http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			ctx.SetConnectionClose()
		}
	}()
	h(ctx)
}

// StopProcessingNextRequest closes an idle connection at once and a busy
// one after its current response.
func (d *http1Driver) StopProcessingNextRequest() {
	d.stopping.Store(true)
	if d.phase.Load() == http1PhaseIdle {
		_ = d.conn.Close()
	}
}

func (d *http1Driver) Abort(error) {
	d.aborted.Store(true)
	_ = d.conn.Close()
}

// SendTimeoutResponse writes 408 while the request is still arriving;
// once the application has the request it is too late.
func (d *http1Driver) SendTimeoutResponse() bool {
	if !d.phase.CompareAndSwap(http1PhaseHeaders, http1PhaseApp) &&
		!d.phase.CompareAndSwap(http1PhaseBody, http1PhaseApp) {
		return false
	}
	d.stopping.Store(true)
	_ = writeErrHTTPResponse(d.conn.Conn, http.StatusRequestTimeout, "", nil)
	_ = d.conn.Close()
	return true
}

// http1PhaseConn advances the request phase from the reads fasthttp makes.
type http1PhaseConn struct {
	net.Conn
	d *http1Driver
}

func (c *http1PhaseConn) Read(b []byte) (int, error) {
	d := c.d
	if d.phase.Load() == http1PhaseApp {
		// the response is out and fasthttp waits for the next request.
		d.enterIdle()
	}
	n, err := c.Conn.Read(b)
	if n > 0 && d.phase.CompareAndSwap(http1PhaseIdle, http1PhaseHeaders) {
		d.dc.TimeoutControl.ResetTimeout(d.dc.Limits.RequestHeadersTimeout, TimeoutActionSendTimeoutResponse, TimeoutReasonRequestHeaders)
	}
	return n, err
}

type http1PhaseTLSConn struct {
	*http1PhaseConn
	connTLSer
}
