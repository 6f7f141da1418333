package httpconn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/newacorn/httpconn/buffers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// AdapterContext is what an adapter sees of the connection.
type AdapterContext struct {
	ConnectionID string
	// Conn is the stream produced by the previous adapter, or the transport.
	Conn net.Conn
	// Features may be updated by the adapter for the ones after it and for
	// protocol selection.
	Features *Features
}

// Adapter transforms the stream of a connection before a protocol is chosen.
// Adapters run in their configured order, each one over the stream of the
// previous one.
type Adapter interface {
	Name() string
	IsTLS() bool
	// OnConnection must give up when ctx is done.
	OnConnection(ctx context.Context, ac *AdapterContext) (AdaptedConnection, error)
}

// AdaptedConnection is an adapter's output. Close releases what the adapter
// holds; adapters are closed in reverse order during teardown.
type AdaptedConnection interface {
	Conn() net.Conn
	Close() error
}

// DefaultTLSHandshakeTimeout bounds a TLS handshake when none is configured.
const DefaultTLSHandshakeTimeout = 10 * time.Second

// TLSAdapter terminates TLS and records the negotiated state.
type TLSAdapter struct {
	config           *tls.Config
	handshakeTimeout time.Duration
}

// NewTLSAdapter clones cfg and, when it offers no ALPN protocols, offers the
// ones matching protocols.
func NewTLSAdapter(cfg *tls.Config, protocols HTTPProtocols, handshakeTimeout time.Duration) (*TLSAdapter, error) {
	if cfg == nil {
		return nil, errors.New("tls adapter: nil tls.Config")
	}
	if len(cfg.Certificates) == 0 && cfg.GetCertificate == nil && cfg.GetConfigForClient == nil {
		return nil, errors.New("tls adapter: no certificate configured")
	}
	c := cfg.Clone()
	if len(c.NextProtos) == 0 {
		c.NextProtos = protocols.alpnProtocols()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	return &TLSAdapter{config: c, handshakeTimeout: handshakeTimeout}, nil
}

// LoadTLSAdapter reads a PEM certificate and key pair from disk.
func LoadTLSAdapter(certFile, keyFile string, protocols HTTPProtocols, handshakeTimeout time.Duration) (*TLSAdapter, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "tls adapter: load key pair")
	}
	return NewTLSAdapter(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, protocols, handshakeTimeout)
}

func (a *TLSAdapter) Name() string { return "tls" }

func (a *TLSAdapter) IsTLS() bool { return true }

func (a *TLSAdapter) OnConnection(ctx context.Context, ac *AdapterContext) (AdaptedConnection, error) {
	tc := tls.Server(ac.Conn, a.config)
	hctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		var re tls.RecordHeaderError
		if errors.As(err, &re) && re.Conn != nil && tlsRecordHeaderLooksLikeHTTP(re.RecordHeader) {
			_, _ = re.Conn.Write([]byte(httpToHTTPSErr))
		}
		return nil, errors.Wrap(err, "tls handshake")
	}
	state := tc.ConnectionState()
	ac.Features.TLS = &state
	return tlsAdapted{tc}, nil
}

type tlsAdapted struct {
	c *tls.Conn
}

func (t tlsAdapted) Conn() net.Conn { return t.c }

// Close sends close_notify without waiting for the peer.
func (t tlsAdapted) Close() error {
	return t.c.CloseWrite()
}

// tlsRecordHeaderLooksLikeHTTP reports whether a TLS record header
// looks like it might've been a misdirected plaintext HTTP request.
func tlsRecordHeaderLooksLikeHTTP(hdr [5]byte) bool {
	switch string(hdr[:]) {
	case "GET /", "HEAD ", "POST ", "PUT /", "OPTIO":
		return true
	}
	return false
}

// DefaultLoggingMaxLine caps a logged line; longer runs are split.
const DefaultLoggingMaxLine = 1024

// LoggingAdapter logs the traffic of the stream it wraps line by line.
type LoggingAdapter struct {
	Log     zerolog.Logger
	Level   zerolog.Level
	MaxLine int
}

func (a *LoggingAdapter) Name() string { return "logging" }

func (a *LoggingAdapter) IsTLS() bool { return false }

func (a *LoggingAdapter) OnConnection(_ context.Context, ac *AdapterContext) (AdaptedConnection, error) {
	maxLine := a.MaxLine
	if maxLine <= 0 {
		maxLine = DefaultLoggingMaxLine
	}
	l := a.Log.With().Str("cid", ac.ConnectionID).Logger()
	lc := &loggingConn{
		Conn: ac.Conn,
		in:   newLineCapture(l, a.Level, "read", maxLine),
		out:  newLineCapture(l, a.Level, "write", maxLine),
	}
	return loggingAdapted{lc}, nil
}

type loggingConn struct {
	net.Conn
	in  *lineCapture
	out *lineCapture
}

func (c *loggingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.in.capture(b[:n])
	}
	return n, err
}

func (c *loggingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.out.capture(b[:n])
	}
	return n, err
}

type loggingAdapted struct {
	c *loggingConn
}

func (a loggingAdapted) Conn() net.Conn { return a.c }

// Close logs what is left of unterminated lines.
func (a loggingAdapted) Close() error {
	a.c.in.flush()
	a.c.out.flush()
	return nil
}

// lineCapture buffers one direction of traffic in pooled chunks and logs
// every complete line.
type lineCapture struct {
	mu      sync.Mutex
	log     zerolog.Logger
	level   zerolog.Level
	dir     string
	maxLine int
	sw      *buffers.SegmentWriter[byte]
	w       buffers.Writer[byte]
	total   int64
}

func newLineCapture(l zerolog.Logger, level zerolog.Level, dir string, maxLine int) *lineCapture {
	lc := &lineCapture{log: l, level: level, dir: dir, maxLine: maxLine, sw: buffers.NewByteSegmentWriter()}
	lc.w = buffers.NewWriter[byte](lc.sw)
	return lc
}

func (lc *lineCapture) capture(p []byte) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.w.Write(p)
	lc.w.Commit()

	r := buffers.NewReader(lc.sw.Sequence())
	for {
		line, ok := r.TryReadTo('\n', true)
		if !ok {
			break
		}
		lc.emit(line)
	}
	for r.Remaining() >= int64(lc.maxLine) {
		chunk := make([]byte, lc.maxLine)
		r.TryCopyTo(chunk)
		_ = r.Advance(int64(lc.maxLine))
		lc.emit(chunk)
	}
	rest := make([]byte, r.Remaining())
	r.TryCopyTo(rest)
	lc.sw.Release()
	lc.w = buffers.NewWriter[byte](lc.sw)
	if len(rest) > 0 {
		lc.w.Write(rest)
		lc.w.Commit()
	}
}

func (lc *lineCapture) flush() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if rest := lc.sw.Sequence(); !rest.IsEmpty() {
		lc.emit(rest.ToSlice())
	}
	lc.sw.Release()
	lc.w = buffers.NewWriter[byte](lc.sw)
}

func (lc *lineCapture) emit(line []byte) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	lc.total++
	buf := bytebufferpool.Get()
	buf.B = strconv.AppendInt(buf.B, lc.total, 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendQuote(buf.B, string(line))
	lc.log.WithLevel(lc.level).Str("dir", lc.dir).Bytes("line", buf.B).Send()
	bytebufferpool.Put(buf)
}
