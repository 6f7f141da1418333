package httpconn

import (
	"crypto/tls"
	"net"
)

// meteredConn reports the traffic of the final stream to TimeoutControl.
type meteredConn struct {
	net.Conn
	tc *TimeoutControl
}

func (c *meteredConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.tc.BytesRead(int64(n))
	}
	return n, err
}

func (c *meteredConn) Write(b []byte) (int, error) {
	c.tc.StartTimingWrite(int64(len(b)))
	n, err := c.Conn.Write(b)
	c.tc.StopTimingWrite()
	return n, err
}

type connTLSer interface {
	Handshake() error
	ConnectionState() tls.ConnectionState
}

// meteredTLSConn exposes the negotiated TLS state to drivers that look for it
// on the stream.
type meteredTLSConn struct {
	*meteredConn
	state tls.ConnectionState
}

var _ connTLSer = (*meteredTLSConn)(nil)

func (c *meteredTLSConn) ConnectionState() tls.ConnectionState {
	return c.state
}

// Handshake is a no-op; a TLS adapter has already completed it.
func (c *meteredTLSConn) Handshake() error {
	return nil
}

func newMeteredConn(c net.Conn, tc *TimeoutControl, f Features) net.Conn {
	mc := &meteredConn{Conn: c, tc: tc}
	if f.TLS != nil {
		return &meteredTLSConn{meteredConn: mc, state: *f.TLS}
	}
	return mc
}
