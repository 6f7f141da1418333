package httpconn

import (
	"crypto/tls"
	"strings"

	"github.com/pkg/errors"
)

// HTTPProtocols is the set of HTTP versions an endpoint speaks.
type HTTPProtocols uint8

const (
	HTTP1 HTTPProtocols = 1 << iota
	HTTP2

	HTTP1AndHTTP2 = HTTP1 | HTTP2
)

// ALPN identifiers.
const (
	alpnHTTP2  = "h2"
	alpnHTTP11 = "http/1.1"
)

func (p HTTPProtocols) String() string {
	switch p {
	case 0:
		return "none"
	case HTTP1:
		return "HTTP/1.x"
	case HTTP2:
		return "HTTP/2"
	case HTTP1AndHTTP2:
		return "HTTP/1.x and HTTP/2"
	}
	return "unknown"
}

func (p HTTPProtocols) Has(q HTTPProtocols) bool {
	return p&q == q && q != 0
}

// ParseHTTPProtocols maps the configuration names "http1" and "http2".
func ParseHTTPProtocols(names []string) (HTTPProtocols, error) {
	var p HTTPProtocols
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "http1", "http1.1", "http/1.1":
			p |= HTTP1
		case "http2", "h2":
			p |= HTTP2
		default:
			return 0, errors.Errorf("unknown HTTP protocol %q", n)
		}
	}
	return p, nil
}

// alpnProtocols lists what a TLS adapter offers for the enabled versions,
// preferred first.
func (p HTTPProtocols) alpnProtocols() []string {
	var out []string
	if p.Has(HTTP2) {
		out = append(out, alpnHTTP2)
	}
	if p.Has(HTTP1) {
		out = append(out, alpnHTTP11)
	}
	return out
}

// Features carries what the adapter chain learned about the stream.
type Features struct {
	// TLS is set by a TLS adapter after the handshake.
	TLS *tls.ConnectionState
}

func (f Features) IsTLS() bool {
	return f.TLS != nil
}

// ApplicationProtocol returns the ALPN result, or "" without TLS.
func (f Features) ApplicationProtocol() string {
	if f.TLS == nil {
		return ""
	}
	return f.TLS.NegotiatedProtocol
}

// SelectProtocol decides which driver speaks over a stream.
//
// Without TLS both versions cannot be told apart, so enabling both requires
// TLS. An HTTP/2-only endpoint over TLS requires h2 to have been negotiated;
// in cleartext it is served with prior knowledge.
func SelectProtocol(enabled HTTPProtocols, f Features) (HTTPProtocols, error) {
	if enabled&HTTP1AndHTTP2 == 0 {
		return 0, ErrNoProtocolEnabled
	}
	if !f.IsTLS() && enabled.Has(HTTP1AndHTTP2) {
		return 0, ErrTLSRequiredForHTTP1AndHTTP2
	}
	if enabled&HTTP1AndHTTP2 == HTTP2 && f.IsTLS() && f.ApplicationProtocol() != alpnHTTP2 {
		return 0, ErrHTTP2NotNegotiated
	}
	if enabled.Has(HTTP2) && (!f.IsTLS() || f.ApplicationProtocol() == alpnHTTP2) {
		return HTTP2, nil
	}
	return HTTP1, nil
}
