package httpconn

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Configuration errors. The connection is aborted before a driver starts.
var (
	ErrNoProtocolEnabled           = errors.New("no HTTP protocol is enabled on the endpoint")
	ErrTLSRequiredForHTTP1AndHTTP2 = errors.New("HTTP/1.x and HTTP/2 on one endpoint require TLS")
	ErrHTTP2NotNegotiated          = errors.New("HTTP/2 over TLS was not negotiated via ALPN")
)

// Timeout violations.
var (
	ErrConnectionTimedOut = errors.New("connection timed out")
	ErrReadDataRate       = errors.New("request body minimum data rate not satisfied")
	ErrWriteDataRate      = errors.New("response minimum data rate not satisfied")
)

var (
	ErrConnectionAborted  = errors.New("connection aborted")
	ErrServerShuttingDown = errors.New("server is shutting down")
	// ErrConcurrencyLimit may be returned from ServeConn if the number
	// of live connections exceeds Limits.MaxConcurrentConnections.
	ErrConcurrencyLimit = errors.New("cannot serve the connection because the concurrent connection limit is reached")
	ErrUpgradeLimit     = errors.New("upgraded connection limit reached")
)

// AdapterError reports an adapter that failed to establish its stream.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e *AdapterError) Error() string {
	return "adapter " + e.Adapter + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Cause() error {
	return e.Err
}

func asAdapterError(err error, target **AdapterError) bool {
	return errors.As(err, target)
}

// DriverFault is a panic recovered from a protocol driver's processing loop.
type DriverFault struct {
	Protocol HTTPProtocols
	Value    any
}

func (e *DriverFault) Error() string {
	return fmt.Sprintf("%s driver panic: %v", e.Protocol, e.Value)
}

func (e *DriverFault) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// IsConfigurationError reports whether err comes from protocol selection.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoProtocolEnabled) ||
		errors.Is(err, ErrTLSRequiredForHTTP1AndHTTP2) ||
		errors.Is(err, ErrHTTP2NotNegotiated)
}

// IsTimeout reports whether err is a timeout violation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectionTimedOut) ||
		errors.Is(err, ErrReadDataRate) ||
		errors.Is(err, ErrWriteDataRate)
}

// isCommonNetReadError reports errors that end a connection without being
// worth more than a debug line: the peer went away or the socket failed.
func isCommonNetReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) && (oe.Op == "read" || oe.Op == "write") {
		return true
	}
	return false
}

// isClosedConnError reports an I/O call on a connection we closed ourselves.
func isClosedConnError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") || strings.HasSuffix(msg, "connection closed")
}
