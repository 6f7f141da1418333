package httpconn

import (
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

// Driver is an HTTP protocol engine running over one negotiated stream.
type Driver interface {
	// ProcessRequests serves requests until the peer goes away, the driver
	// is stopped or aborted.
	ProcessRequests(app http.Handler) error
	// StopProcessingNextRequest lets in-flight requests finish and then
	// makes ProcessRequests return. It does not block.
	StopProcessingNextRequest()
	// Abort tears the stream down at once. It does not block and is safe to
	// call more than once.
	Abort(reason error)
}

// TimeoutResponder is implemented by drivers able to answer a pending
// request with 408 Request Timeout.
type TimeoutResponder interface {
	// SendTimeoutResponse reports false when no response can be sent in
	// the current request phase.
	SendTimeoutResponse() bool
}

// DriverContext is handed to a DriverFactory. The driver borrows Conn and
// TimeoutControl; the Connection owns both.
type DriverContext struct {
	ConnectionID   string
	Conn           net.Conn
	Features       Features
	TimeoutControl *TimeoutControl
	Limits         Limits
	Log            zerolog.Logger
	// TryUpgrade moves the connection into the upgraded connection quota.
	TryUpgrade func() error
}

// DriverFactory builds the driver for one connection.
type DriverFactory func(dc DriverContext) Driver
