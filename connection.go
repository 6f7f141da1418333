package httpconn

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ConnectionState is the lifecycle phase of a Connection. Phases only move
// forward, and Closed is terminal.
type ConnectionState int32

const (
	StateCreated ConnectionState = iota
	StateAdaptersApplying
	StateProtocolSelecting
	StateRunning
	StateDraining
	StateClosed
)

var connectionStateName = [...]string{
	StateCreated:           "created",
	StateAdaptersApplying:  "adapters applying",
	StateProtocolSelecting: "protocol selecting",
	StateRunning:           "running",
	StateDraining:          "draining",
	StateClosed:            "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateName) {
		return "unknown"
	}
	return connectionStateName[s]
}

// ConnectionOptions configures one Connection.
type ConnectionOptions struct {
	Adapters  []Adapter
	Protocols HTTPProtocols
	// holdsNormalSlot is set when the caller took a Registry.Normal slot for
	// this connection; teardown gives it back.
	holdsNormalSlot bool
}

// Connection coordinates one accepted transport: it applies the adapters,
// selects the protocol, runs the driver and tears everything down exactly
// once.
type Connection struct {
	id        string
	sc        *ServiceContext
	log       trace
	transport net.Conn
	adapters  []Adapter
	protocols HTTPProtocols
	tc        *TimeoutControl

	ctx    context.Context
	cancel context.CancelCauseFunc

	state       atomic.Int32
	torn        atomic.Bool
	abortReason atomic.Pointer[error]
	driver      atomic.Pointer[Driver]
	selected    atomic.Uint32
	upgraded    atomic.Bool
	normalSlot  atomic.Bool

	// owned by the ProcessRequests goroutine until teardown.
	adapted []AdaptedConnection

	done chan struct{}
}

// NewConnection wraps transport. Nothing happens until ProcessRequests.
func NewConnection(sc *ServiceContext, id string, transport net.Conn, opts ConnectionOptions) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Connection{
		id:        id,
		sc:        sc,
		log:       newTrace(sc.Log),
		transport: transport,
		adapters:  opts.Adapters,
		protocols: opts.Protocols,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.normalSlot.Store(opts.holdsNormalSlot)
	c.tc = NewTimeoutControl(c, sc.HeartbeatInterval)
	c.tc.SetMinRequestBodyDataRate(sc.Limits.MinRequestBodyDataRate)
	c.tc.SetMinResponseDataRate(sc.Limits.MinResponseDataRate)
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Protocol returns the selected protocol, or 0 before selection.
func (c *Connection) Protocol() HTTPProtocols {
	return HTTPProtocols(c.selected.Load())
}

func (c *Connection) TimeoutControl() *TimeoutControl { return c.tc }

// Done is closed once teardown has completed.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }

func (c *Connection) LocalAddr() net.Addr { return c.transport.LocalAddr() }

// ProcessRequests runs the connection to completion on the calling goroutine.
// It returns nil when the driver finished normally, the abort reason when
// the connection was aborted, and ErrConnectionAborted when called twice.
func (c *Connection) ProcessRequests(app http.Handler) (err error) {
	if !c.transition(StateCreated, StateAdaptersApplying) {
		return c.abortErr()
	}
	c.sc.Registry.Register(c)
	defer c.teardown()
	c.tc.Initialize(c.sc.Clock.Now())
	c.log.ConnectionStart(c.id, c.RemoteAddr(), c.LocalAddr())
	defer c.log.ConnectionStop(c.id)

	stream, features, err := c.applyAdapters()
	if err != nil {
		if c.State() == StateClosed {
			return c.abortErr()
		}
		c.log.ConnectionAdapterFailed(c.id, err)
		c.Abort(err)
		return err
	}
	if !c.transition(StateAdaptersApplying, StateProtocolSelecting) {
		return c.abortErr()
	}

	proto, err := SelectProtocol(c.protocols, features)
	if err != nil {
		c.log.ProtocolSelectionFailed(c.id, err)
		c.Abort(err)
		return err
	}
	d := c.sc.factory(proto)(DriverContext{
		ConnectionID:   c.id,
		Conn:           newMeteredConn(stream, c.tc, features),
		Features:       features,
		TimeoutControl: c.tc,
		Limits:         c.sc.Limits,
		Log:            c.sc.Log.With().Str("cid", c.id).Logger(),
		TryUpgrade:     c.TryUpgrade,
	})
	c.driver.Store(&d)
	c.selected.Store(uint32(proto))
	// an Abort racing with this CAS either sees Running and aborts the
	// driver, or wins and the driver never starts.
	if !c.transition(StateProtocolSelecting, StateRunning) {
		return c.abortErr()
	}

	err = c.runDriver(d, proto, app)
	if ConnectionState(c.state.Swap(int32(StateClosed))) == StateClosed {
		return c.abortErr()
	}
	// a connection closed after a 408 reports the timeout, not how the
	// driver wound down.
	if r := c.abortReason.Load(); r != nil {
		err = *r
	}
	if err != nil {
		c.log.ConnectionDisconnect(c.id, err)
	}
	return err
}

func (c *Connection) applyAdapters() (net.Conn, Features, error) {
	var f Features
	stream := c.transport
	for _, a := range c.adapters {
		if c.State() == StateClosed {
			return nil, f, c.abortErr()
		}
		adapted, err := a.OnConnection(c.ctx, &AdapterContext{ConnectionID: c.id, Conn: stream, Features: &f})
		if err != nil {
			return nil, f, &AdapterError{Adapter: a.Name(), Err: err}
		}
		c.adapted = append(c.adapted, adapted)
		stream = adapted.Conn()
	}
	return stream, f, nil
}

func (c *Connection) runDriver(d Driver, proto HTTPProtocols, app http.Handler) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &DriverFault{Protocol: proto, Value: v}
			c.log.DriverFault(c.id, err)
			c.Abort(err)
		}
	}()
	return d.ProcessRequests(app)
}

// Abort closes the connection from any goroutine in any state. Only the
// first call has an effect. It does not wait for teardown; see Done.
func (c *Connection) Abort(reason error) {
	if reason == nil {
		reason = ErrConnectionAborted
	}
	prev := ConnectionState(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	c.abortReason.Store(&reason)
	c.cancel(reason)
	if prev == StateRunning || prev == StateDraining {
		if d := c.driver.Load(); d != nil {
			(*d).Abort(reason)
		}
	}
	// unblocks any read or write in progress on the stream.
	_ = c.transport.Close()
	if prev == StateCreated {
		c.teardown()
	}
}

// StopProcessingNextRequest lets the in-flight request complete and then
// closes. A connection that has not reached a driver yet is aborted.
func (c *Connection) StopProcessingNextRequest() {
	for {
		switch s := c.State(); s {
		case StateRunning:
			if !c.transition(StateRunning, StateDraining) {
				continue
			}
			if d := c.driver.Load(); d != nil {
				(*d).StopProcessingNextRequest()
			}
			return
		case StateDraining, StateClosed:
			return
		default:
			c.Abort(ErrServerShuttingDown)
			return
		}
	}
}

// Tick is called by the heartbeat.
func (c *Connection) Tick(now int64) {
	if c.State() == StateClosed {
		return
	}
	c.tc.Tick(now)
}

// TryUpgrade moves the connection from the normal into the upgraded quota.
// Upgraded connections are not subject to the read data rate.
func (c *Connection) TryUpgrade() error {
	if c.upgraded.Load() {
		return nil
	}
	if !c.sc.Registry.Upgraded.TryLockOne() {
		c.log.UpgradedConnectionLimitReached(c.id)
		return ErrUpgradeLimit
	}
	c.upgraded.Store(true)
	if c.normalSlot.CompareAndSwap(true, false) {
		c.sc.Registry.Normal.ReleaseOne()
	}
	c.tc.StopTimingReads()
	c.tc.CancelTimeout()
	return nil
}

func (c *Connection) OnTimeout(action TimeoutAction, reason TimeoutReason) {
	c.log.ConnectionTimedOut(c.id, reason, action)
	c.sc.run(func() {
		switch action {
		case TimeoutActionStopProcessingNextRequest:
			c.StopProcessingNextRequest()
		case TimeoutActionSendTimeoutResponse:
			c.sendTimeoutResponse(errors.Wrap(ErrConnectionTimedOut, reason.String()))
		default:
			c.Abort(errors.Wrap(ErrConnectionTimedOut, reason.String()))
		}
	})
}

func (c *Connection) OnReadDataRateTimeout(rate MinDataRate) {
	c.log.RequestBodyMinimumDataRateNotSatisfied(c.id, rate.BytesPerSecond)
	c.sc.run(func() {
		c.sendTimeoutResponse(ErrReadDataRate)
	})
}

func (c *Connection) OnWriteDataRateTimeout() {
	c.log.ResponseMinimumDataRateNotSatisfied(c.id)
	c.sc.run(func() {
		c.Abort(ErrWriteDataRate)
	})
}

// sendTimeoutResponse answers with 408 where the driver can, and aborts
// with reason otherwise.
func (c *Connection) sendTimeoutResponse(reason error) {
	if c.State() == StateRunning {
		if d := c.driver.Load(); d != nil {
			if tr, ok := (*d).(TimeoutResponder); ok && tr.SendTimeoutResponse() {
				c.abortReason.CompareAndSwap(nil, &reason)
				c.StopProcessingNextRequest()
				return
			}
		}
	}
	c.Abort(reason)
}

func (c *Connection) transition(from, to ConnectionState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Connection) abortErr() error {
	if r := c.abortReason.Load(); r != nil {
		return *r
	}
	return ErrConnectionAborted
}

// teardown runs exactly once, from whichever of the completion and the
// abort paths gets here first.
func (c *Connection) teardown() {
	if !c.torn.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateClosed))
	c.cancel(ErrConnectionAborted)
	c.sc.Registry.Deregister(c.id)
	for i := len(c.adapted) - 1; i >= 0; i-- {
		_ = c.adapted[i].Close()
	}
	c.adapted = nil
	_ = c.transport.Close()
	if c.upgraded.Load() {
		c.sc.Registry.Upgraded.ReleaseOne()
	}
	if c.normalSlot.CompareAndSwap(true, false) {
		c.sc.Registry.Normal.ReleaseOne()
	}
	close(c.done)
}
