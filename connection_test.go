package httpconn

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttputil"
)

// fakeDriver blocks until it is stopped or aborted unless run is set.
type fakeDriver struct {
	dc      DriverContext
	run     func(fd *fakeDriver) error
	stopCh  chan struct{}
	abortCh chan struct{}
	once    sync.Once
	stops   atomic.Int32
	aborts  atomic.Int32
	reason  error
}

func (fd *fakeDriver) ProcessRequests(http.Handler) error {
	if fd.run != nil {
		return fd.run(fd)
	}
	select {
	case <-fd.stopCh:
		return nil
	case <-fd.abortCh:
		return fd.reason
	}
}

func (fd *fakeDriver) StopProcessingNextRequest() {
	if fd.stops.Add(1) == 1 {
		close(fd.stopCh)
	}
}

func (fd *fakeDriver) Abort(reason error) {
	fd.aborts.Add(1)
	fd.once.Do(func() {
		fd.reason = reason
		close(fd.abortCh)
	})
}

// fakeFactory records every driver it builds.
type fakeFactory struct {
	mu      sync.Mutex
	run     func(fd *fakeDriver) error
	drivers []*fakeDriver
}

func (f *fakeFactory) build(dc DriverContext) Driver {
	fd := &fakeDriver{dc: dc, run: f.run, stopCh: make(chan struct{}), abortCh: make(chan struct{})}
	f.mu.Lock()
	f.drivers = append(f.drivers, fd)
	f.mu.Unlock()
	return fd
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) last() *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[len(f.drivers)-1]
}

func newTestService(limits Limits) (*ServiceContext, *manualClock) {
	sc := NewServiceContext(zerolog.Nop(), limits)
	clock := newManualClock(t0)
	sc.Clock = clock
	sc.Pool = nil
	return sc, clock
}

func newFakeService(limits Limits) (*ServiceContext, *manualClock, *fakeFactory, *fakeFactory) {
	sc, clock := newTestService(limits)
	h1, h2 := &fakeFactory{}, &fakeFactory{}
	sc.HTTP1 = h1.build
	sc.HTTP2 = h2.build
	return sc, clock, h1, h2
}

func waitState(t *testing.T, c *Connection, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connection state %s, want %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s did not tear down", c.ID())
	}
}

func processAsync(c *Connection, app http.Handler) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- c.ProcessRequests(app)
	}()
	return ch
}

func TestConnectionBothProtocolsWithoutTLS(t *testing.T) {
	t.Parallel()
	sc, _, h1, h2 := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1AndHTTP2})
	err := c.ProcessRequests(http.NotFoundHandler())
	assert.True(t, IsConfigurationError(err))
	assert.True(t, errors.Is(err, ErrTLSRequiredForHTTP1AndHTTP2))
	assert.Eq(t, 0, h1.count()+h2.count())
	assert.Eq(t, StateClosed, c.State())
	waitDone(t, c)

	stats := sc.Registry.Stats()
	assert.Eq(t, int64(1), stats.Registered)
	assert.Eq(t, int64(1), stats.Deregistered)
	assert.Eq(t, 0, stats.Live)
}

func TestConnectionSelectsHTTP2WithPriorKnowledge(t *testing.T) {
	t.Parallel()
	sc, _, h1, h2 := newFakeService(DefaultLimits())
	h2.run = func(*fakeDriver) error { return nil }
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP2})
	assert.NoErr(t, c.ProcessRequests(http.NotFoundHandler()))
	assert.Eq(t, 0, h1.count())
	assert.Eq(t, 1, h2.count())
	assert.Eq(t, HTTP2, c.Protocol())
	assert.Eq(t, "c1", h2.last().dc.ConnectionID)
}

func TestConnectionAbortIsIdempotent(t *testing.T) {
	t.Parallel()
	sc, _, h1, _ := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	done := processAsync(c, http.NotFoundHandler())
	waitState(t, c, StateRunning)

	first := errors.New("first")
	c.Abort(first)
	c.Abort(errors.New("second"))
	c.StopProcessingNextRequest()

	err := <-done
	assert.True(t, errors.Is(err, first))
	waitDone(t, c)
	assert.Eq(t, int32(1), h1.last().aborts.Load())
	assert.Eq(t, int32(0), h1.last().stops.Load())
	assert.Eq(t, int64(1), sc.Registry.Stats().Deregistered)

	// a second run never starts a driver
	assert.True(t, errors.Is(c.ProcessRequests(http.NotFoundHandler()), first))
	assert.Eq(t, 1, h1.count())
}

func TestConnectionAbortBeforeProcessing(t *testing.T) {
	t.Parallel()
	sc, _, h1, _ := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	assert.True(t, sc.Registry.Normal.TryLockOne())
	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1, holdsNormalSlot: true})
	c.StopProcessingNextRequest()
	waitDone(t, c)
	assert.Eq(t, StateClosed, c.State())
	assert.Eq(t, int64(0), sc.Registry.Normal.Count())

	err := c.ProcessRequests(http.NotFoundHandler())
	assert.True(t, errors.Is(err, ErrServerShuttingDown))
	assert.Eq(t, 0, h1.count())
	assert.Eq(t, int64(0), sc.Registry.Stats().Registered)
}

func TestConnectionGracefulStop(t *testing.T) {
	t.Parallel()
	sc, _, h1, _ := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	done := processAsync(c, http.NotFoundHandler())
	waitState(t, c, StateRunning)

	c.StopProcessingNextRequest()
	assert.True(t, c.State() >= StateDraining)
	c.StopProcessingNextRequest()
	assert.NoErr(t, <-done)
	waitDone(t, c)
	assert.Eq(t, int32(1), h1.last().stops.Load())
	assert.Eq(t, int32(0), h1.last().aborts.Load())
}

func TestConnectionDriverPanicIsFault(t *testing.T) {
	t.Parallel()
	sc, _, h1, _ := newFakeService(DefaultLimits())
	h1.run = func(*fakeDriver) error { panic("boom") }
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	err := c.ProcessRequests(http.NotFoundHandler())
	var fault *DriverFault
	assert.True(t, errors.As(err, &fault))
	assert.Eq(t, HTTP1, fault.Protocol)
	assert.Eq(t, "boom", fault.Value)
	assert.Eq(t, StateClosed, c.State())
	waitDone(t, c)
}

type failingAdapter struct{}

func (failingAdapter) Name() string { return "failing" }

func (failingAdapter) IsTLS() bool { return false }

func (failingAdapter) OnConnection(context.Context, *AdapterContext) (AdaptedConnection, error) {
	return nil, io.ErrUnexpectedEOF
}

// orderAdapter passes the stream through and records when it is closed.
type orderAdapter struct {
	name   string
	mu     *sync.Mutex
	closed *[]string
}

func (a orderAdapter) Name() string { return a.name }

func (a orderAdapter) IsTLS() bool { return false }

func (a orderAdapter) OnConnection(_ context.Context, ac *AdapterContext) (AdaptedConnection, error) {
	return orderAdapted{a: a, c: ac.Conn}, nil
}

type orderAdapted struct {
	a orderAdapter
	c net.Conn
}

func (o orderAdapted) Conn() net.Conn { return o.c }

func (o orderAdapted) Close() error {
	o.a.mu.Lock()
	*o.a.closed = append(*o.a.closed, o.a.name)
	o.a.mu.Unlock()
	return nil
}

func TestConnectionAdapterFailure(t *testing.T) {
	t.Parallel()
	sc, _, h1, h2 := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	var mu sync.Mutex
	var closed []string
	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{
		Protocols: HTTP1,
		Adapters:  []Adapter{orderAdapter{name: "a", mu: &mu, closed: &closed}, failingAdapter{}},
	})
	err := c.ProcessRequests(http.NotFoundHandler())
	var ae *AdapterError
	assert.True(t, errors.As(err, &ae))
	assert.Eq(t, "failing", ae.Adapter)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Eq(t, 0, h1.count()+h2.count())
	waitDone(t, c)
	assert.Eq(t, []string{"a"}, closed)
}

func TestConnectionAdaptersClosedInReverseOrder(t *testing.T) {
	t.Parallel()
	sc, _, h1, _ := newFakeService(DefaultLimits())
	h1.run = func(*fakeDriver) error { return nil }
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	var mu sync.Mutex
	var closed []string
	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{
		Protocols: HTTP1,
		Adapters: []Adapter{
			orderAdapter{name: "a", mu: &mu, closed: &closed},
			orderAdapter{name: "b", mu: &mu, closed: &closed},
			orderAdapter{name: "c", mu: &mu, closed: &closed},
		},
	})
	assert.NoErr(t, c.ProcessRequests(http.NotFoundHandler()))
	waitDone(t, c)
	assert.Eq(t, []string{"c", "b", "a"}, closed)
}

func TestConnectionTryUpgradeQuota(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.MaxConcurrentUpgradedConnections = 1
	sc, _, _, _ := newFakeService(limits)

	open := func(id string) *Connection {
		pc := fasthttputil.NewPipeConns()
		t.Cleanup(func() { _ = pc.Conn2().Close() })
		assert.True(t, sc.Registry.Normal.TryLockOne())
		return NewConnection(sc, id, pc.Conn1(), ConnectionOptions{Protocols: HTTP1, holdsNormalSlot: true})
	}
	c1, c2 := open("c1"), open("c2")

	assert.NoErr(t, c1.TryUpgrade())
	assert.NoErr(t, c1.TryUpgrade())
	assert.Eq(t, int64(1), sc.Registry.Upgraded.Count())
	assert.Eq(t, int64(1), sc.Registry.Normal.Count())

	assert.True(t, errors.Is(c2.TryUpgrade(), ErrUpgradeLimit))
	assert.Eq(t, int64(1), sc.Registry.Normal.Count())

	c1.Abort(nil)
	waitDone(t, c1)
	assert.Eq(t, int64(0), sc.Registry.Upgraded.Count())
	assert.NoErr(t, c2.TryUpgrade())

	c2.Abort(nil)
	waitDone(t, c2)
	assert.Eq(t, int64(0), sc.Registry.Upgraded.Count())
	assert.Eq(t, int64(0), sc.Registry.Normal.Count())
}

func TestConnectionReadRateViolationAborts(t *testing.T) {
	t.Parallel()
	sc, _, _, _ := newFakeService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	defer pc.Conn2().Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	done := processAsync(c, http.NotFoundHandler())
	waitState(t, c, StateRunning)

	// the fake driver cannot answer with 408, so the connection is aborted.
	c.OnReadDataRateTimeout(*sc.Limits.MinRequestBodyDataRate)
	err := <-done
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, ErrReadDataRate))
	waitDone(t, c)
}

func TestConnectionKeepAliveTimeoutCloses(t *testing.T) {
	t.Parallel()
	sc, clock := newTestService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	client := pc.Conn2()
	defer client.Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	done := processAsync(c, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	waitState(t, c, StateRunning)

	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	assert.NoErr(t, err)
	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	assert.NoErr(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NoErr(t, err)
	assert.Eq(t, "hello", string(body))

	// fasthttp is back to waiting for the next request once it reads again.
	waitTimerReason(t, c, TimeoutReasonKeepAlive)
	sc.Registry.OnHeartbeat(clock.Add(DefaultKeepAliveTimeout + 2*time.Second))

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive timeout did not close the connection")
	}
	assert.NoErr(t, err)
	waitDone(t, c)
	assert.Eq(t, StateClosed, c.State())
	assert.Eq(t, int64(1), sc.Registry.Stats().Deregistered)
	_, err = br.ReadByte()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestConnectionRequestHeadersTimeoutSends408(t *testing.T) {
	t.Parallel()
	sc, clock := newTestService(DefaultLimits())
	pc := fasthttputil.NewPipeConns()
	client := pc.Conn2()
	defer client.Close()

	c := NewConnection(sc, "c1", pc.Conn1(), ConnectionOptions{Protocols: HTTP1})
	done := processAsync(c, http.NotFoundHandler())
	waitState(t, c, StateRunning)

	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: exa")
	assert.NoErr(t, err)
	waitTimerReason(t, c, TimeoutReasonRequestHeaders)
	sc.Registry.OnHeartbeat(clock.Add(DefaultRequestHeadersTimeout + 2*time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	assert.NoErr(t, err)
	assert.Eq(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.True(t, resp.Close)
	waitDone(t, c)
	err = <-done
	assert.True(t, errors.Is(err, ErrConnectionTimedOut))
	assert.StrContains(t, err.Error(), TimeoutReasonRequestHeaders.String())
}

func waitTimerReason(t *testing.T, c *Connection, want TimeoutReason) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.TimeoutControl().TimerReason() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timer reason %s, want %s", c.TimeoutControl().TimerReason(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
