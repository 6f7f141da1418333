package httpconn

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// TimeoutAction is what happens to a connection when its armed deadline passes.
type TimeoutAction int32

const (
	TimeoutActionNone TimeoutAction = iota
	// TimeoutActionStopProcessingNextRequest lets the in-flight request finish
	// and closes the connection afterwards.
	TimeoutActionStopProcessingNextRequest
	// TimeoutActionSendTimeoutResponse answers the pending request with a 408
	// and closes the connection. Only HTTP/1.x drivers can honor it; others abort.
	TimeoutActionSendTimeoutResponse
	TimeoutActionAbortConnection
)

var timeoutActionName = [...]string{
	TimeoutActionNone:                      "none",
	TimeoutActionStopProcessingNextRequest: "stop processing next request",
	TimeoutActionSendTimeoutResponse:       "send timeout response",
	TimeoutActionAbortConnection:           "abort connection",
}

func (a TimeoutAction) String() string {
	if a < 0 || int(a) >= len(timeoutActionName) {
		return "unknown"
	}
	return timeoutActionName[a]
}

// TimeoutReason records why a deadline was armed.
type TimeoutReason int32

const (
	TimeoutReasonNone TimeoutReason = iota
	TimeoutReasonKeepAlive
	TimeoutReasonRequestHeaders
	TimeoutReasonReadDataRate
	TimeoutReasonWriteDataRate
)

var timeoutReasonName = [...]string{
	TimeoutReasonNone:           "none",
	TimeoutReasonKeepAlive:      "keep-alive",
	TimeoutReasonRequestHeaders: "request headers",
	TimeoutReasonReadDataRate:   "read data rate",
	TimeoutReasonWriteDataRate:  "write data rate",
}

func (r TimeoutReason) String() string {
	if r < 0 || int(r) >= len(timeoutReasonName) {
		return "unknown"
	}
	return timeoutReasonName[r]
}

// TimeoutHandler receives the violations detected by Tick. Calls are made on
// the goroutine running Tick and must not block.
type TimeoutHandler interface {
	OnTimeout(action TimeoutAction, reason TimeoutReason)
	OnReadDataRateTimeout(rate MinDataRate)
	OnWriteDataRateTimeout()
}

const noTimeout = math.MaxInt64

// TimeoutControl tracks one connection's idle deadline and its read and write
// data rates. It owns no timer: an external heartbeat calls Tick and every
// check is a comparison of a few integers against the tick timestamp.
//
// All methods are safe for concurrent use. The deadline fields are atomics;
// the read-rate and write-rate windows each have their own lock.
type TimeoutControl struct {
	handler           TimeoutHandler
	heartbeatInterval int64

	lastTimestamp atomic.Int64
	deadline      atomic.Int64
	action        atomic.Int32
	reason        atomic.Int32
	timedOut      atomic.Bool

	readMu                   sync.Mutex
	minReadRate              *MinDataRate
	readTimingEnabled        bool
	readTimingPauseRequested bool
	readTimingElapsed        int64
	readTimingBytesRead      atomic.Int64

	writeMu             sync.Mutex
	minWriteRate        *MinDataRate
	writeTimingWrites   int
	writeTimingDeadline int64
}

// NewTimeoutControl returns an unarmed control reporting to handler.
// A non-positive heartbeatInterval selects DefaultHeartbeatInterval.
func NewTimeoutControl(handler TimeoutHandler, heartbeatInterval time.Duration) *TimeoutControl {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	tc := &TimeoutControl{
		handler:           handler,
		heartbeatInterval: int64(heartbeatInterval),
	}
	tc.deadline.Store(noTimeout)
	return tc
}

// Initialize sets the timestamp deadlines are measured from until the first Tick.
func (tc *TimeoutControl) Initialize(now int64) {
	tc.lastTimestamp.Store(now)
}

// SetTimeout arms the deadline. Arming an already armed deadline is a
// programming error and panics.
func (tc *TimeoutControl) SetTimeout(d time.Duration, action TimeoutAction, reason TimeoutReason) {
	if tc.deadline.Load() != noTimeout {
		panic("BUG: SetTimeout called while a timeout is already armed")
	}
	tc.assignTimeout(d, action, reason)
}

// ResetTimeout arms the deadline whether or not one is armed already.
func (tc *TimeoutControl) ResetTimeout(d time.Duration, action TimeoutAction, reason TimeoutReason) {
	tc.assignTimeout(d, action, reason)
}

func (tc *TimeoutControl) assignTimeout(d time.Duration, action TimeoutAction, reason TimeoutReason) {
	tc.action.Store(int32(action))
	tc.reason.Store(int32(reason))
	// a check only runs on the tick after the deadline passes.
	tc.deadline.Store(addClamped(tc.lastTimestamp.Load(), int64(d), tc.heartbeatInterval))
}

func (tc *TimeoutControl) CancelTimeout() {
	tc.deadline.Store(noTimeout)
	tc.reason.Store(int32(TimeoutReasonNone))
}

// TimerReason returns the reason of the armed deadline, or TimeoutReasonNone.
func (tc *TimeoutControl) TimerReason() TimeoutReason {
	if tc.deadline.Load() == noTimeout {
		return TimeoutReasonNone
	}
	return TimeoutReason(tc.reason.Load())
}

// TimedOut reports whether a violation has already been delivered with an
// aborting outcome. Once set, later ticks skip every check.
func (tc *TimeoutControl) TimedOut() bool {
	return tc.timedOut.Load()
}

func (tc *TimeoutControl) SetMinRequestBodyDataRate(rate *MinDataRate) {
	tc.readMu.Lock()
	tc.minReadRate = rate
	tc.readMu.Unlock()
}

func (tc *TimeoutControl) SetMinResponseDataRate(rate *MinDataRate) {
	tc.writeMu.Lock()
	tc.minWriteRate = rate
	tc.writeMu.Unlock()
}

// StartTimingReads opens a new read-rate window.
func (tc *TimeoutControl) StartTimingReads() {
	tc.readMu.Lock()
	tc.readTimingElapsed = 0
	tc.readTimingBytesRead.Store(0)
	tc.readTimingEnabled = true
	tc.readTimingPauseRequested = false
	tc.readMu.Unlock()
}

func (tc *TimeoutControl) StopTimingReads() {
	tc.readMu.Lock()
	tc.readTimingEnabled = false
	tc.readTimingPauseRequested = false
	tc.readMu.Unlock()
}

// PauseTimingReads stops the read-rate window on the next Tick, so the time
// up to that tick is always accounted for.
func (tc *TimeoutControl) PauseTimingReads() {
	tc.readMu.Lock()
	tc.readTimingPauseRequested = true
	tc.readMu.Unlock()
}

func (tc *TimeoutControl) ResumeTimingReads() {
	tc.readMu.Lock()
	tc.readTimingEnabled = true
	tc.readTimingPauseRequested = false
	tc.readMu.Unlock()
}

// BytesRead adds n bytes to the read-rate window.
func (tc *TimeoutControl) BytesRead(n int64) {
	tc.readTimingBytesRead.Add(n)
}

// StartTimingWrite extends the write deadline for a write of size bytes.
// Each write may take max(grace period, size / rate), counted from the
// next tick; consecutive writes accumulate only the size based part.
func (tc *TimeoutControl) StartTimingWrite(size int64) {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	rate := tc.minWriteRate
	if rate == nil || rate.BytesPerSecond <= 0 {
		return
	}
	upperBound := tc.lastTimestamp.Load() + tc.heartbeatInterval
	atMinRate := int64(float64(size) / rate.BytesPerSecond * float64(time.Second))
	single := addClamped(upperBound, max(int64(rate.GracePeriod), atMinRate))
	accumulated := addClamped(tc.writeTimingDeadline, atMinRate)
	tc.writeTimingDeadline = max(single, accumulated)
	tc.writeTimingWrites++
}

func (tc *TimeoutControl) StopTimingWrite() {
	tc.writeMu.Lock()
	if tc.writeTimingWrites > 0 {
		tc.writeTimingWrites--
	}
	tc.writeMu.Unlock()
}

// Tick evaluates the deadline, the read rate and the write rate at now.
func (tc *TimeoutControl) Tick(now int64) {
	tc.checkForTimeout(now)
	tc.checkForReadDataRateTimeout(now)
	tc.checkForWriteDataRateTimeout(now)
	tc.lastTimestamp.Store(now)
}

func (tc *TimeoutControl) checkForTimeout(now int64) {
	if tc.timedOut.Load() {
		return
	}
	deadline := tc.deadline.Load()
	if now <= deadline {
		return
	}
	action := TimeoutAction(tc.action.Load())
	reason := TimeoutReason(tc.reason.Load())
	// disarm before firing; a concurrent Tick or reset loses the race.
	if !tc.deadline.CompareAndSwap(deadline, noTimeout) {
		return
	}
	tc.reason.Store(int32(TimeoutReasonNone))
	if action == TimeoutActionAbortConnection {
		tc.timedOut.Store(true)
	}
	tc.handler.OnTimeout(action, reason)
}

func (tc *TimeoutControl) checkForReadDataRateTimeout(now int64) {
	if tc.timedOut.Load() {
		return
	}
	var (
		timedOut bool
		rate     MinDataRate
	)
	tc.readMu.Lock()
	if !tc.readTimingEnabled {
		tc.readMu.Unlock()
		return
	}
	// a tick arriving late is treated as starvation of the server, not of the peer.
	tc.readTimingElapsed += min(now-tc.lastTimestamp.Load(), tc.heartbeatInterval)
	if r := tc.minReadRate; r != nil && r.BytesPerSecond > 0 && tc.readTimingElapsed > int64(r.GracePeriod) {
		elapsedSeconds := float64(tc.readTimingElapsed) / float64(time.Second)
		observed := float64(tc.readTimingBytesRead.Load()) / elapsedSeconds
		timedOut = observed < r.BytesPerSecond
		rate = *r
	}
	if tc.readTimingPauseRequested {
		tc.readTimingEnabled = false
		tc.readTimingPauseRequested = false
	}
	tc.readMu.Unlock()

	if timedOut {
		tc.timedOut.Store(true)
		tc.handler.OnReadDataRateTimeout(rate)
	}
}

func (tc *TimeoutControl) checkForWriteDataRateTimeout(now int64) {
	if tc.timedOut.Load() {
		return
	}
	tc.writeMu.Lock()
	timedOut := tc.writeTimingWrites > 0 && now > tc.writeTimingDeadline
	tc.writeMu.Unlock()

	if timedOut {
		tc.timedOut.Store(true)
		tc.handler.OnWriteDataRateTimeout()
	}
}

// addClamped sums non-negative durations onto a timestamp without
// overflowing into the past. The result never reaches noTimeout.
func addClamped(base int64, ds ...int64) int64 {
	for _, d := range ds {
		if d > 0 && base > noTimeout-1-d {
			return noTimeout - 1
		}
		base += d
	}
	return base
}
