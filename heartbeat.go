package httpconn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatHandler is ticked on every beat with the clock reading.
type HeartbeatHandler interface {
	OnHeartbeat(now int64)
}

// Heartbeat is the single periodic task that drives every timeout check.
type Heartbeat struct {
	interval time.Duration
	clock    Clock
	handlers []HeartbeatHandler
	log      trace

	// set while a beat runs; an overlapping beat is skipped.
	beating atomic.Bool

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewHeartbeat(interval time.Duration, clock Clock, log zerolog.Logger, handlers ...HeartbeatHandler) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Heartbeat{
		interval: interval,
		clock:    clock,
		handlers: handlers,
		log:      newTrace(log),
	}
}

func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		return
	}
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	stopCh, doneCh := h.stopCh, h.doneCh
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				h.OnHeartbeat()
			}
		}
	}()
}

// Stop ends the loop and waits for a running beat to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stopCh, doneCh := h.stopCh, h.doneCh
	h.stopCh, h.doneCh = nil, nil
	h.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// OnHeartbeat runs one beat. It returns false when the previous beat was
// still running and this one was skipped.
func (h *Heartbeat) OnHeartbeat() bool {
	if !h.beating.CompareAndSwap(false, true) {
		return false
	}
	defer h.beating.Store(false)

	now := h.clock.Now()
	for _, hh := range h.handlers {
		hh.OnHeartbeat(now)
	}
	if elapsed := time.Duration(h.clock.Now() - now); elapsed > h.interval {
		h.log.HeartbeatSlow(h.interval, absoluteToUTC(now))
	}
	return true
}
