// Package evtchn implements the host side of Xen event channels: an
// interrupt-like notification primitive between a guest domain and the
// backend. Each open Channel owns one delivery goroutine, so a stuck callback
// on one channel never delays another.
package evtchn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/al1img/libxenbe/internal/goid"
)

// DefaultPollTimeout bounds each wait on the underlying primitive so a stop
// request is observed within one timeout window.
const DefaultPollTimeout = 100 * time.Millisecond

var (
	// ErrStopped is returned when the channel's delivery goroutine has
	// exited, either by Stop or after a fatal transport error.
	ErrStopped = errors.New("event channel stopped")

	// ErrInvalidState reports a start/stop sequencing violation. Channels
	// are single-use: once stopped they cannot be started again.
	ErrInvalidState = errors.New("invalid event channel state")
)

// Callback handles one delivered notification. It runs synchronously on the
// channel's delivery goroutine. A non-nil error is reported through the error
// callback; delivery continues, so one bad notification cannot silently kill
// the channel.
type Callback func() error

// ErrorCallback receives callback errors and the fatal transport error that
// terminates delivery. It runs on the delivery goroutine.
type ErrorCallback func(error)

// Channel is one notification endpoint bound to a guest port.
type Channel struct {
	ep    Endpoint
	domID uint32
	port  uint32
	cb    Callback
	errCb ErrorCallback
	log   *slog.Logger

	// PollTimeout may be lowered before Start to tighten stop latency in
	// tests. Zero means DefaultPollTimeout.
	PollTimeout time.Duration

	mu       sync.Mutex
	started  bool
	stopping bool
	closed   bool
	loopGID  uint64

	stop chan struct{}
	done chan struct{}
}

// Bind binds an endpoint to the guest's port and wraps it in a Channel.
// Delivery does not begin until Start. errCb may be nil.
func Bind(b Binder, domID, port uint32, cb Callback, errCb ErrorCallback) (*Channel, error) {
	if cb == nil {
		return nil, fmt.Errorf("evtchn: bind dom %d port %d: nil callback", domID, port)
	}
	ep, err := b.Bind(domID, port)
	if err != nil {
		return nil, fmt.Errorf("evtchn: bind dom %d port %d: %w", domID, port, err)
	}
	return &Channel{
		ep:    ep,
		domID: domID,
		port:  port,
		cb:    cb,
		errCb: errCb,
		log:   slog.Default(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Port returns the guest port this channel is bound to.
func (c *Channel) Port() uint32 { return c.port }

// Start spawns the delivery goroutine.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return fmt.Errorf("evtchn: start dom %d port %d: %w", c.domID, c.port, ErrInvalidState)
	}
	c.started = true

	go c.deliver()
	return nil
}

// Stop requests the delivery goroutine to exit and blocks until it has. After
// Stop returns no further callback invocation occurs. Stop is idempotent and
// safe to call from within the notification callback itself, in which case it
// only marks the channel for stop and the goroutine exits once the callback
// returns.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	if !c.stopping {
		c.stopping = true
		close(c.stop)
	}
	self := c.loopGID != 0 && c.loopGID == goid.ID()
	c.mu.Unlock()

	if self {
		return
	}
	<-c.done
}

// Running reports whether the delivery goroutine is alive.
func (c *Channel) Running() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Notify signals the guest side. It has no effect on the local callback.
func (c *Channel) Notify() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("evtchn: notify dom %d port %d: %w", c.domID, c.port, ErrStopped)
	}
	if err := c.ep.Notify(); err != nil {
		return fmt.Errorf("evtchn: notify dom %d port %d: %w", c.domID, c.port, err)
	}
	return nil
}

// Close releases the endpoint. The channel must be stopped first; closing a
// running channel forces a stop and logs the sequencing violation.
func (c *Channel) Close() error {
	if c.Running() {
		c.log.Warn("evtchn: closing running channel, forcing stop",
			"domid", c.domID, "port", c.port)
		c.Stop()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.ep.Close()
}

func (c *Channel) deliver() {
	c.mu.Lock()
	c.loopGID = goid.ID()
	c.mu.Unlock()

	defer close(c.done)

	timeout := c.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		fired, err := c.ep.Wait(timeout)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.log.Error("evtchn: wait failed, stopping delivery",
				"domid", c.domID, "port", c.port, "err", err)
			if c.errCb != nil {
				c.errCb(fmt.Errorf("evtchn: dom %d port %d: %w", c.domID, c.port, err))
			}
			return
		}
		if !fired {
			continue
		}

		if err := c.cb(); err != nil {
			c.log.Warn("evtchn: notification callback failed",
				"domid", c.domID, "port", c.port, "err", err)
			if c.errCb != nil {
				c.errCb(err)
			}
		}

		// A stop requested during the callback wins over further events.
		select {
		case <-c.stop:
			return
		default:
		}
	}
}
