// Package backend implements the generic half of a paravirtualized device
// backend: discovering guest frontends through the configuration store,
// driving each one through its xenbus connection lifecycle, and wiring the
// shared ring page and event channel to the device-specific ring consumer.
//
// A concrete backend supplies a Driver that constructs Handlers and a
// RingConsumer that owns the ring-buffer wire format; everything else is this
// package's job.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/al1img/libxenbe/internal/goid"
	"github.com/al1img/libxenbe/xenstore"
)

// DefaultPollInterval is the discovery loop period. It trades discovery
// latency against host CPU overhead; frontends tolerate sub-second delays.
const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrInvalidState reports a start/stop sequencing violation.
	ErrInvalidState = errors.New("invalid engine state")
)

// Driver is the capability a concrete backend injects into the Engine: it is
// invoked once per newly discovered frontend key and returns the Handler that
// will own that frontend. A nil handler with nil error skips the key for this
// poll cycle.
type Driver interface {
	NewFrontend(key Key) (*Handler, error)
}

// Discoverer enumerates candidate frontends. The default implementation scans
// the store; tests and unusual platforms substitute their own.
type Discoverer interface {
	// Candidates returns every (domain, device) pair that currently
	// advertises a frontend of the engine's device class.
	Candidates() ([]Key, error)
}

// Options tune an Engine.
type Options struct {
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// Discoverer overrides the store-scanning discovery strategy.
	Discoverer Discoverer
}

// Engine owns the discovery loop. The frontend handler map is touched only by
// the discovery goroutine; handlers communicate back solely through their
// termination flags.
type Engine struct {
	driver   Driver
	disc     Discoverer
	interval time.Duration
	log      *slog.Logger

	handlers map[Key]*Handler

	mu       sync.Mutex
	running  bool
	stopping bool
	loopGID  uint64

	stop chan struct{}
	done chan struct{}
}

// New creates an engine for one device class. driver must not be nil.
func New(store *xenstore.Store, deviceClass string, driver Driver, opts Options) *Engine {
	disc := opts.Discoverer
	if disc == nil {
		disc = &StoreDiscoverer{Store: store, DeviceClass: deviceClass}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{
		driver:   driver,
		disc:     disc,
		interval: interval,
		log:      slog.Default().With("class", deviceClass),
		handlers: make(map[Key]*Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the discovery goroutine. A second Start without an intervening
// engine shutdown fails with ErrAlreadyRunning; engines are single-use.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("backend: start engine: %w", ErrAlreadyRunning)
	}
	if e.stopping {
		return fmt.Errorf("backend: start engine: %w", ErrInvalidState)
	}
	e.running = true

	go e.run()
	e.log.Info("backend: engine started")
	return nil
}

// Stop asks the discovery goroutine to exit and blocks until it has, so no
// handler activity survives the call. Safe from any goroutine, including a
// callback running on the discovery goroutine itself, where it degrades to
// marking the engine for stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if !e.stopping {
		e.stopping = true
		close(e.stop)
	}
	self := e.loopGID != 0 && e.loopGID == goid.ID()
	e.mu.Unlock()

	if self {
		return
	}
	<-e.done
}

// WaitForFinish blocks until the discovery goroutine exits, without
// requesting it to. A backend process's main goroutine parks here.
func (e *Engine) WaitForFinish() {
	<-e.done
}

// Running reports whether the discovery goroutine is alive.
func (e *Engine) Running() bool {
	e.mu.Lock()
	started := e.running
	e.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *Engine) run() {
	e.mu.Lock()
	e.loopGID = goid.ID()
	e.mu.Unlock()

	defer close(e.done)
	defer e.removeAll()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		// Discovery and the termination sweep never overlap: a key
		// reappearing while its old handler terminates is observed
		// only after the sweep has removed the old one.
		e.checkNewFrontends()
		e.checkTerminated()

		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) checkNewFrontends() {
	keys, err := e.disc.Candidates()
	if err != nil {
		// The store may be mid-teardown; the store's own error handler
		// escalates a lost connection.
		e.log.Error("backend: frontend discovery failed", "err", err)
		return
	}

	for _, key := range keys {
		if _, tracked := e.handlers[key]; tracked {
			continue
		}
		e.createFrontendHandler(key)
	}
}

func (e *Engine) createFrontendHandler(key Key) {
	handler, err := e.driver.NewFrontend(key)
	if err != nil {
		e.log.Error("backend: create frontend handler",
			"domid", key.DomID, "devid", key.DevID, "err", err)
		return
	}
	if handler == nil {
		return
	}
	if err := handler.Start(); err != nil {
		e.log.Error("backend: start frontend handler",
			"domid", key.DomID, "devid", key.DevID, "err", err)
		handler.Stop()
		return
	}
	e.handlers[key] = handler
	e.log.Info("backend: new frontend", "domid", key.DomID, "devid", key.DevID)
}

func (e *Engine) checkTerminated() {
	for key, handler := range e.handlers {
		if !handler.Terminated() && handler.FrontendPresent() {
			continue
		}
		handler.Stop()
		delete(e.handlers, key)
		e.log.Info("backend: frontend removed", "domid", key.DomID, "devid", key.DevID)
	}
}

// removeAll tears down every tracked handler when the loop exits, so engine
// shutdown releases all channels and mappings deterministically.
func (e *Engine) removeAll() {
	for key, handler := range e.handlers {
		handler.Stop()
		delete(e.handlers, key)
	}
}
