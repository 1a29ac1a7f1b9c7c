package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/al1img/libxenbe/evtchn"
	"github.com/al1img/libxenbe/gnttab"
	"github.com/al1img/libxenbe/xenstore"
)

// ErrMalformedValue reports frontend-published data that cannot be parsed or
// is out of range. It is fatal for that frontend only.
var ErrMalformedValue = errors.New("malformed frontend value")

// maxPort bounds a plausible event-channel port number. Frontends publishing
// anything above it are treated as malformed.
const maxPort = 1 << 20

// Store node names shared with the frontend.
const (
	nodeState        = "state"
	nodeRingRef      = "ring-ref"
	nodeEventChannel = "event-channel"
	nodeFrontend     = "frontend"
	nodeError        = "error"
)

// Key identifies one frontend device instance.
type Key struct {
	DomID uint32
	DevID uint16
}

func (k Key) String() string {
	return fmt.Sprintf("dom %d dev %d", k.DomID, k.DevID)
}

// HandlerConfig carries the collaborators a Handler drives.
type HandlerConfig struct {
	Store       *xenstore.Store
	Mapper      gnttab.Mapper
	Binder      evtchn.Binder
	Consumer    RingConsumer
	DeviceClass string

	// Capabilities are readiness/capability nodes published under the
	// backend subtree before the frontend is invited to initialise
	// (protocol version, max transfer size and the like).
	Capabilities map[string]string
}

// Handler owns one frontend's connection lifecycle. It is created by a Driver
// when the Engine discovers the frontend, driven by watch callbacks on the
// frontend's store subtree, and destroyed by the Engine once Terminated
// reports true.
type Handler struct {
	key      Key
	store    *xenstore.Store
	mapper   gnttab.Mapper
	binder   evtchn.Binder
	consumer RingConsumer
	class    string
	caps     map[string]string
	log      *slog.Logger

	backendPath  string
	frontendPath string

	// failed and terminated are written from the store dispatch goroutine
	// and from event-channel delivery goroutines; the engine polls them.
	failed     atomic.Bool
	terminated atomic.Bool

	mu      sync.Mutex
	state   State
	stopped bool
	ring    gnttab.Buffer
	channel *evtchn.Channel
}

// NewHandler resolves the backend and frontend store paths for key and
// returns an idle handler. Start begins the lifecycle.
func NewHandler(key Key, cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil || cfg.Mapper == nil || cfg.Binder == nil || cfg.Consumer == nil {
		return nil, fmt.Errorf("backend: handler %s: incomplete config", key)
	}
	if cfg.DeviceClass == "" {
		return nil, fmt.Errorf("backend: handler %s: empty device class", key)
	}

	dom0Path, err := cfg.Store.DomainPath(0)
	if err != nil {
		return nil, fmt.Errorf("backend: handler %s: resolve backend domain path: %w", key, err)
	}
	domPath, err := cfg.Store.DomainPath(key.DomID)
	if err != nil {
		return nil, fmt.Errorf("backend: handler %s: resolve domain path: %w", key, err)
	}

	dev := strconv.FormatUint(uint64(key.DevID), 10)
	dom := strconv.FormatUint(uint64(key.DomID), 10)

	return &Handler{
		key:      key,
		store:    cfg.Store,
		mapper:   cfg.Mapper,
		binder:   cfg.Binder,
		consumer: cfg.Consumer,
		class:    cfg.DeviceClass,
		caps:     cfg.Capabilities,
		log: slog.Default().With(
			"class", cfg.DeviceClass, "domid", key.DomID, "devid", key.DevID),
		backendPath:  dom0Path + "/backend/" + cfg.DeviceClass + "/" + dom + "/" + dev,
		frontendPath: domPath + "/device/" + cfg.DeviceClass + "/" + dev,
		state:        StateInitialising,
	}, nil
}

// Key returns the frontend key.
func (h *Handler) Key() Key { return h.key }

// State returns the backend's current published state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Terminated reports whether the handler has reached Closed or failed and is
// ready for removal. Non-blocking; the Engine polls it.
func (h *Handler) Terminated() bool {
	return h.terminated.Load()
}

// FrontendPresent reports whether the frontend's presence marker is still in
// the store. Its disappearance means the guest detached or was destroyed.
func (h *Handler) FrontendPresent() bool {
	return h.store.Exists(h.frontendPath + "/" + nodeState)
}

// Start publishes the backend's readiness metadata, advertises InitWait and
// begins watching the frontend's state node.
func (h *Handler) Start() error {
	for node, value := range h.caps {
		if err := h.store.WriteString(h.backendPath+"/"+node, value); err != nil {
			return fmt.Errorf("backend: handler %s: publish %q: %w", h.key, node, err)
		}
	}
	if err := h.store.WriteString(h.backendPath+"/"+nodeFrontend, h.frontendPath); err != nil {
		return fmt.Errorf("backend: handler %s: publish frontend path: %w", h.key, err)
	}
	if err := h.setState(StateInitWait); err != nil {
		return fmt.Errorf("backend: handler %s: %w", h.key, err)
	}

	statePath := h.frontendPath + "/" + nodeState
	if err := h.store.SetWatch(statePath, h.frontendChanged); err != nil {
		return fmt.Errorf("backend: handler %s: %w", h.key, err)
	}
	h.log.Info("backend: frontend handler started")
	return nil
}

// Stop releases everything the handler owns, in deterministic order: the
// consumer's teardown hook, the event channel, then the mapped ring. The
// Engine calls it before dropping the handler; it is idempotent.
func (h *Handler) Stop() {
	h.store.ClearWatch(h.frontendPath + "/" + nodeState)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true

	h.releaseLocked()
	if h.state != StateClosed {
		h.writeStateLocked(StateClosed)
		h.state = StateClosed
	}
	h.terminated.Store(true)
	h.log.Info("backend: frontend handler stopped")
}

// frontendChanged runs on the store dispatch goroutine for every change under
// the frontend's state node. All lifecycle transitions happen here, so the
// state machine is single-threaded.
func (h *Handler) frontendChanged(string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || h.failed.Load() {
		return
	}

	fs, err := h.store.ReadInt(h.frontendPath + "/" + nodeState)
	if err != nil {
		if errors.Is(err, xenstore.ErrNotFound) {
			// Frontend has not announced yet, or is already gone;
			// the engine's presence sweep owns the latter case.
			return
		}
		h.failLocked(fmt.Errorf("%w: state: %v", ErrMalformedValue, err))
		return
	}
	if !State(fs).valid() {
		h.failLocked(fmt.Errorf("%w: state %d", ErrMalformedValue, fs))
		return
	}

	h.onFrontendStateLocked(State(fs))
}

func (h *Handler) onFrontendStateLocked(fs State) {
	h.log.Debug("backend: frontend state changed", "frontend", fs.String(), "backend", h.state.String())

	switch fs {
	case StateInitialising:
		// Nothing to do: InitWait is already advertised and the
		// readiness nodes are published.

	case StateInitialised, StateConnected:
		if h.state == StateInitWait {
			h.connectLocked()
		}

	case StateClosing, StateClosed:
		if h.state == StateConnected || h.state == StateInitialised {
			h.closeLocked()
		}
	}
}

// connectLocked takes the handler from InitWait through Initialised to
// Connected: validate the published ring reference and event-channel port,
// map the page, bind and start the channel, then hand both to the consumer.
func (h *Handler) connectLocked() {
	ref, err := h.store.ReadUint(h.frontendPath + "/" + nodeRingRef)
	if err != nil {
		h.failLocked(fmt.Errorf("%w: ring-ref: %v", ErrMalformedValue, err))
		return
	}
	port, err := h.store.ReadUint(h.frontendPath + "/" + nodeEventChannel)
	if err != nil {
		h.failLocked(fmt.Errorf("%w: event-channel: %v", ErrMalformedValue, err))
		return
	}
	if ref == 0 {
		h.failLocked(fmt.Errorf("%w: ring-ref 0", ErrMalformedValue))
		return
	}
	if port == 0 || port > maxPort {
		h.failLocked(fmt.Errorf("%w: event-channel port %d", ErrMalformedValue, port))
		return
	}

	if err := h.setStateLocked(StateInitialised); err != nil {
		h.failLocked(err)
		return
	}

	ring, err := h.mapper.Map(h.key.DomID, []gnttab.Ref{gnttab.Ref(ref)}, true)
	if err != nil {
		h.failLocked(fmt.Errorf("map ring ref %d: %w", ref, err))
		return
	}

	ch, err := evtchn.Bind(h.binder, h.key.DomID, uint32(port), h.consumer.OnEvent, h.channelError)
	if err != nil {
		ring.Unmap()
		h.failLocked(err)
		return
	}
	if err := ch.Start(); err != nil {
		ch.Close()
		ring.Unmap()
		h.failLocked(err)
		return
	}

	if err := h.consumer.Connect(ring, ch); err != nil {
		ch.Stop()
		ch.Close()
		ring.Unmap()
		h.failLocked(fmt.Errorf("ring consumer connect: %w", err))
		return
	}

	h.ring = ring
	h.channel = ch

	if err := h.setStateLocked(StateConnected); err != nil {
		h.releaseLocked()
		h.failLocked(err)
		return
	}
	h.log.Info("backend: frontend connected", "ring-ref", ref, "port", port)
}

// closeLocked handles a frontend-initiated shutdown.
func (h *Handler) closeLocked() {
	h.setStateLocked(StateClosing)
	h.releaseLocked()
	h.setStateLocked(StateClosed)
	h.terminated.Store(true)
	h.log.Info("backend: frontend closed")
}

// releaseLocked tears down in reverse order of construction.
func (h *Handler) releaseLocked() {
	if h.ring == nil && h.channel == nil {
		return
	}
	h.consumer.Disconnect()
	if h.channel != nil {
		h.channel.Stop()
		if err := h.channel.Close(); err != nil {
			h.log.Warn("backend: close event channel", "err", err)
		}
		h.channel = nil
	}
	if h.ring != nil {
		if err := h.ring.Unmap(); err != nil {
			h.log.Warn("backend: unmap ring", "err", err)
		}
		h.ring = nil
	}
}

// channelError runs on the event channel's delivery goroutine. It only marks
// the handler failed; resource release happens on the engine's sweep so no
// goroutine ever joins itself.
func (h *Handler) channelError(err error) {
	h.log.Error("backend: frontend failed", "err", err)
	h.failed.Store(true)
	h.terminated.Store(true)
}

// failLocked drives the handler to its terminal error state. Resources are
// released immediately; the store keeps the error text next to the device.
func (h *Handler) failLocked(err error) {
	h.log.Error("backend: frontend failed", "err", err)
	h.failed.Store(true)

	h.releaseLocked()
	if werr := h.store.WriteString(h.backendPath+"/"+nodeError, err.Error()); werr != nil {
		h.log.Warn("backend: record error node", "err", werr)
	}
	h.writeStateLocked(StateClosed)
	h.state = StateClosed
	h.terminated.Store(true)
}

// setState publishes and records a new backend state.
func (h *Handler) setState(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setStateLocked(next)
}

func (h *Handler) setStateLocked(next State) error {
	if err := h.writeStateLocked(next); err != nil {
		return err
	}
	h.log.Debug("backend: state changed", "from", h.state.String(), "to", next.String())
	h.state = next
	return nil
}

func (h *Handler) writeStateLocked(next State) error {
	if err := h.store.WriteInt(h.backendPath+"/"+nodeState, int(next)); err != nil {
		return fmt.Errorf("publish state %s: %w", next, err)
	}
	return nil
}
