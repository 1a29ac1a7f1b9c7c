package evtchn

import "time"

// Endpoint is one bound half of an event channel: the opaque platform
// notification primitive behind a Channel.
type Endpoint interface {
	// Wait blocks until a notification arrives or the timeout elapses.
	// It returns true if a notification was consumed. An error means the
	// transport itself failed; transient conditions (interrupted waits)
	// are absorbed by the implementation.
	Wait(timeout time.Duration) (bool, error)

	// Notify signals the peer endpoint.
	Notify() error

	// Close releases the binding. Any blocked Wait fails afterwards.
	Close() error
}

// Binder creates endpoints bound to a guest domain's event-channel port.
type Binder interface {
	Bind(domID uint32, remotePort uint32) (Endpoint, error)
}
