package backend

import (
	"github.com/al1img/libxenbe/evtchn"
	"github.com/al1img/libxenbe/gnttab"
)

// RingConsumer is the device-specific collaborator that owns the ring-buffer
// wire format. The core hands it the mapped shared page and the event channel
// when the frontend reaches Connected, and calls it back for every guest
// notification. The ring format itself, and the concurrency discipline on the
// shared page, are the consumer's business.
type RingConsumer interface {
	// Connect receives the mapped ring and the started event channel. The
	// ring is valid until Disconnect returns; the channel supports Notify
	// for signalling the guest. A non-nil error aborts the connection and
	// drives the frontend to its error state.
	Connect(ring gnttab.Buffer, ch *evtchn.Channel) error

	// OnEvent handles one guest notification. It runs on the channel's
	// delivery goroutine. Errors are treated as a critical device fault
	// and terminate the frontend.
	OnEvent() error

	// Disconnect is called before the ring is unmapped. It must stop any
	// use of the ring memory before returning.
	Disconnect()
}
