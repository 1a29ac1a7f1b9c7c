// Package libxenbe is a reusable framework for building the host side of
// paravirtualized device drivers ("backends") in a privileged virtualization
// domain.
//
// The framework discovers guest frontends through the shared configuration
// database, drives each one through the xenbus connection lifecycle, and
// hands the established shared ring page and event channel to the
// device-specific ring consumer. A concrete backend supplies only the ring
// format and a small amount of wiring:
//
//   - backend: the discovery engine and the per-frontend state machine
//   - xenstore: typed read/write/watch access to the configuration database
//   - evtchn: event-channel binding and notification delivery
//   - gnttab: grant-table page mapping
//   - config: yaml settings for backend processes
//
// cmd/xenbe-demo runs the whole stack in-process against the in-memory
// store, which is also how the tests exercise it.
package libxenbe
