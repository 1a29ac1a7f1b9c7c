//go:build linux

package xenstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
)

// xenstored wire protocol (xs_wire): a 16-byte little-endian header of
// {type, req_id, tx_id, len} followed by len bytes of NUL-separated strings.
const (
	xsDirectory     = 1
	xsRead          = 2
	xsWatch         = 4
	xsUnwatch       = 5
	xsGetDomainPath = 10
	xsWrite         = 11
	xsRm            = 13
	xsWatchEvent    = 15
	xsError         = 16

	xsHeaderSize  = 16
	xsMaxPayload  = 4096
	defaultSocket = "/run/xenstored/socket"
	socketPathEnv = "XENSTORED_PATH"
)

type xsReply struct {
	op      uint32
	payload []byte
	err     error
}

// Conn is a Backend speaking the xenstored unix-socket protocol. A single
// reader goroutine demultiplexes replies and watch events.
type Conn struct {
	sock net.Conn

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan xsReply
	closed  bool
	failed  error

	events chan Event
}

// Connect dials the local xenstored socket. The path defaults to
// /run/xenstored/socket and can be overridden with XENSTORED_PATH.
func Connect() (*Conn, error) {
	path := os.Getenv(socketPathEnv)
	if path == "" {
		path = defaultSocket
	}
	return ConnectPath(path)
}

// ConnectPath dials a specific xenstored socket.
func ConnectPath(path string) (*Conn, error) {
	sock, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("xenstore: connect %q: %w", path, err)
	}
	c := &Conn{
		sock:    sock,
		pending: make(map[uint32]chan xsReply),
		events:  make(chan Event, 64),
	}
	go c.readLoop()
	return c, nil
}

// Read implements Backend.
func (c *Conn) Read(path string) (string, error) {
	payload, err := c.roundTrip(xsRead, []byte(path+"\x00"))
	if err != nil {
		return "", fmt.Errorf("xenstore: read %q: %w", path, err)
	}
	return string(bytes.TrimSuffix(payload, []byte{0})), nil
}

// Write implements Backend.
func (c *Conn) Write(path, value string) error {
	buf := append([]byte(path+"\x00"), value...)
	if _, err := c.roundTrip(xsWrite, buf); err != nil {
		return fmt.Errorf("xenstore: write %q: %w", path, err)
	}
	return nil
}

// Remove implements Backend. xenstored answers ENOENT for an absent path,
// which this layer swallows per the Backend contract.
func (c *Conn) Remove(path string) error {
	_, err := c.roundTrip(xsRm, []byte(path+"\x00"))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("xenstore: remove %q: %w", path, err)
	}
	return nil
}

// Directory implements Backend.
func (c *Conn) Directory(path string) ([]string, error) {
	payload, err := c.roundTrip(xsDirectory, []byte(path+"\x00"))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("xenstore: directory %q: %w", path, err)
	}
	var names []string
	for _, name := range bytes.Split(payload, []byte{0}) {
		if len(name) > 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

// DomainPath implements Backend.
func (c *Conn) DomainPath(domID uint32) (string, error) {
	arg := strconv.FormatUint(uint64(domID), 10)
	payload, err := c.roundTrip(xsGetDomainPath, []byte(arg+"\x00"))
	if err != nil {
		return "", fmt.Errorf("xenstore: domain path %d: %w", domID, err)
	}
	return string(bytes.TrimSuffix(payload, []byte{0})), nil
}

// Watch implements Backend.
func (c *Conn) Watch(path, token string) error {
	if _, err := c.roundTrip(xsWatch, []byte(path+"\x00"+token+"\x00")); err != nil {
		return fmt.Errorf("xenstore: watch %q: %w", path, err)
	}
	return nil
}

// Unwatch implements Backend.
func (c *Conn) Unwatch(path, token string) error {
	_, err := c.roundTrip(xsUnwatch, []byte(path+"\x00"+token+"\x00"))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("xenstore: unwatch %q: %w", path, err)
	}
	return nil
}

// Events implements Backend.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Close implements Backend.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.sock.Close()
}

func (c *Conn) roundTrip(op uint32, payload []byte) ([]byte, error) {
	if len(payload) > xsMaxPayload {
		return nil, fmt.Errorf("payload too large (%d bytes)", len(payload))
	}

	ch := make(chan xsReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch

	var hdr [xsHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint32(hdr[4:], id)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(payload)))
	_, err := c.sock.Write(append(hdr[:], payload...))
	c.mu.Unlock()

	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	reply := <-ch
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.op == xsError {
		return nil, decodeStoreError(reply.payload)
	}
	return reply.payload, nil
}

func (c *Conn) dropPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop demultiplexes replies to their callers and forwards watch events.
// A read failure marks the connection dead, fails every pending request and
// closes the event stream. Marking failed and draining pending happen under
// one lock acquisition, so a concurrent roundTrip either registers in time to
// be drained here or observes the failure before registering; no request can
// be left waiting with no reader.
func (c *Conn) readLoop() {
	defer func() {
		err := fmt.Errorf("xenstore: %w", ErrClosed)
		c.mu.Lock()
		c.failed = err
		for id, ch := range c.pending {
			ch <- xsReply{err: err}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	var hdr [xsHeaderSize]byte
	for {
		if _, err := io.ReadFull(c.sock, hdr[:]); err != nil {
			return
		}
		op := binary.LittleEndian.Uint32(hdr[0:])
		id := binary.LittleEndian.Uint32(hdr[4:])
		size := binary.LittleEndian.Uint32(hdr[12:])
		if size > xsMaxPayload {
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.sock, payload); err != nil {
			return
		}

		if op == xsWatchEvent {
			fields := bytes.SplitN(payload, []byte{0}, 3)
			if len(fields) < 2 {
				continue
			}
			c.events <- Event{Path: string(fields[0]), Token: string(fields[1])}
			continue
		}

		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- xsReply{op: op, payload: payload}
		}
	}
}

func decodeStoreError(payload []byte) error {
	name := string(bytes.TrimSuffix(payload, []byte{0}))
	if name == "ENOENT" {
		return ErrNotFound
	}
	return fmt.Errorf("xenstored error %s", name)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
