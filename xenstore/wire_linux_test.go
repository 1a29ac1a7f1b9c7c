//go:build linux

package xenstore

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// startFakeXenstored listens on a unix socket and hands the first accepted
// connection to serve.
func startFakeXenstored(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "xenstored.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return path
}

func readRequest(t *testing.T, conn net.Conn) (op, id uint32, payload []byte) {
	t.Helper()

	var hdr [xsHeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Errorf("read request header: %v", err)
		return 0, 0, nil
	}
	op = binary.LittleEndian.Uint32(hdr[0:])
	id = binary.LittleEndian.Uint32(hdr[4:])
	size := binary.LittleEndian.Uint32(hdr[12:])
	payload = make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Errorf("read request payload: %v", err)
	}
	return op, id, payload
}

func writeFrame(conn net.Conn, op, id uint32, payload []byte) {
	var hdr [xsHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint32(hdr[4:], id)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(payload)))
	conn.Write(append(hdr[:], payload...))
}

func TestConnReadRoundTrip(t *testing.T) {
	path := startFakeXenstored(t, func(conn net.Conn) {
		op, id, payload := readRequest(t, conn)
		if op != xsRead {
			t.Errorf("request op = %d, want %d", op, xsRead)
		}
		if string(payload) != "/local/domain/3/state\x00" {
			t.Errorf("request payload = %q", payload)
		}
		writeFrame(conn, xsRead, id, []byte("4\x00"))
	})

	c, err := ConnectPath(path)
	if err != nil {
		t.Fatalf("ConnectPath: %v", err)
	}
	defer c.Close()

	value, err := c.Read("/local/domain/3/state")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if value != "4" {
		t.Errorf("Read = %q, want %q", value, "4")
	}
}

func TestConnReadNotFound(t *testing.T) {
	path := startFakeXenstored(t, func(conn net.Conn) {
		_, id, _ := readRequest(t, conn)
		writeFrame(conn, xsError, id, []byte("ENOENT\x00"))
	})

	c, err := ConnectPath(path)
	if err != nil {
		t.Fatalf("ConnectPath: %v", err)
	}
	defer c.Close()

	if _, err := c.Read("/nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read absent path: err = %v, want ErrNotFound", err)
	}
}

func TestConnWatchEventDelivery(t *testing.T) {
	path := startFakeXenstored(t, func(conn net.Conn) {
		_, id, _ := readRequest(t, conn)
		writeFrame(conn, xsWatch, id, []byte("OK\x00"))
		writeFrame(conn, xsWatchEvent, 0, []byte("/local/domain/3/state\x00tok\x00"))
	})

	c, err := ConnectPath(path)
	if err != nil {
		t.Fatalf("ConnectPath: %v", err)
	}
	defer c.Close()

	if err := c.Watch("/local/domain/3/state", "tok"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	select {
	case ev := <-c.Events():
		if ev.Path != "/local/domain/3/state" || ev.Token != "tok" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch event never delivered")
	}
}

// A malformed frame kills the reader goroutine. Requests issued after that
// must fail immediately instead of waiting for a reply that can never arrive,
// even though the socket is still writable.
func TestConnRequestAfterReaderFailure(t *testing.T) {
	hold := make(chan struct{})
	path := startFakeXenstored(t, func(conn net.Conn) {
		var hdr [xsHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[12:], xsMaxPayload+1)
		conn.Write(hdr[:])
		<-hold
	})
	defer close(hold)

	c, err := ConnectPath(path)
	if err != nil {
		t.Fatalf("ConnectPath: %v", err)
	}
	defer c.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("unexpected watch event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream not closed after malformed frame")
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Read("/local/domain/3/state")
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Read after reader failure: err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read blocked after reader failure")
	}
}
