//go:build linux

package evtchn

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// /dev/xen/evtchn ioctls, from xen's public evtchn.h. Each open fd holds an
// independent set of bound ports; we open one fd per endpoint so closing an
// endpoint cannot disturb its siblings.
const (
	evtchnDevice = "/dev/xen/evtchn"

	ioctlBindInterdomain = 0x00084501 // _IOC(NONE, 'E', 1, 8)
	ioctlUnbind          = 0x00044503 // _IOC(NONE, 'E', 3, 4)
	ioctlNotify          = 0x00044504 // _IOC(NONE, 'E', 4, 4)
)

type bindInterdomain struct {
	remoteDomain uint32
	remotePort   uint32
}

type portArg struct {
	port uint32
}

// DeviceBinder binds interdomain event channels through /dev/xen/evtchn.
type DeviceBinder struct{}

// Bind implements Binder.
func (DeviceBinder) Bind(domID, remotePort uint32) (Endpoint, error) {
	fd, err := unix.Open(evtchnDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", evtchnDevice, err)
	}

	arg := bindInterdomain{remoteDomain: domID, remotePort: remotePort}
	local, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(ioctlBindInterdomain), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("bind interdomain dom %d port %d: %w", domID, remotePort, errno)
	}

	return &deviceEndpoint{fd: fd, localPort: uint32(local)}, nil
}

type deviceEndpoint struct {
	fd        int
	localPort uint32

	mu     sync.Mutex
	closed bool
}

// Wait polls the fd, consumes one pending port and unmasks it.
func (e *deviceEndpoint) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	var buf [4]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		return false, fmt.Errorf("read pending port: %w", err)
	}
	port := binary.LittleEndian.Uint32(buf[:])
	if port != e.localPort {
		return false, fmt.Errorf("unexpected port %d pending, bound to %d", port, e.localPort)
	}

	// Writing the port back unmasks it for the next event.
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return false, fmt.Errorf("unmask port %d: %w", port, err)
	}
	return true, nil
}

func (e *deviceEndpoint) Notify() error {
	arg := portArg{port: e.localPort}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.fd),
		uintptr(ioctlNotify), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("notify port %d: %w", e.localPort, errno)
	}
	return nil
}

func (e *deviceEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	arg := portArg{port: e.localPort}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.fd),
		uintptr(ioctlUnbind), uintptr(unsafe.Pointer(&arg)))
	closeErr := unix.Close(e.fd)
	if errno != 0 {
		return fmt.Errorf("unbind port %d: %w", e.localPort, errno)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", evtchnDevice, closeErr)
	}
	return nil
}
