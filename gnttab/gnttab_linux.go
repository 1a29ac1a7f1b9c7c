//go:build linux

package gnttab

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// /dev/xen/gntdev ioctls, from xen's public gntdev.h. The map ioctl returns a
// byte index the caller then hands to mmap on the same fd.
const (
	gntdevDevice = "/dev/xen/gntdev"

	ioctlMapGrantRef   = 0x00184700 // _IOC(NONE, 'G', 0, 24)
	ioctlUnmapGrantRef = 0x00104701 // _IOC(NONE, 'G', 1, 16)
)

// DeviceMapper maps guest grants through /dev/xen/gntdev.
type DeviceMapper struct {
	mu sync.Mutex
	fd int
}

// NewDeviceMapper opens the gntdev device.
func NewDeviceMapper() (*DeviceMapper, error) {
	fd, err := unix.Open(gntdevDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gnttab: open %s: %w", gntdevDevice, err)
	}
	return &DeviceMapper{fd: fd}, nil
}

// Close releases the device. Outstanding buffers stay mapped until their own
// Unmap.
func (m *DeviceMapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	if err != nil {
		return fmt.Errorf("gnttab: close %s: %w", gntdevDevice, err)
	}
	return nil
}

// Map implements Mapper.
func (m *DeviceMapper) Map(domID uint32, refs []Ref, writable bool) (Buffer, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("gnttab: map dom %d: no refs", domID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fd < 0 {
		return nil, fmt.Errorf("gnttab: map dom %d: device closed", domID)
	}

	// struct ioctl_gntdev_map_grant_ref: count, pad, index (out), then one
	// {domid, ref} pair per grant.
	arg := make([]byte, 16+8*len(refs))
	binary.LittleEndian.PutUint32(arg[0:], uint32(len(refs)))
	for i, ref := range refs {
		binary.LittleEndian.PutUint32(arg[16+8*i:], domID)
		binary.LittleEndian.PutUint32(arg[20+8*i:], uint32(ref))
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.fd),
		uintptr(ioctlMapGrantRef), uintptr(unsafe.Pointer(&arg[0]))); errno != 0 {
		return nil, fmt.Errorf("gnttab: map dom %d refs %v: %w", domID, refs, errno)
	}
	index := binary.LittleEndian.Uint64(arg[8:16])

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(m.fd, int64(index), len(refs)*PageSize, prot, unix.MAP_SHARED)
	if err != nil {
		m.unmapIndex(index, uint32(len(refs)))
		return nil, fmt.Errorf("gnttab: mmap dom %d refs %v: %w", domID, refs, err)
	}

	return &deviceBuffer{mapper: m, mem: mem, index: index, count: uint32(len(refs))}, nil
}

func (m *DeviceMapper) unmapIndex(index uint64, count uint32) error {
	// struct ioctl_gntdev_unmap_grant_ref: index, count, pad.
	var arg [16]byte
	binary.LittleEndian.PutUint64(arg[0:], index)
	binary.LittleEndian.PutUint32(arg[8:], count)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.fd),
		uintptr(ioctlUnmapGrantRef), uintptr(unsafe.Pointer(&arg[0]))); errno != 0 {
		return fmt.Errorf("gnttab: unmap index %d: %w", index, errno)
	}
	return nil
}

type deviceBuffer struct {
	mapper *DeviceMapper
	index  uint64
	count  uint32

	mu  sync.Mutex
	mem []byte
}

func (b *deviceBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem
}

func (b *deviceBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return 0, ErrUnmapped
	}
	if off < 0 || off >= int64(len(b.mem)) {
		return 0, fmt.Errorf("gnttab: read at %d outside %d-byte mapping", off, len(b.mem))
	}
	return copy(p, b.mem[off:]), nil
}

func (b *deviceBuffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return 0, ErrUnmapped
	}
	if off < 0 || off+int64(len(p)) > int64(len(b.mem)) {
		return 0, fmt.Errorf("gnttab: write of %d bytes at %d exceeds %d-byte mapping",
			len(p), off, len(b.mem))
	}
	return copy(b.mem[off:], p), nil
}

func (b *deviceBuffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("gnttab: munmap: %w", err)
	}
	b.mem = nil

	b.mapper.mu.Lock()
	defer b.mapper.mu.Unlock()
	if b.mapper.fd < 0 {
		return nil
	}
	return b.mapper.unmapIndex(b.index, b.count)
}
