// Package gnttab abstracts grant-table page mapping: the mechanism by which a
// guest exposes memory pages for backend access. The backend core treats it
// as an opaque leaf service; concrete implementations are the Linux gntdev
// device and an in-memory fake for tests.
package gnttab

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// PageSize is the grant granularity. Xen grants are always 4 KiB pages.
const PageSize = 4096

// Ref is a grant reference published by a guest.
type Ref uint32

// Buffer is a run of mapped guest pages. It stays valid until Unmap; the
// owner must stop all users of the memory before unmapping.
type Buffer interface {
	io.ReaderAt
	io.WriterAt

	// Bytes exposes the mapped memory directly. Ring-buffer consumers
	// index into it; they must respect the ring format's own concurrency
	// discipline.
	Bytes() []byte

	Unmap() error
}

// Mapper maps guest-granted pages into the backend's address space.
type Mapper interface {
	// Map maps the given refs of a domain as one contiguous buffer.
	Map(domID uint32, refs []Ref, writable bool) (Buffer, error)
}

// ErrUnmapped is returned when a buffer is used after Unmap.
var ErrUnmapped = errors.New("buffer unmapped")

// memBuffer backs MemMapper.
type memBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *memBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *memBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0, ErrUnmapped
	}
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memBuffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0, ErrUnmapped
	}
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("gnttab: write of %d bytes at %d exceeds %d-byte buffer",
			len(p), off, len(b.data))
	}
	return copy(b.data[off:], p), nil
}

func (b *memBuffer) Unmap() error {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
	return nil
}

type grantKey struct {
	domID uint32
	ref   Ref
}

// MemMapper is an in-memory Mapper. Tests and the demo backend grant pages
// with Grant and the handler under test maps them like real guest memory.
// Mapping a ref that was never granted fails, which stands in for a guest
// publishing a bogus reference.
type MemMapper struct {
	mu     sync.Mutex
	grants map[grantKey][]byte
}

// NewMemMapper returns an empty mapper.
func NewMemMapper() *MemMapper {
	return &MemMapper{grants: make(map[grantKey][]byte)}
}

// Grant registers page as grantable by domID under ref. The slice must be
// PageSize bytes; the mapper aliases it, so the granting side observes writes
// the way a guest observes backend writes to a granted page.
func (m *MemMapper) Grant(domID uint32, ref Ref, page []byte) error {
	if len(page) != PageSize {
		return fmt.Errorf("gnttab: grant dom %d ref %d: page is %d bytes, want %d",
			domID, ref, len(page), PageSize)
	}
	m.mu.Lock()
	m.grants[grantKey{domID: domID, ref: ref}] = page
	m.mu.Unlock()
	return nil
}

// Revoke withdraws a grant.
func (m *MemMapper) Revoke(domID uint32, ref Ref) {
	m.mu.Lock()
	delete(m.grants, grantKey{domID: domID, ref: ref})
	m.mu.Unlock()
}

// Map implements Mapper.
func (m *MemMapper) Map(domID uint32, refs []Ref, writable bool) (Buffer, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("gnttab: map dom %d: no refs", domID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(refs) == 1 {
		page, ok := m.grants[grantKey{domID: domID, ref: refs[0]}]
		if !ok {
			return nil, fmt.Errorf("gnttab: map dom %d: ref %d not granted", domID, refs[0])
		}
		return &memBuffer{data: page}, nil
	}

	// Multi-page mappings copy into one contiguous buffer; the in-memory
	// mapper does not alias those, which is fine for the ring layouts the
	// tests exercise.
	data := make([]byte, 0, len(refs)*PageSize)
	for _, ref := range refs {
		page, ok := m.grants[grantKey{domID: domID, ref: ref}]
		if !ok {
			return nil, fmt.Errorf("gnttab: map dom %d: ref %d not granted", domID, ref)
		}
		data = append(data, page...)
	}
	return &memBuffer{data: data}, nil
}
