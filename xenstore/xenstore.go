// Package xenstore provides typed read/write/watch access to the hierarchical
// configuration database shared between the host and its guest domains.
//
// A Store wraps a Backend (a live xenstored connection or an in-memory
// MemStore) and owns a single dispatch goroutine that serializes all watch
// callbacks. Watch callbacks for one path are delivered in change order and
// are never invoked concurrently with each other.
package xenstore

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when a read targets a path with no value.
var ErrNotFound = errors.New("path not found")

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("store closed")

// WatchCallback is invoked on the store's dispatch goroutine with the path
// that changed. It must not block for long: every watch shares one goroutine.
type WatchCallback func(path string)

// ErrorHandler receives unrecoverable store failures, such as the connection
// to xenstored being lost. It runs on the dispatch goroutine and is expected
// to trigger shutdown of the engines depending on this store.
type ErrorHandler func(err error)

// Store is the typed front half of the configuration database.
type Store struct {
	be      Backend
	onError ErrorHandler
	log     *slog.Logger

	mu      sync.Mutex
	watches map[string]WatchCallback
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// New wraps a backend and starts the watch dispatch goroutine. onError may be
// nil, in which case backend failures are only logged.
func New(be Backend, onError ErrorHandler) *Store {
	s := &Store{
		be:      be,
		onError: onError,
		log:     slog.Default(),
		watches: make(map[string]WatchCallback),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Close stops the dispatch goroutine and closes the backend. No watch
// callback fires after Close returns.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return s.be.Close()
}

// ReadString returns the value at path.
func (s *Store) ReadString(path string) (string, error) {
	return s.be.Read(path)
}

// ReadInt returns the value at path parsed as a signed decimal integer.
func (s *Store) ReadInt(path string) (int, error) {
	raw, err := s.be.Read(path)
	if err != nil {
		return 0, err
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("xenstore: value at %q is not an integer: %w", path, err)
	}
	return val, nil
}

// ReadUint returns the value at path parsed as an unsigned decimal integer.
func (s *Store) ReadUint(path string) (uint, error) {
	raw, err := s.be.Read(path)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimSpace(raw), 10, strconv.IntSize)
	if err != nil {
		return 0, fmt.Errorf("xenstore: value at %q is not an unsigned integer: %w", path, err)
	}
	return uint(val), nil
}

// WriteString stores value at path, creating intermediate nodes as needed and
// overwriting any existing value.
func (s *Store) WriteString(path, value string) error {
	return s.be.Write(path, value)
}

// WriteInt stores a signed decimal integer at path.
func (s *Store) WriteInt(path string, value int) error {
	return s.be.Write(path, strconv.Itoa(value))
}

// WriteUint stores an unsigned decimal integer at path.
func (s *Store) WriteUint(path string, value uint) error {
	return s.be.Write(path, strconv.FormatUint(uint64(value), 10))
}

// Exists reports whether path currently has a value.
func (s *Store) Exists(path string) bool {
	_, err := s.be.Read(path)
	if err == nil {
		return true
	}
	// A directory node without a value still exists.
	if children, derr := s.be.Directory(path); derr == nil && len(children) > 0 {
		return true
	}
	return false
}

// RemovePath removes the value at path and, for a directory node, its whole
// subtree. Removing an absent path is not an error.
func (s *Store) RemovePath(path string) error {
	return s.be.Remove(path)
}

// ReadDirectory returns the immediate child names of path. An absent or
// childless path yields an empty slice, never an error.
func (s *Store) ReadDirectory(path string) ([]string, error) {
	children, err := s.be.Directory(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return children, nil
}

// DomainPath resolves a domain id to the root of its configuration subtree.
func (s *Store) DomainPath(domID uint32) (string, error) {
	return s.be.DomainPath(domID)
}

// SetWatch registers callback to fire whenever the value at path or any of
// its descendants changes. At most one callback per path; registering again
// replaces the previous one.
func (s *Store) SetWatch(path string, callback WatchCallback) error {
	path = strings.TrimSuffix(path, "/")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("xenstore: set watch %q: %w", path, ErrClosed)
	}
	_, replace := s.watches[path]
	s.watches[path] = callback
	s.mu.Unlock()

	if replace {
		return nil
	}
	if err := s.be.Watch(path, path); err != nil {
		s.mu.Lock()
		delete(s.watches, path)
		s.mu.Unlock()
		return fmt.Errorf("xenstore: set watch %q: %w", path, err)
	}
	return nil
}

// ClearWatch removes the watch on path. Clearing an unknown watch is a no-op.
func (s *Store) ClearWatch(path string) {
	path = strings.TrimSuffix(path, "/")

	s.mu.Lock()
	_, ok := s.watches[path]
	delete(s.watches, path)
	s.mu.Unlock()

	if ok {
		if err := s.be.Unwatch(path, path); err != nil {
			s.log.Warn("xenstore: clear watch", "path", path, "err", err)
		}
	}
}

// dispatch is the single goroutine delivering all watch callbacks.
func (s *Store) dispatch() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.be.Events():
			if !ok {
				select {
				case <-s.stop:
					// Close raced with backend shutdown; not a failure.
				default:
					err := fmt.Errorf("xenstore: %w: event stream closed", ErrClosed)
					s.log.Error("xenstore: store connection lost")
					if s.onError != nil {
						s.onError(err)
					}
				}
				return
			}
			s.mu.Lock()
			cb := s.watches[ev.Token]
			s.mu.Unlock()
			if cb != nil {
				cb(ev.Path)
			}
		}
	}
}
