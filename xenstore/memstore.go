package xenstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memNode is one node in the in-memory tree. A node may carry a value and
// children at the same time, like xenstored nodes do.
type memNode struct {
	value    string
	hasValue bool
	children map[string]*memNode
}

func newMemNode() *memNode {
	return &memNode{children: make(map[string]*memNode)}
}

type memWatch struct {
	path  string
	token string
}

// MemStore is an in-memory Backend with xenstored semantics: a hierarchical
// tree of string values, prefix-matched watches, and per-domain root paths.
// It backs the package tests and lets a backend run without a live xenstored.
type MemStore struct {
	mu          sync.Mutex
	root        *memNode
	domainPaths map[uint32]string
	watches     []memWatch
	queue       []Event
	closed      bool

	events   chan Event
	wake     chan struct{}
	stopped  chan struct{}
	pumpDone chan struct{}
}

// NewMemStore returns an empty store. Fired events are queued and delivered
// in order by a pump goroutine, so writers never block on a slow watch
// consumer and no event is dropped while the store is open.
func NewMemStore() *MemStore {
	m := &MemStore{
		root:        newMemNode(),
		domainPaths: make(map[uint32]string),
		events:      make(chan Event),
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	go m.pump()
	return m
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

func (m *MemStore) lookup(path string) *memNode {
	node := m.root
	for _, seg := range splitPath(path) {
		next, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// Read implements Backend.
func (m *MemStore) Read(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.lookup(path)
	if node == nil || !node.hasValue {
		return "", fmt.Errorf("xenstore: read %q: %w", path, ErrNotFound)
	}
	return node.value, nil
}

// Write implements Backend. Intermediate nodes are created as needed.
func (m *MemStore) Write(path, value string) error {
	m.mu.Lock()
	node := m.root
	for _, seg := range splitPath(path) {
		next, ok := node.children[seg]
		if !ok {
			next = newMemNode()
			node.children[seg] = next
		}
		node = next
	}
	node.value = value
	node.hasValue = true
	m.fireLocked(path, false)
	m.mu.Unlock()
	return nil
}

// Remove implements Backend. Removing a node drops its whole subtree.
func (m *MemStore) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	segs := splitPath(path)
	if len(segs) == 0 {
		return nil
	}
	parent := m.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent.children[seg]
		if !ok {
			return nil
		}
		parent = next
	}
	leaf := segs[len(segs)-1]
	if _, ok := parent.children[leaf]; !ok {
		return nil
	}
	delete(parent.children, leaf)
	m.fireLocked(path, true)
	return nil
}

// Directory implements Backend. Children are returned sorted; xenstored does
// not promise an order, sorting just keeps tests deterministic.
func (m *MemStore) Directory(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.lookup(path)
	if node == nil {
		return nil, nil
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DomainPath implements Backend. Defaults to the conventional
// /local/domain/<id> unless overridden with SetDomainPath.
func (m *MemStore) DomainPath(domID uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.domainPaths[domID]; ok {
		return path, nil
	}
	return fmt.Sprintf("/local/domain/%d", domID), nil
}

// SetDomainPath overrides the root path reported for a domain.
func (m *MemStore) SetDomainPath(domID uint32, path string) {
	m.mu.Lock()
	m.domainPaths[domID] = strings.TrimSuffix(path, "/")
	m.mu.Unlock()
}

// Watch implements Backend.
func (m *MemStore) Watch(path, token string) error {
	m.mu.Lock()
	m.watches = append(m.watches, memWatch{path: strings.TrimSuffix(path, "/"), token: token})
	// xenstored fires a synthetic event on registration so the watcher can
	// pick up the current state.
	m.postLocked(Event{Path: path, Token: token})
	m.mu.Unlock()
	return nil
}

// Unwatch implements Backend.
func (m *MemStore) Unwatch(path, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = strings.TrimSuffix(path, "/")
	for i, w := range m.watches {
		if w.path == path && w.token == token {
			m.watches = append(m.watches[:i], m.watches[i+1:]...)
			return nil
		}
	}
	return nil
}

// Events implements Backend.
func (m *MemStore) Events() <-chan Event {
	return m.events
}

// Close implements Backend. It closes the event stream, which a Store on top
// of this backend reports through its error handler. Events still queued are
// discarded.
func (m *MemStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopped)
	<-m.pumpDone
	return nil
}

func (m *MemStore) fireLocked(changed string, removal bool) {
	changed = strings.TrimSuffix(changed, "/")
	for _, w := range m.watches {
		// A change fires watches on the node and its ancestors. Removing
		// a subtree additionally fires watches registered below it, as
		// xenstored does.
		match := changed == w.path || strings.HasPrefix(changed, w.path+"/")
		if removal {
			match = match || strings.HasPrefix(w.path, changed+"/")
		}
		if match {
			m.postLocked(Event{Path: changed, Token: w.token})
		}
	}
}

func (m *MemStore) postLocked(ev Event) {
	if m.closed {
		return
	}
	m.queue = append(m.queue, ev)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the event channel without holding the store
// lock, so a blocked consumer stalls delivery but never the store itself.
func (m *MemStore) pump() {
	defer close(m.pumpDone)
	defer close(m.events)

	for {
		m.mu.Lock()
		var ev Event
		have := len(m.queue) > 0
		if have {
			ev = m.queue[0]
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()

		if !have {
			select {
			case <-m.wake:
			case <-m.stopped:
				return
			}
			continue
		}
		select {
		case m.events <- ev:
		case <-m.stopped:
			return
		}
	}
}
