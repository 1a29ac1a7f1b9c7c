package evtchn

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Loopback is an in-process event-channel fabric. Each (domain, port) pair
// names a channel with two halves: the backend half obtained through Bind and
// the guest half obtained through Guest. Notifications cross between the
// halves without leaving the process, which is what the tests and the demo
// backend run on.
type Loopback struct {
	mu    sync.Mutex
	pairs map[loopKey]*loopPair
}

type loopKey struct {
	domID uint32
	port  uint32
}

type loopPair struct {
	toHost  chan struct{}
	toGuest chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewLoopback returns an empty fabric.
func NewLoopback() *Loopback {
	return &Loopback{pairs: make(map[loopKey]*loopPair)}
}

func (l *Loopback) pair(domID, port uint32) *loopPair {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := loopKey{domID: domID, port: port}
	p, ok := l.pairs[key]
	if !ok {
		p = &loopPair{
			toHost:  make(chan struct{}, 1),
			toGuest: make(chan struct{}, 1),
			closed:  make(chan struct{}),
		}
		l.pairs[key] = p
	}
	return p
}

// Bind implements Binder, returning the backend half.
func (l *Loopback) Bind(domID, port uint32) (Endpoint, error) {
	if port == 0 {
		return nil, fmt.Errorf("loopback: bind dom %d: port 0 is unbound", domID)
	}
	p := l.pair(domID, port)
	return &loopEndpoint{recv: p.toHost, send: p.toGuest, pair: p}, nil
}

// Guest returns the guest half of the pair, standing in for the frontend's
// end of the channel.
func (l *Loopback) Guest(domID, port uint32) Endpoint {
	p := l.pair(domID, port)
	return &loopEndpoint{recv: p.toGuest, send: p.toHost, pair: p}
}

type loopEndpoint struct {
	recv chan struct{}
	send chan struct{}
	pair *loopPair
}

func (e *loopEndpoint) Wait(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.recv:
		return true, nil
	case <-e.pair.closed:
		return false, errors.New("loopback: endpoint closed")
	case <-timer.C:
		return false, nil
	}
}

func (e *loopEndpoint) Notify() error {
	select {
	case <-e.pair.closed:
		return errors.New("loopback: endpoint closed")
	default:
	}
	// Like a real event channel, pending notifications coalesce.
	select {
	case e.send <- struct{}{}:
	default:
	}
	return nil
}

// Close tears down both halves; the peer's next Wait fails.
func (e *loopEndpoint) Close() error {
	e.pair.once.Do(func() { close(e.pair.closed) })
	return nil
}
