// Package listenerset manages the dynamic collection of bound TCP
// sockets for both listener families (spec.md §4.6). Listeners can be
// added and removed at runtime by a Sandstorm admin session; removing a
// listener stops its accept loop and closes the socket without
// disturbing sessions it already spawned.
package listenerset

import (
	"fmt"
	"net"
	"sync"

	"github.com/sandstormd/sandstorm/internal/model"
)

// Handler is invoked once per accepted connection, in its own goroutine.
type Handler func(conn net.Conn, family model.ListenerFamily)

type entry struct {
	id     uint64
	family model.ListenerFamily
	addr   *net.TCPAddr
	ln     net.Listener
	done   chan struct{}
}

// Set owns zero or more listening sockets per family and their accept
// loops. The zero value is not usable; use New.
type Set struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
	wg      sync.WaitGroup
	handler Handler
}

func New(handler Handler) *Set {
	return &Set{entries: make(map[uint64]*entry), handler: handler}
}

// Add binds a new TCP listener on addr for the given family and spawns
// its accept loop. On success it returns the concrete bound address
// (useful when addr has port 0). On failure the raw bind error is
// returned so the caller can classify it into an IoError.
func (s *Set) Add(family model.ListenerFamily, addr string) (*net.TCPAddr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listenerset: unexpected listener address type %T", ln.Addr())
	}

	s.mu.Lock()
	s.nextID++
	e := &entry{id: s.nextID, family: family, addr: tcpAddr, ln: ln, done: make(chan struct{})}
	s.entries[e.id] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(e)

	return tcpAddr, nil
}

func (s *Set) acceptLoop(e *entry) {
	defer s.wg.Done()
	defer close(e.done)
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		go s.handler(conn, e.family)
	}
}

// Remove closes the listener bound to the exact family+address, waiting
// for its accept loop to exit. Reports false if no such listener exists.
func (s *Set) Remove(family model.ListenerFamily, addr *net.TCPAddr) bool {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.family == family && sameAddr(e.addr, addr) {
			found = e
			delete(s.entries, e.id)
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return false
	}
	found.ln.Close()
	<-found.done
	return true
}

// List returns the bound addresses for the given family in arbitrary
// but stable (insertion) order.
func (s *Set) List(family model.ListenerFamily) []*net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.entries))
	for id, e := range s.entries {
		if e.family == family {
			ids = append(ids, id)
		}
	}
	// Stable order: entry IDs are assigned monotonically at Add time.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]*net.TCPAddr, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id].addr)
	}
	return out
}

// CloseAll stops every accept loop and closes every listening socket.
// Used by the shutdown coordinator (spec.md §4.7 step 1).
func (s *Set) CloseAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[uint64]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.ln.Close()
	}
	s.wg.Wait()
}

func sameAddr(a, b *net.TCPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
