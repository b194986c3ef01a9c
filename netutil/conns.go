package netutil

import (
	"net"
	"sync"
)

// ConnSet tracks accepted connections so a stopping server can close them.
type ConnSet struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewConnSet NewConnSet
func NewConnSet() *ConnSet {
	return &ConnSet{conns: make(map[net.Conn]struct{})}
}

// Add Add
func (s *ConnSet) Add(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// Remove Remove
func (s *ConnSet) Remove(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Len Len
func (s *ConnSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes and forgets every tracked connection.
func (s *ConnSet) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}
