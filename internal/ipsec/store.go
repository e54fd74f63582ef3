package ipsec

import (
	"fmt"
	"sync"
)

// Store holds the two tunnel collections: the pending cache of half-built
// tunnels keyed by reqid, and the established table of completed tunnels
// keyed by (remote SPI, remote address).
//
// A single mutex serializes access to both collections so an interleaved
// add/delete can never observe a tunnel in one collection while it is being
// moved to the other. Critical sections cover map access only; callers do
// RPC and route work outside the lock. Removal from a map is the sole
// ownership-drop point for a tunnel.
type Store struct {
	mu          sync.Mutex
	pending     map[uint32]*Tunnel
	established map[TunnelKey]*Tunnel
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		pending:     make(map[uint32]*Tunnel),
		established: make(map[TunnelKey]*Tunnel),
	}
}

// PutPending caches a half-built tunnel under its reqid. Reqids are unique
// per SA negotiation, so an existing entry is simply replaced.
func (s *Store) PutPending(reqid uint32, t *Tunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[reqid] = t
}

// RemovePending removes and returns the pending tunnel for reqid.
func (s *Store) RemovePending(reqid uint32) (*Tunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[reqid]
	if ok {
		delete(s.pending, reqid)
	}
	return t, ok
}

// PutEstablished inserts a completed tunnel into the established table.
// A key collision is a protocol-level defect upstream and surfaces as an
// error; the existing entry is never overwritten.
func (s *Store) PutEstablished(t *Tunnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.Key()
	if _, exists := s.established[key]; exists {
		return fmt.Errorf("established tunnel spi %#08x addr %s: %w",
			key.RemoteSPI, key.RemoteAddr, ErrDuplicateTunnel)
	}

	s.established[key] = t
	return nil
}

// GetEstablished looks up a completed tunnel by key.
func (s *Store) GetEstablished(key TunnelKey) (*Tunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.established[key]
	return t, ok
}

// RemoveEstablished removes and returns the completed tunnel for key.
func (s *Store) RemoveEstablished(key TunnelKey) (*Tunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.established[key]
	if ok {
		delete(s.established, key)
	}
	return t, ok
}

// PendingLen returns the number of cached half-built tunnels.
func (s *Store) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// EstablishedLen returns the number of completed tunnels.
func (s *Store) EstablishedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.established)
}

// Flush drops every pending and established tunnel under a single lock
// acquisition and returns the counts removed. Used at shutdown.
func (s *Store) Flush() (pending, established int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending = len(s.pending)
	established = len(s.established)
	s.pending = make(map[uint32]*Tunnel)
	s.established = make(map[TunnelKey]*Tunnel)
	return pending, established
}
