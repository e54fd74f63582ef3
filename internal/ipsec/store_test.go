package ipsec_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/netgrove/vppbridge/internal/ipsec"
)

// TestStorePending verifies the pending cache put/remove cycle.
func TestStorePending(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	if _, ok := s.RemovePending(1); ok {
		t.Error("empty store returned a pending tunnel")
	}

	tn := &ipsec.Tunnel{IfName: "tun-0"}
	s.PutPending(1, tn)

	if got := s.PendingLen(); got != 1 {
		t.Errorf("pending len = %d, want 1", got)
	}

	got, ok := s.RemovePending(1)
	if !ok {
		t.Fatal("RemovePending(1) missed the cached tunnel")
	}
	if got != tn {
		t.Error("RemovePending returned a different tunnel")
	}

	// Removal drops ownership; a second remove must miss.
	if _, ok := s.RemovePending(1); ok {
		t.Error("tunnel still pending after removal")
	}
}

// TestStorePendingReplace verifies that re-caching under the same reqid
// replaces the entry rather than accumulating.
func TestStorePendingReplace(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	s.PutPending(7, &ipsec.Tunnel{IfName: "tun-0"})
	s.PutPending(7, &ipsec.Tunnel{IfName: "tun-1"})

	if got := s.PendingLen(); got != 1 {
		t.Fatalf("pending len = %d, want 1", got)
	}

	tn, ok := s.RemovePending(7)
	if !ok {
		t.Fatal("RemovePending(7) missed")
	}
	if tn.IfName != "tun-1" {
		t.Errorf("kept tunnel %q, want the later tun-1", tn.IfName)
	}
}

// TestStoreEstablished verifies the established table put/get/remove cycle
// keyed by (remote SPI, remote address).
func TestStoreEstablished(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	tn := &ipsec.Tunnel{
		IfName:     "tun-0",
		RemoteSPI:  0x1001,
		RemoteAddr: "198.51.100.7",
	}

	if err := s.PutEstablished(tn); err != nil {
		t.Fatalf("PutEstablished: unexpected error: %v", err)
	}
	if got := s.EstablishedLen(); got != 1 {
		t.Errorf("established len = %d, want 1", got)
	}

	got, ok := s.GetEstablished(tn.Key())
	if !ok || got != tn {
		t.Fatal("GetEstablished missed the inserted tunnel")
	}

	// Same SPI, different address is a distinct key.
	other := &ipsec.Tunnel{IfName: "tun-1", RemoteSPI: 0x1001, RemoteAddr: "203.0.113.9"}
	if err := s.PutEstablished(other); err != nil {
		t.Fatalf("PutEstablished distinct addr: unexpected error: %v", err)
	}

	removed, ok := s.RemoveEstablished(tn.Key())
	if !ok || removed != tn {
		t.Fatal("RemoveEstablished missed the inserted tunnel")
	}
	if _, ok := s.GetEstablished(tn.Key()); ok {
		t.Error("tunnel still established after removal")
	}
	if got := s.EstablishedLen(); got != 1 {
		t.Errorf("established len = %d after removal, want 1", got)
	}
}

// TestStoreEstablishedDuplicate verifies that a key collision surfaces as
// ErrDuplicateTunnel and never overwrites the existing entry.
func TestStoreEstablishedDuplicate(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	first := &ipsec.Tunnel{IfName: "tun-0", RemoteSPI: 0x1001, RemoteAddr: "198.51.100.7"}
	if err := s.PutEstablished(first); err != nil {
		t.Fatalf("PutEstablished: unexpected error: %v", err)
	}

	dup := &ipsec.Tunnel{IfName: "tun-1", RemoteSPI: 0x1001, RemoteAddr: "198.51.100.7"}
	err := s.PutEstablished(dup)
	if !errors.Is(err, ipsec.ErrDuplicateTunnel) {
		t.Fatalf("duplicate insert error = %v, want ErrDuplicateTunnel", err)
	}

	got, ok := s.GetEstablished(first.Key())
	if !ok || got != first {
		t.Error("duplicate insert disturbed the original entry")
	}
}

// TestStoreFlush verifies that Flush empties both collections and reports
// the dropped counts.
func TestStoreFlush(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	s.PutPending(1, &ipsec.Tunnel{IfName: "tun-0"})
	s.PutPending(2, &ipsec.Tunnel{IfName: "tun-1"})
	if err := s.PutEstablished(&ipsec.Tunnel{
		IfName: "tun-2", RemoteSPI: 0x1001, RemoteAddr: "198.51.100.7",
	}); err != nil {
		t.Fatalf("PutEstablished: unexpected error: %v", err)
	}

	pending, established := s.Flush()
	if pending != 2 || established != 1 {
		t.Errorf("Flush = (%d, %d), want (2, 1)", pending, established)
	}

	if s.PendingLen() != 0 || s.EstablishedLen() != 0 {
		t.Error("store not empty after Flush")
	}

	// Flushing an empty store is a no-op.
	pending, established = s.Flush()
	if pending != 0 || established != 0 {
		t.Errorf("second Flush = (%d, %d), want (0, 0)", pending, established)
	}
}

// TestStoreConcurrency exercises both collections from multiple goroutines
// to surface data races under -race.
func TestStoreConcurrency(t *testing.T) {
	t.Parallel()

	s := ipsec.NewStore()

	const numGoroutines = 8

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				reqid := uint32(idx*1000 + i)
				tn := &ipsec.Tunnel{
					IfName:     fmt.Sprintf("tun-%d-%d", idx, i),
					RemoteSPI:  reqid,
					RemoteAddr: "198.51.100.7",
				}

				s.PutPending(reqid, tn)
				if _, ok := s.RemovePending(reqid); !ok {
					t.Errorf("goroutine %d: lost pending tunnel %d", idx, reqid)
					return
				}

				if err := s.PutEstablished(tn); err != nil {
					t.Errorf("goroutine %d: establish %d: %v", idx, reqid, err)
					return
				}
				if _, ok := s.RemoveEstablished(tn.Key()); !ok {
					t.Errorf("goroutine %d: lost established tunnel %d", idx, reqid)
					return
				}
			}
		}(g)
	}

	wg.Wait()

	if s.PendingLen() != 0 || s.EstablishedLen() != 0 {
		t.Error("store not empty after concurrent churn")
	}
}
