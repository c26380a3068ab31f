package relay

import (
	"testing"
	"time"
)

func TestCircuitReservePromoteForwardClose(t *testing.T) {
	m := NewCircuitManager(DefaultCircuitConfig())

	id, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := m.Promote(id, "alice", "bob"); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	dst, err := m.Forward("alice", id, []byte("hello"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if dst != "bob" {
		t.Fatalf("Forward dst = %q, want bob", dst)
	}

	metrics := m.Metrics()
	if metrics.Circuits != 1 || metrics.Reservations != 0 || metrics.Peers != 2 {
		t.Fatalf("Metrics() = %+v, unexpected", metrics)
	}

	if err := m.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Forward("alice", id, []byte("more")); err == nil {
		t.Fatalf("expected Forward on closed circuit to fail")
	}
}

func TestPromoteRejectsMismatchedEndpoints(t *testing.T) {
	m := NewCircuitManager(DefaultCircuitConfig())
	id, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Promote(id, "alice", "carol"); err == nil {
		t.Fatalf("expected mismatch to be rejected")
	}
}

func TestMaxCircuitsPerPeerEnforcedAtReservationAndPromotion(t *testing.T) {
	cfg := DefaultCircuitConfig()
	cfg.MaxCircuitsPerPeer = 1
	m := NewCircuitManager(cfg)

	id1, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	if err := m.Promote(id1, "alice", "bob"); err != nil {
		t.Fatalf("Promote 1: %v", err)
	}

	// alice already has one active circuit; a second reservation for
	// alice must be rejected even before reaching Promote.
	if _, err := m.Reserve("alice", "carol"); err == nil {
		t.Fatalf("expected Reserve to reject peer over its circuit limit")
	}

	// A reservation taken before the limit was reached must still be
	// rejected at Promote time if the limit was hit in the meantime.
	m2 := NewCircuitManager(cfg)
	resA, err := m2.Reserve("dave", "erin")
	if err != nil {
		t.Fatalf("Reserve resA: %v", err)
	}
	resB, err := m2.Reserve("dave", "frank")
	if err != nil {
		t.Fatalf("Reserve resB: %v", err)
	}
	if err := m2.Promote(resA, "dave", "erin"); err != nil {
		t.Fatalf("Promote resA: %v", err)
	}
	if err := m2.Promote(resB, "dave", "frank"); err == nil {
		t.Fatalf("expected Promote to re-check the per-peer limit")
	}
}

func TestForwardDeniesOverByteCapAndClosesCircuit(t *testing.T) {
	cfg := DefaultCircuitConfig()
	cfg.MaxCircuitBytes = 10
	m := NewCircuitManager(cfg)

	id, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Promote(id, "alice", "bob"); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if _, err := m.Forward("alice", id, make([]byte, 11)); err == nil {
		t.Fatalf("expected over-cap forward to fail")
	}
	if _, err := m.Forward("alice", id, []byte("x")); err == nil {
		t.Fatalf("expected circuit to be closed after byte cap violation")
	}
}

func TestForwardRejectsNonParty(t *testing.T) {
	m := NewCircuitManager(DefaultCircuitConfig())
	id, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Promote(id, "alice", "bob"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := m.Forward("mallory", id, []byte("x")); err == nil {
		t.Fatalf("expected non-party forward to fail")
	}
}

func TestCleanupReservationsAndCircuits(t *testing.T) {
	cfg := DefaultCircuitConfig()
	cfg.ReservationDuration = 10 * time.Millisecond
	cfg.MaxCircuitDuration = 10 * time.Millisecond
	m := NewCircuitManager(cfg)

	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	if _, err := m.Reserve("alice", "bob"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	id2, err := m.Reserve("carol", "dave")
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}
	if err := m.Promote(id2, "carol", "dave"); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	fakeNow = fakeNow.Add(time.Second)
	m.CleanupReservations()
	m.CleanupCircuits()

	metrics := m.Metrics()
	if metrics.Reservations != 0 || metrics.Circuits != 0 || metrics.Peers != 0 {
		t.Fatalf("Metrics() after cleanup = %+v, want all zero", metrics)
	}
}

func TestDataChannelOpenAndClose(t *testing.T) {
	m := NewCircuitManager(DefaultCircuitConfig())
	id, err := m.Reserve("alice", "bob")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Promote(id, "alice", "bob"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := m.OpenDataChannel("alice", id, "control"); err != nil {
		t.Fatalf("OpenDataChannel: %v", err)
	}
	if err := m.CloseDataChannel(id, "control"); err != nil {
		t.Fatalf("CloseDataChannel: %v", err)
	}
}
