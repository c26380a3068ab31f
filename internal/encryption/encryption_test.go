package encryption

import (
	"testing"
	"time"

	"github.com/darkswapfoundation/darkswap/internal/crypto"
)

func newPairedManagers(t *testing.T, cfg Config) (*Manager, *Manager, PeerID, PeerID) {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	peerA, peerB := PeerID("peer-a"), PeerID("peer-b")

	pubA, err := a.EphemeralPublicKey(peerB)
	if err != nil {
		t.Fatalf("EphemeralPublicKey(a): %v", err)
	}
	pubB, err := b.EphemeralPublicKey(peerA)
	if err != nil {
		t.Fatalf("EphemeralPublicKey(b): %v", err)
	}
	if err := a.EstablishSession(peerB, pubB); err != nil {
		t.Fatalf("EstablishSession(a): %v", err)
	}
	if err := b.EstablishSession(peerA, pubA); err != nil {
		t.Fatalf("EstablishSession(b): %v", err)
	}
	return a, b, peerA, peerB
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cfg := Config{AEAD: crypto.AESGCM256, KeyRotationInterval: time.Hour, SessionKeyTTL: time.Hour, UseEphemeralKeys: true}
	a, b, peerA, peerB := newPairedManagers(t, cfg)

	ct, err := a.Encrypt(peerB, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(peerA, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("got %q, want hello", pt)
	}
}

func TestDecryptWithoutSessionKeyFails(t *testing.T) {
	m, err := New(Config{AEAD: crypto.AESGCM256, KeyRotationInterval: time.Hour, SessionKeyTTL: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Decrypt(PeerID("nobody"), make([]byte, 20)); err == nil {
		t.Fatalf("expected error for missing session key")
	}
}

// TestSessionKeyRotation implements scenario S5 from the specification.
func TestSessionKeyRotation(t *testing.T) {
	cfg := Config{AEAD: crypto.AESGCM256, KeyRotationInterval: 100 * time.Millisecond, SessionKeyTTL: 50 * time.Millisecond, UseEphemeralKeys: true}
	a, b, peerA, peerB := newPairedManagers(t, cfg)

	ct, err := a.Encrypt(peerB, []byte("before rotation"))
	if err != nil {
		t.Fatalf("Encrypt before rotation: %v", err)
	}
	if _, err := b.Decrypt(peerA, ct); err != nil {
		t.Fatalf("Decrypt before rotation: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	b.PruneExpiredSessions()
	if _, err := b.Decrypt(peerA, ct); err == nil {
		t.Fatalf("expected stale ciphertext to fail after session key expiry")
	}

	a.Rotate()
	b.Rotate()

	pubA, err := a.EphemeralPublicKey(peerB)
	if err != nil {
		t.Fatalf("EphemeralPublicKey(a) after rotation: %v", err)
	}
	pubB, err := b.EphemeralPublicKey(peerA)
	if err != nil {
		t.Fatalf("EphemeralPublicKey(b) after rotation: %v", err)
	}
	if err := a.EstablishSession(peerB, pubB); err != nil {
		t.Fatalf("EstablishSession(a) after rotation: %v", err)
	}
	if err := b.EstablishSession(peerA, pubA); err != nil {
		t.Fatalf("EstablishSession(b) after rotation: %v", err)
	}

	ct2, err := a.Encrypt(peerB, []byte("after rotation"))
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	pt2, err := b.Decrypt(peerA, ct2)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if string(pt2) != "after rotation" {
		t.Fatalf("got %q, want %q", pt2, "after rotation")
	}
}
