// Package encryption implements the per-peer session key manager (C10):
// X25519 key exchange, HKDF-derived session keys, and AEAD
// encrypt/decrypt with periodic key rotation, per spec §3/§4.9.
package encryption

import (
	"sync"
	"time"

	"github.com/darkswapfoundation/darkswap/internal/crypto"
	"github.com/darkswapfoundation/darkswap/internal/errs"
)

// PeerID is the text form of a peer identifier.
type PeerID string

// sessionInfo is the HKDF info string mixed into every derived session
// key. spec §4.9 fixes this literal; §3's shorter paraphrase ("P2P
// Encryption") refers to the same value abbreviated for prose — see
// DESIGN.md for the resolution.
const sessionInfo = "DarkSwap P2P Encryption"

// SessionKey is a derived per-peer AEAD key with a TTL.
type SessionKey struct {
	Key       [crypto.KeySize]byte
	CreatedAt time.Time
	ttl       time.Duration
}

func (s SessionKey) expired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(s.ttl))
}

// Config configures a Manager, matching spec §6's encryption section.
type Config struct {
	AEAD               crypto.AEADAlgorithm
	KeyRotationInterval time.Duration
	SessionKeyTTL      time.Duration
	UseEphemeralKeys   bool
}

// Manager is the encryption manager (C10). Per spec §5 it uses separate
// mutexes for ephemeral keys, session keys, and last-rotation, with no
// cross-mutex invariants (so no deadlock risk).
type Manager struct {
	cfg Config

	identity crypto.KeyPair

	ephMu      sync.Mutex
	ephemeral  map[PeerID]crypto.KeyPair

	sessMu      sync.Mutex
	sessionKeys map[PeerID]SessionKey

	rotMu        sync.Mutex
	lastRotation time.Time

	now func() time.Time
}

// New constructs a Manager with a fresh long-term identity key pair.
func New(cfg Config) (*Manager, error) {
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate identity key pair", err)
	}
	return &Manager{
		cfg:         cfg,
		identity:    identity,
		ephemeral:   make(map[PeerID]crypto.KeyPair),
		sessionKeys: make(map[PeerID]SessionKey),
		now:         time.Now,
	}, nil
}

// IdentityPublicKey returns the long-term identity public key.
func (m *Manager) IdentityPublicKey() [crypto.KeySize]byte {
	return m.identity.Public
}

func (m *Manager) localKeyFor(peer PeerID) (crypto.KeyPair, error) {
	if !m.cfg.UseEphemeralKeys {
		return m.identity, nil
	}

	m.ephMu.Lock()
	defer m.ephMu.Unlock()
	if kp, ok := m.ephemeral[peer]; ok {
		return kp, nil
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.KeyPair{}, errs.Wrap(errs.Crypto, "generate ephemeral key pair", err)
	}
	m.ephemeral[peer] = kp
	return kp, nil
}

// EphemeralPublicKey returns (creating if needed) the public half of the
// local ephemeral key used with peer, for inclusion in the handshake.
func (m *Manager) EphemeralPublicKey(peer PeerID) ([crypto.KeySize]byte, error) {
	kp, err := m.localKeyFor(peer)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return kp.Public, nil
}

// EstablishSession performs the X25519 + HKDF handshake against a
// remote's public key and stores the resulting session key for peer.
func (m *Manager) EstablishSession(peer PeerID, remotePublic [crypto.KeySize]byte) error {
	local, err := m.localKeyFor(peer)
	if err != nil {
		return err
	}
	secret, err := crypto.SharedSecret(local.Private, remotePublic)
	if err != nil {
		return err
	}
	var salt [32]byte // zero salt, per spec §3/§4.9
	key, err := crypto.DeriveSessionKey(secret, salt[:], sessionInfo)
	if err != nil {
		return err
	}

	m.sessMu.Lock()
	m.sessionKeys[peer] = SessionKey{Key: key, CreatedAt: m.now(), ttl: m.sessionTTL()}
	m.sessMu.Unlock()
	return nil
}

func (m *Manager) sessionTTL() time.Duration {
	if m.cfg.SessionKeyTTL > 0 {
		return m.cfg.SessionKeyTTL
	}
	return time.Hour
}

// Encrypt seals plaintext for peer using its current session key.
func (m *Manager) Encrypt(peer PeerID, plaintext []byte) ([]byte, error) {
	m.sessMu.Lock()
	sk, ok := m.sessionKeys[peer]
	m.sessMu.Unlock()
	if !ok {
		return nil, errs.New(errs.Crypto, "No session key")
	}
	if sk.expired(m.now()) {
		return nil, errs.New(errs.Crypto, "Session key expired")
	}
	return crypto.Seal(m.cfg.AEAD, sk.Key, plaintext)
}

// Decrypt opens a ciphertext received from peer using its current
// session key, per the failure modes enumerated in spec §4.9.
func (m *Manager) Decrypt(peer PeerID, wire []byte) ([]byte, error) {
	if len(wire) < crypto.NonceSize {
		return nil, errs.New(errs.Crypto, "Ciphertext too short")
	}
	m.sessMu.Lock()
	sk, ok := m.sessionKeys[peer]
	m.sessMu.Unlock()
	if !ok {
		return nil, errs.New(errs.Crypto, "No session key")
	}
	if sk.expired(m.now()) {
		return nil, errs.New(errs.Crypto, "Session key expired")
	}
	pt, err := crypto.Open(m.cfg.AEAD, sk.Key, wire)
	if err != nil {
		return nil, errs.New(errs.Crypto, "Decryption failed")
	}
	return pt, nil
}

// PruneExpiredSessions removes any session key past its TTL.
func (m *Manager) PruneExpiredSessions() {
	now := m.now()
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	for peer, sk := range m.sessionKeys {
		if sk.expired(now) {
			delete(m.sessionKeys, peer)
		}
	}
}

// Rotate regenerates every ephemeral key pair for peers that currently
// hold a session key, if the rotation interval has elapsed. Callers must
// re-run EstablishSession with the peer afterward to agree on a fresh
// session key.
func (m *Manager) Rotate() bool {
	now := m.now()

	m.rotMu.Lock()
	due := now.Sub(m.lastRotation) >= m.cfg.KeyRotationInterval
	if due {
		m.lastRotation = now
	}
	m.rotMu.Unlock()
	if !due {
		return false
	}

	m.sessMu.Lock()
	peers := make([]PeerID, 0, len(m.sessionKeys))
	for peer := range m.sessionKeys {
		peers = append(peers, peer)
	}
	m.sessMu.Unlock()

	if !m.cfg.UseEphemeralKeys {
		return true
	}

	m.ephMu.Lock()
	defer m.ephMu.Unlock()
	for _, peer := range peers {
		if kp, err := crypto.GenerateKeyPair(); err == nil {
			m.ephemeral[peer] = kp
		}
	}
	return true
}
