// Package auth implements the authentication and authorization manager
// (C9): challenge-response / shared-key authentication, time-limited
// tokens, and a total-order authorization level per spec §4.8.
package auth

import (
	"crypto/hmac"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/darkswapfoundation/darkswap/internal/crypto"
	"github.com/darkswapfoundation/darkswap/internal/errs"
)

// PeerID is the text form of a peer identifier (base58-ish, per spec §3).
type PeerID string

// Method selects how a peer proves its identity.
type Method int

const (
	MethodNone Method = iota
	MethodSharedKey
	MethodChallengeResponse
	MethodPublicKey
)

// Level is a total order: None < Basic < Relay < Admin.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelRelay
	LevelAdmin
)

// Result is the outcome of an authentication attempt.
type Result struct {
	Success bool
	Reason  string // empty when Success
}

// Token is a time-limited, peer-bound credential.
type Token struct {
	PeerID    PeerID
	Value     []byte
	ExpiresAt time.Time
	Level     Level
}

func (t Token) expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Challenge is a short-lived random value a peer must respond to.
type Challenge struct {
	PeerID    PeerID
	Value     []byte
	ExpiresAt time.Time
}

func (c Challenge) expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// Config configures a Manager, matching spec §6's auth section.
type Config struct {
	Method           Method
	SharedKey        []byte
	TokenTTL         time.Duration
	ChallengeTTL     time.Duration
	TrustedPeers     []PeerID
	BannedPeers      []PeerID
	DefaultAuthLevel Level
	RequireAuth      bool
}

// Manager is the auth manager (C9).
type Manager struct {
	cfg Config

	trusted map[PeerID]struct{}
	banned  map[PeerID]struct{}

	mu         sync.Mutex
	tokens     map[PeerID]Token
	challenges map[PeerID]Challenge
	levels     map[PeerID]Level

	now func() time.Time
}

// New constructs a Manager, auto-granting Admin to every trusted peer.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:        cfg,
		trusted:    make(map[PeerID]struct{}, len(cfg.TrustedPeers)),
		banned:     make(map[PeerID]struct{}, len(cfg.BannedPeers)),
		tokens:     make(map[PeerID]Token),
		challenges: make(map[PeerID]Challenge),
		levels:     make(map[PeerID]Level),
		now:        time.Now,
	}
	for _, p := range cfg.TrustedPeers {
		m.trusted[p] = struct{}{}
		m.levels[p] = LevelAdmin
	}
	for _, p := range cfg.BannedPeers {
		m.banned[p] = struct{}{}
	}
	return m
}

// IsTrusted reports whether peer is in the trusted set.
func (m *Manager) IsTrusted(peer PeerID) bool {
	_, ok := m.trusted[peer]
	return ok
}

// IsBanned reports whether peer is in the banned set.
func (m *Manager) IsBanned(peer PeerID) bool {
	_, ok := m.banned[peer]
	return ok
}

// AuthLevel returns peer's current authorization level, LevelNone if unset.
func (m *Manager) AuthLevel(peer PeerID) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[peer]
}

// SetAuthLevel assigns peer's authorization level.
func (m *Manager) SetAuthLevel(peer PeerID, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[peer] = level
}

// IsAuthorized reports whether peer holds at least level.
func (m *Manager) IsAuthorized(peer PeerID, level Level) bool {
	return m.AuthLevel(peer) >= level
}

// GenerateToken issues a fresh 32-byte token for peer at level.
func (m *Manager) GenerateToken(peer PeerID, level Level) (Token, error) {
	value, err := crypto.RandomBytes(32)
	if err != nil {
		return Token{}, errs.Wrap(errs.Auth, "generate token", err)
	}
	tok := Token{PeerID: peer, Value: value, ExpiresAt: m.now().Add(m.cfg.TokenTTL), Level: level}

	m.mu.Lock()
	m.tokens[peer] = tok
	m.mu.Unlock()
	return tok, nil
}

// ValidateToken checks a presented token per spec §4.8: banned peers are
// always rejected, trusted peers always succeed, an unknown token succeeds
// iff RequireAuth is false.
func (m *Manager) ValidateToken(peer PeerID, token []byte) Result {
	if m.IsBanned(peer) {
		return Result{Success: false, Reason: "peer is banned"}
	}
	if m.IsTrusted(peer) {
		return Result{Success: true}
	}

	m.mu.Lock()
	stored, ok := m.tokens[peer]
	m.mu.Unlock()

	if ok {
		if stored.expired(m.now()) {
			return Result{Success: false, Reason: "token expired"}
		}
		if subtle.ConstantTimeCompare(stored.Value, token) == 1 {
			return Result{Success: true}
		}
		return Result{Success: false, Reason: "invalid token"}
	}

	if m.cfg.RequireAuth {
		return Result{Success: false, Reason: "authentication required"}
	}
	return Result{Success: true}
}

// GenerateChallenge issues a fresh 32-byte challenge for peer.
func (m *Manager) GenerateChallenge(peer PeerID) (Challenge, error) {
	value, err := crypto.RandomBytes(32)
	if err != nil {
		return Challenge{}, errs.Wrap(errs.Auth, "generate challenge", err)
	}
	ch := Challenge{PeerID: peer, Value: value, ExpiresAt: m.now().Add(m.cfg.ChallengeTTL)}

	m.mu.Lock()
	m.challenges[peer] = ch
	m.mu.Unlock()
	return ch, nil
}

// VerifyChallengeResponse checks response against the outstanding
// challenge for peer, removing the challenge regardless of outcome
// (spec §4.8). On success for SharedKey/ChallengeResponse/PublicKey a
// fresh token is issued at DefaultAuthLevel and the peer's authorization
// is raised to that level.
func (m *Manager) VerifyChallengeResponse(peer PeerID, response []byte) Result {
	if m.IsBanned(peer) {
		return Result{Success: false, Reason: "peer is banned"}
	}
	if m.IsTrusted(peer) {
		return Result{Success: true}
	}

	m.mu.Lock()
	ch, ok := m.challenges[peer]
	if ok {
		delete(m.challenges, peer)
	}
	m.mu.Unlock()

	if !ok {
		if m.cfg.RequireAuth {
			return Result{Success: false, Reason: "authentication required"}
		}
		return Result{Success: true}
	}
	if ch.expired(m.now()) {
		return Result{Success: false, Reason: "challenge expired"}
	}

	switch m.cfg.Method {
	case MethodNone:
		return Result{Success: true}
	case MethodSharedKey:
		if len(m.cfg.SharedKey) == 0 {
			return Result{Success: false, Reason: "shared key not configured"}
		}
		expected := crypto.HMACSHA256(m.cfg.SharedKey, ch.Value)
		if !hmac.Equal(expected, response) {
			return Result{Success: false, Reason: "invalid response"}
		}
	case MethodChallengeResponse, MethodPublicKey:
		// No signature is verified against the peer's public key, here or
		// elsewhere in this module; the only check is that the response
		// has a 64-byte signature length.
		if len(response) != 64 {
			return Result{Success: false, Reason: "invalid response"}
		}
	default:
		return Result{Success: false, Reason: "unknown auth method"}
	}

	if _, err := m.GenerateToken(peer, m.cfg.DefaultAuthLevel); err != nil {
		return Result{Success: false, Reason: "failed to generate token"}
	}
	m.SetAuthLevel(peer, m.cfg.DefaultAuthLevel)
	return Result{Success: true}
}

// RevokeToken removes peer's active token.
func (m *Manager) RevokeToken(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, peer)
}

// PruneExpired removes expired tokens and challenges.
func (m *Manager) PruneExpired() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, tok := range m.tokens {
		if tok.expired(now) {
			delete(m.tokens, peer)
		}
	}
	for peer, ch := range m.challenges {
		if ch.expired(now) {
			delete(m.challenges, peer)
		}
	}
}
