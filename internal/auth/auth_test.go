package auth

import (
	"testing"
	"time"

	"github.com/darkswapfoundation/darkswap/internal/crypto"
)

func baseConfig() Config {
	return Config{
		Method:           MethodSharedKey,
		SharedKey:        []byte{1, 2, 3, 4},
		TokenTTL:         time.Hour,
		ChallengeTTL:     time.Minute,
		DefaultAuthLevel: LevelBasic,
	}
}

func TestTrustedPeerGetsAdminAndBypassesChecks(t *testing.T) {
	peer := PeerID("trusted-peer")
	cfg := baseConfig()
	cfg.TrustedPeers = []PeerID{peer}
	m := New(cfg)

	if !m.IsTrusted(peer) {
		t.Fatalf("expected peer to be trusted")
	}
	if !m.IsAuthorized(peer, LevelAdmin) {
		t.Fatalf("expected trusted peer to be Admin-authorized")
	}
}

func TestBannedPeerRejectsEverything(t *testing.T) {
	peer := PeerID("banned-peer")
	cfg := baseConfig()
	cfg.BannedPeers = []PeerID{peer}
	m := New(cfg)

	result := m.ValidateToken(peer, []byte{1, 2, 3, 4})
	if result.Success {
		t.Fatalf("expected banned peer to be rejected")
	}
}

func TestTokenValidation(t *testing.T) {
	peer := PeerID("peer-1")
	m := New(baseConfig())

	tok, err := m.GenerateToken(peer, LevelBasic)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if result := m.ValidateToken(peer, tok.Value); !result.Success {
		t.Fatalf("expected valid token to succeed: %+v", result)
	}
	if result := m.ValidateToken(peer, []byte{9, 9, 9, 9}); result.Success {
		t.Fatalf("expected mismatched token to fail")
	}
}

func TestChallengeResponseSharedKey(t *testing.T) {
	peer := PeerID("peer-2")
	cfg := baseConfig()
	m := New(cfg)

	challenge, err := m.GenerateChallenge(peer)
	if err != nil {
		t.Fatalf("GenerateChallenge: %v", err)
	}
	response := crypto.HMACSHA256(cfg.SharedKey, challenge.Value)

	result := m.VerifyChallengeResponse(peer, response)
	if !result.Success {
		t.Fatalf("expected valid response to succeed: %+v", result)
	}
	if m.AuthLevel(peer) != LevelBasic {
		t.Fatalf("expected peer to be raised to DefaultAuthLevel")
	}
}

func TestChallengeResponseRemovedRegardlessOfOutcome(t *testing.T) {
	peer := PeerID("peer-3")
	m := New(baseConfig())

	if _, err := m.GenerateChallenge(peer); err != nil {
		t.Fatalf("GenerateChallenge: %v", err)
	}
	_ = m.VerifyChallengeResponse(peer, []byte("wrong"))

	m.mu.Lock()
	_, stillPresent := m.challenges[peer]
	m.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected challenge to be removed after verification attempt")
	}
}

func TestValidateTokenWithoutRequireAuthSucceeds(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireAuth = false
	m := New(cfg)

	if result := m.ValidateToken(PeerID("unknown"), nil); !result.Success {
		t.Fatalf("expected success when require_auth=false and no record")
	}
}

func TestValidateTokenWithRequireAuthFails(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireAuth = true
	m := New(cfg)

	if result := m.ValidateToken(PeerID("unknown"), nil); result.Success {
		t.Fatalf("expected failure when require_auth=true and no record")
	}
}
