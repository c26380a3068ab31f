package crypto

import "testing"

func TestSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair b: %v", err)
	}

	secretAB, err := SharedSecret(a.Private, b.Public)
	if err != nil {
		t.Fatalf("SharedSecret(a,b): %v", err)
	}
	secretBA, err := SharedSecret(b.Private, a.Public)
	if err != nil {
		t.Fatalf("SharedSecret(b,a): %v", err)
	}
	if secretAB != secretBA {
		t.Fatalf("ECDH shared secrets diverge")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	for _, alg := range []AEADAlgorithm{AESGCM256, ChaCha20Poly1305} {
		plaintext := []byte("hello darkswap")
		ct, err := Seal(alg, key, plaintext)
		if err != nil {
			t.Fatalf("Seal(%v): %v", alg, err)
		}
		pt, err := Open(alg, key, ct)
		if err != nil {
			t.Fatalf("Open(%v): %v", alg, err)
		}
		if string(pt) != string(plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
		}
	}
}

func TestOpenTooShort(t *testing.T) {
	var key [KeySize]byte
	_, err := Open(AESGCM256, key, []byte("short"))
	if err == nil {
		t.Fatalf("expected error for short ciphertext")
	}
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	var secret [KeySize]byte
	copy(secret[:], []byte("shared-secret-bytes-000000000000"))
	salt := make([]byte, 32)

	k1, err := DeriveSessionKey(secret, salt, "DarkSwap P2P Encryption")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	k2, err := DeriveSessionKey(secret, salt, "DarkSwap P2P Encryption")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic derivation")
	}
	k3, _ := DeriveSessionKey(secret, salt, "other info")
	if k1 == k3 {
		t.Fatalf("different info should change output")
	}
}
