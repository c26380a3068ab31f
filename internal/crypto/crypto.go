// Package crypto provides the cryptographic primitives (C1) shared by the
// auth and encryption managers: X25519 key exchange, HKDF-SHA256 key
// derivation, AES-256-GCM / ChaCha20-Poly1305 AEAD, HMAC-SHA256, and secure
// random generation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/darkswapfoundation/darkswap/internal/errs"
)

const (
	// KeySize is the size in bytes of an X25519 key and a derived session key.
	KeySize = 32
	// NonceSize is the AEAD nonce size used on the wire (nonce‖ct‖tag).
	NonceSize = 12
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair using crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, errs.Wrap(errs.Crypto, "generate private key", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.Crypto, "derive public key", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 ECDH shared secret between a local
// private key and a remote public key.
func SharedSecret(privateKey, remotePublic [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	secret, err := curve25519.X25519(privateKey[:], remotePublic[:])
	if err != nil {
		return out, errs.Wrap(errs.Crypto, "compute shared secret", err)
	}
	copy(out[:], secret)
	return out, nil
}

// DeriveSessionKey runs HKDF-SHA256 over secret with the given salt and
// info string, producing a KeySize-byte session key.
func DeriveSessionKey(secret [KeySize]byte, salt []byte, info string) ([KeySize]byte, error) {
	var out [KeySize]byte
	reader := hkdf.New(sha256.New, secret[:], salt, []byte(info))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, errs.Wrap(errs.Crypto, "derive session key", err)
	}
	return out, nil
}

// AEADAlgorithm identifies which AEAD cipher a session key uses.
type AEADAlgorithm int

const (
	AESGCM256 AEADAlgorithm = iota
	ChaCha20Poly1305
)

func newAEAD(alg AEADAlgorithm, key [KeySize]byte) (cipher.AEAD, error) {
	switch alg {
	case AESGCM256:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, errs.Wrap(errs.Crypto, "new aes cipher", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	default:
		return nil, errs.InvalidArgumentf("unknown AEAD algorithm %d", alg)
	}
}

// Seal encrypts plaintext under key using alg, returning nonce‖ct‖tag with a
// fresh random nonce and empty AAD, per spec §4.9.
func Seal(alg AEADAlgorithm, key [KeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate nonce", err)
	}
	out := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, out...), nil
}

// Open decrypts a nonce‖ct‖tag blob produced by Seal.
func Open(alg AEADAlgorithm, key [KeySize]byte, wire []byte) ([]byte, error) {
	if len(wire) < NonceSize {
		return nil, errs.New(errs.Crypto, "Ciphertext too short")
	}
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	nonce, ct := wire[:NonceSize], wire[NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "Decryption failed", err)
	}
	return pt, nil
}

// HMACSHA256 computes HMAC-SHA256(key, message).
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errs.Wrap(errs.Crypto, fmt.Sprintf("generate %d random bytes", n), err)
	}
	return b, nil
}
