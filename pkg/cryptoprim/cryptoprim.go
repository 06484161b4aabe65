// Package cryptoprim is the thin adapter over audited crypto libraries that
// every key-handling package in the Confidential Storage Core builds on:
// AEAD seal/open (XChaCha20-Poly1305), random byte generation, Argon2id
// password hashing, HKDF-SHA256 key derivation, constant-time comparison,
// and best-effort key zeroization. It is grounded on the teacher's
// internal/crypto keychain: fixed, non-configurable parameters so a caller
// cannot accidentally weaken them.
package cryptoprim

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"coldproxy/pkg/coreerrors"
)

// KeySize is the length in bytes of every MK/DEK/KEK/IK in the hierarchy.
const KeySize = 32

// NonceSize is the XChaCha20-Poly1305 nonce length.
const NonceSize = chacha20poly1305.NonceSizeX

// SaltSize is the length of the Argon2id and webauthn-KEK salts.
const SaltSize = 16

// Argon2id parameters, fixed per the hierarchy's password-hashing contract.
// Implementations MUST NOT weaken these at call sites.
const (
	argon2Time    = 3
	argon2MemoryKiB = 128 * 1024 // 128 MiB
	argon2Threads = 1
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoprim: random_bytes: %w", err)
	}
	return b, nil
}

// AEADEncrypt seals plaintext under key (must be KeySize bytes) with the
// given 24-byte nonce and optional associated data. The nonce is
// caller-generated and MUST be unique per (key, message); this function
// does not generate or track nonces itself.
func AEADEncrypt(plaintext, nonce, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aead_encrypt: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("cryptoprim: aead_encrypt: bad nonce length %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADDecrypt opens ciphertext under key and nonce, verifying aad. Returns
// coreerrors.ErrDecryptFailed on any tag mismatch, wrong key, wrong nonce,
// or altered aad — the caller cannot distinguish which.
func AEADDecrypt(ciphertext, nonce, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aead_decrypt: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, coreerrors.ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, coreerrors.ErrDecryptFailed
	}
	return plaintext, nil
}

// Argon2ID derives a 32-byte key from password and a 16-byte salt using the
// hierarchy's fixed parameters (t=3, m=128MiB, p=1).
func Argon2ID(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argon2Time, argon2MemoryKiB, argon2Threads, KeySize)
}

// HKDFSHA256 derives outLen bytes from ikm using HMAC-SHA256-based HKDF
// with the given salt and info.
func HKDFSHA256(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptoprim: hkdf_sha256: %w", err)
	}
	return out, nil
}

// CTEq reports whether a and b are byte-equal, in constant time with
// respect to their contents (length is still observable, matching
// crypto/subtle.ConstantTimeCompare).
func CTEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize best-effort overwrites b with zero bytes. It must be called for
// any key leaving scope (MK, DEK, KEK, IK) on every exit path, including
// error paths and after cancellation.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
