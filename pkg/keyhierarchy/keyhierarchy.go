// Package keyhierarchy implements wrap/unwrap and the key-derivation
// functions that tie MK, DEK, KEK, and IK together (spec.md §4.3),
// grounded on the teacher's kms/pkg/kms.KMS (DEK wrap/unwrap around a
// Wrapper) generalized to the full PIN/WebAuthn/interaction hierarchy.
package keyhierarchy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"coldproxy/pkg/cryptoprim"
)

const (
	interactionKeyInfo = "coldproxy/v1"
	webauthnKEKInfo    = "ccflare-webauthn-kek"
)

// Wrap seals plaintextKey (KeySize bytes) under wrappingKey with a freshly
// generated nonce. No AAD: the enclosing WrappedKeyRecord carries type and
// version.
func Wrap(plaintextKey, wrappingKey []byte) (ciphertext, nonce []byte, err error) {
	nonce, err = cryptoprim.RandomBytes(cryptoprim.NonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("keyhierarchy: wrap: %w", err)
	}
	ct, err := cryptoprim.AEADEncrypt(plaintextKey, nonce, wrappingKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("keyhierarchy: wrap: %w", err)
	}
	return ct, nonce, nil
}

// Unwrap recovers the plaintext key, returning coreerrors.ErrDecryptFailed
// via cryptoprim.AEADDecrypt on any mismatch.
func Unwrap(ciphertext, nonce, wrappingKey []byte) ([]byte, error) {
	return cryptoprim.AEADDecrypt(ciphertext, nonce, wrappingKey, nil)
}

// DeriveInteractionKey computes IK = HKDF-SHA256(dek, keyNonce, "coldproxy/v1", 32).
// keyNonce is persisted on the interaction header so IK is reproducible
// given only the DEK.
func DeriveInteractionKey(dek, keyNonce []byte) ([]byte, error) {
	return cryptoprim.HKDFSHA256(dek, keyNonce, []byte(interactionKeyInfo), cryptoprim.KeySize)
}

// DeriveKEKFromPIN computes KEK = argon2id(pin, salt).
func DeriveKEKFromPIN(pin, salt []byte) []byte {
	return cryptoprim.Argon2ID(pin, salt)
}

// clientData is the subset of a WebAuthn clientDataJSON payload needed to
// extract the signed challenge.
type clientData struct {
	Challenge string `json:"challenge"`
}

// DeriveKEKFromWebAuthn computes the WebAuthn-backed KEK per spec.md §4.3:
// parse clientDataJSON for its base64url challenge, base64url-decode
// challenge/credentialID/signature, concatenate them in that order as
// IKM, then HKDF-SHA256 with the fixed "ccflare-webauthn-kek" info string.
// credentialIDB64 and signatureB64 are base64url (unpadded) as delivered
// by the WebAuthn assertion response.
func DeriveKEKFromWebAuthn(clientDataJSON []byte, credentialIDB64, signatureB64 string, salt []byte) ([]byte, error) {
	var cd clientData
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return nil, fmt.Errorf("keyhierarchy: derive_kek_from_webauthn: parse clientDataJSON: %w", err)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		return nil, fmt.Errorf("keyhierarchy: derive_kek_from_webauthn: decode challenge: %w", err)
	}
	credentialID, err := base64.RawURLEncoding.DecodeString(credentialIDB64)
	if err != nil {
		return nil, fmt.Errorf("keyhierarchy: derive_kek_from_webauthn: decode credentialID: %w", err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("keyhierarchy: derive_kek_from_webauthn: decode signature: %w", err)
	}

	ikm := make([]byte, 0, len(challenge)+len(credentialID)+len(signature))
	ikm = append(ikm, challenge...)
	ikm = append(ikm, credentialID...)
	ikm = append(ikm, signature...)

	return cryptoprim.HKDFSHA256(ikm, salt, []byte(webauthnKEKInfo), cryptoprim.KeySize)
}
