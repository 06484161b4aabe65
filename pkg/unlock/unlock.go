// Package unlock implements the Unlock Service (spec.md §4.4): PIN and
// WebAuthn unlock flows, failure accounting via pkg/ratelimit, an MK
// cache with FIFO eviction and idle TTL, and on-demand DEK materialization.
// Grounded on the teacher's kms/pkg/kms.LocalProvider for the cache/janitor
// shape and on pkg/auth for per-key serialization, generalized to the full
// PIN/WebAuthn state machine.
package unlock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keyhierarchy"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/models"
	"coldproxy/pkg/ratelimit"
)

func pinRecordID(userID string) string     { return "mk_pin_" + userID }
func fidoMKRecordID(userID string) string  { return "mk_fido_" + userID }
func dekRecordID(userID string) string     { return "dek_" + userID }
func kmsRecordID(userID string) string     { return "mk_kms_" + userID }
func fido2RecordID(userID, credID string) string {
	return "fido2_" + userID + "_" + credID
}

// Service is the Unlock Service. It owns the MK cache and the PIN lockout
// tracker; there is no process-wide singleton (spec.md §9) — callers
// construct one Service and pass it by reference.
type Service struct {
	keys    *keystore.Store
	lockout *ratelimit.PINLockout
	cache   *mkCache
	sf      singleflight.Group

	rpID     string
	rpOrigin string

	// kms is the optional alternate unlock path (spec.md §9): when set,
	// UnlockWithKMS can recover MK via an external/embedded KMS bridge
	// instead of a PIN or WebAuthn assertion.
	kms *cryptoprim.KMSBridge
}

// New constructs an Unlock Service bound to a key store. rpID/rpOrigin
// configure the WebAuthn relying party for assertion verification.
func New(keys *keystore.Store, lockout *ratelimit.PINLockout, rpID, rpOrigin string) *Service {
	return &Service{
		keys:     keys,
		lockout:  lockout,
		cache:    newMKCache(),
		rpID:     rpID,
		rpOrigin: rpOrigin,
	}
}

// NewWithKMS constructs an Unlock Service that also accepts UnlockWithKMS,
// the operator-side unlock path backed by kms.
func NewWithKMS(keys *keystore.Store, lockout *ratelimit.PINLockout, rpID, rpOrigin string, kms *cryptoprim.KMSBridge) *Service {
	s := New(keys, lockout, rpID, rpOrigin)
	s.kms = kms
	return s
}

// UnlockWithKMS implements the operator-side unlock path (spec.md §9): it
// unwraps userID's MK via the configured KMS bridge instead of a PIN or
// WebAuthn assertion, caching it on success exactly like the other unlock
// flows. Returns coreerrors.ErrNotFound if no master_key_kms record exists
// and a plain (false, nil) on any unwrap failure, collapsing to the same
// opaque result the PIN/WebAuthn paths use (spec.md §7).
func (s *Service) UnlockWithKMS(ctx context.Context, userID string) (bool, error) {
	if s.kms == nil {
		return false, fmt.Errorf("unlock: unlock_with_kms: no KMS bridge configured")
	}
	record, err := s.keys.FindByID(kmsRecordID(userID))
	if err != nil {
		return false, err
	}
	blob, err := cryptoprim.UnmarshalBlob(record.Blob)
	if err != nil {
		return false, err
	}
	mk, err := s.kms.Unwrap(ctx, blob)
	if err != nil {
		return false, nil
	}

	s.cache.Put(userID, mk)
	return true, nil
}

// UnlockWithPIN implements spec.md §4.4.1. Concurrent calls for the same
// user_id are serialized via singleflight so only one derivation/unwrap
// runs at a time; the rest observe the post-state.
func (s *Service) UnlockWithPIN(ctx context.Context, userID, pin string) (bool, error) {
	if s.lockout.Locked(userID) {
		return false, coreerrors.ErrAccountLocked
	}

	v, err, _ := s.sf.Do("pin:"+userID, func() (interface{}, error) {
		return s.unlockWithPINOnce(userID, pin)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Service) unlockWithPINOnce(userID, pin string) (bool, error) {
	record, err := s.keys.FindByID(pinRecordID(userID))
	if err == coreerrors.ErrNotFound {
		// Dummy Argon2id derivation over a throwaway salt to equalize
		// timing with the real path below (spec.md §4.4.1 step 2).
		dummySalt, derr := cryptoprim.RandomBytes(cryptoprim.SaltSize)
		if derr == nil {
			dummy := cryptoprim.Argon2ID([]byte(pin), dummySalt)
			cryptoprim.Zeroize(dummy)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta models.PinMeta
	if err := json.Unmarshal(record.Meta, &meta); err != nil {
		return false, fmt.Errorf("unlock: unlock_with_pin: parse meta: %w", err)
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return false, fmt.Errorf("unlock: unlock_with_pin: decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(record.Nonce)
	if err != nil {
		return false, fmt.Errorf("unlock: unlock_with_pin: decode nonce: %w", err)
	}

	kek := keyhierarchy.DeriveKEKFromPIN([]byte(pin), salt)
	defer cryptoprim.Zeroize(kek)

	mk, err := keyhierarchy.Unwrap(record.Blob, nonce, kek)
	if err != nil {
		s.lockout.RecordFailure(userID)
		return false, nil
	}

	s.cache.Put(userID, mk)
	s.lockout.Clear(userID)
	return true, nil
}

// GenerateWebAuthnChallenge implements spec.md §4.4.2: builds the list of
// allowed credential ids for userID and a fresh challenge, to be stored by
// the caller into the session as session.Challenge.
func (s *Service) GenerateWebAuthnChallenge(userID string) (challenge string, allowCredentialIDs []string, err error) {
	recs, err := s.keys.FindByType(models.KeyTypeFido2Credential)
	if err != nil {
		return "", nil, err
	}
	for _, r := range recs {
		prefix := "fido2_" + userID + "_"
		if len(r.ID) > len(prefix) && r.ID[:len(prefix)] == prefix {
			var meta models.Fido2Meta
			if jerr := json.Unmarshal(r.Meta, &meta); jerr == nil {
				allowCredentialIDs = append(allowCredentialIDs, meta.CredentialID)
			}
		}
	}

	raw, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(raw), allowCredentialIDs, nil
}

// WebAuthnAssertion is the caller-parsed subset of an authentication
// assertion response needed to derive the KEK and verify the signature.
type WebAuthnAssertion struct {
	CredentialID    string // base64url
	ClientDataJSON  []byte
	SignatureB64    string // base64url
	RawResponse     []byte // full assertion response JSON, for library verification
}

// UnlockWithWebAuthn implements spec.md §4.4.2 steps 1-6.
func (s *Service) UnlockWithWebAuthn(userID string, assertion WebAuthnAssertion, expectedChallenge string) (bool, error) {
	record, err := s.keys.FindByID(fido2RecordID(userID, assertion.CredentialID))
	if err == coreerrors.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta models.Fido2Meta
	if err := json.Unmarshal(record.Meta, &meta); err != nil {
		return false, fmt.Errorf("unlock: unlock_with_webauthn: parse meta: %w", err)
	}

	newCounter, err := verifyAssertion(
		s.rpID, s.rpOrigin, expectedChallenge, userID,
		meta.CredentialID, meta.CredentialPublicKey, meta.Counter,
		assertion.RawResponse,
	)
	if err != nil {
		return false, nil
	}
	if newCounter <= meta.Counter {
		// A non-increasing signature counter indicates a cloned
		// authenticator replaying a prior assertion. Per spec.md §7 this
		// MUST collapse to the same opaque (false, nil) every other
		// unlock-time verification failure returns, so the failure mode
		// is never distinguishable from the caller's side. This case is
		// also recorded as a failure in the user's PIN lockout tracker;
		// the other WebAuthn failure paths record nothing there.
		s.lockout.RecordFailure(userID)
		return false, nil
	}
	meta.Counter = newCounter
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("unlock: unlock_with_webauthn: encode meta: %w", err)
	}
	if err := s.keys.Update(record.ID, record.Blob, record.Nonce, metaJSON); err != nil {
		return false, err
	}

	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return false, fmt.Errorf("unlock: unlock_with_webauthn: decode salt: %w", err)
	}
	kek, err := keyhierarchy.DeriveKEKFromWebAuthn(assertion.ClientDataJSON, assertion.CredentialID, assertion.SignatureB64, salt)
	if err != nil {
		return false, err
	}
	defer cryptoprim.Zeroize(kek)

	mkRecord, err := s.keys.FindByID(fidoMKRecordID(userID))
	if err != nil {
		if err == coreerrors.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	mkNonce, err := hex.DecodeString(mkRecord.Nonce)
	if err != nil {
		return false, fmt.Errorf("unlock: unlock_with_webauthn: decode mk nonce: %w", err)
	}
	mk, err := keyhierarchy.Unwrap(mkRecord.Blob, mkNonce, kek)
	if err != nil {
		return false, nil
	}

	s.cache.Put(userID, mk)
	return true, nil
}

// GetDecryptedDEK implements spec.md §4.4.3: returns the DEK iff the MK is
// cached, unwrapping dek_<user_id> with the cached MK on every call. The
// DEK itself is never cached. Returns coreerrors.ErrLocked if the MK is
// absent; the caller must zeroize the returned DEK.
func (s *Service) GetDecryptedDEK(userID string) ([]byte, error) {
	mk, ok := s.cache.Get(userID)
	if !ok {
		return nil, coreerrors.ErrLocked
	}
	defer cryptoprim.Zeroize(mk)

	record, err := s.keys.FindByID(dekRecordID(userID))
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("unlock: get_decrypted_dek: decode nonce: %w", err)
	}
	return keyhierarchy.Unwrap(record.Blob, nonce, mk)
}

// Locked reports whether userID currently has no cached MK.
func (s *Service) Locked(userID string) bool {
	mk, ok := s.cache.Get(userID)
	if !ok {
		return true
	}
	cryptoprim.Zeroize(mk)
	return false
}

// Logout is the explicit invalidation operation spec.md §9 requires: it
// zeroizes and drops the user's cached MK. Callers must also delete the
// user's session record via pkg/session.
func (s *Service) Logout(userID string) {
	s.cache.Evict(userID)
}

// CacheStats reports the current MK cache population, for operational
// visibility (spec.md §9 design-notes supplement).
func (s *Service) CacheStats() (entries int) {
	return s.cache.Len()
}

// Shutdown zeroizes every cached MK. Call once during process shutdown.
func (s *Service) Shutdown() {
	s.cache.Shutdown()
}
