// Package setup implements the Setup Service (spec.md §4.5): PIN
// provisioning, WebAuthn registration, recovery-code issuance, and master
// key rotation/recovery. The source left the latter three unimplemented;
// spec.md §9 requires them as part of the core contract, so they are
// built here grounded on the same wrap/unwrap primitives pkg/unlock uses.
package setup

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keyhierarchy"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/models"
)

func pinRecordID(userID string) string    { return "mk_pin_" + userID }
func fidoMKRecordID(userID string) string { return "mk_fido_" + userID }
func dekRecordID(userID string) string    { return "dek_" + userID }
func recoveryRecordID(userID string) string { return "mk_recovery_" + userID }
func kmsRecordID(userID string) string      { return "mk_kms_" + userID }
func fido2RecordID(userID, credID string) string {
	return "fido2_" + userID + "_" + credID
}

// Service is the Setup Service, holding only a reference to the key
// store (spec.md §9: no process-wide singletons).
type Service struct {
	keys *keystore.Store
	kms  *cryptoprim.KMSBridge
}

// New constructs a Setup Service bound to a key store.
func New(keys *keystore.Store) *Service {
	return &Service{keys: keys}
}

// NewWithKMS constructs a Setup Service that additionally wraps every new
// user's MK under kms, the alternate operator-side unlock path spec.md §9
// describes: an external/embedded KMS stands in for a PIN/WebAuthn KEK at
// the outermost layer of the hierarchy.
func NewWithKMS(keys *keystore.Store, kms *cryptoprim.KMSBridge) *Service {
	return &Service{keys: keys, kms: kms}
}

// SetPIN provisions a brand-new user per spec.md §4.5 steps 1-4: fresh MK
// and DEK, DEK wrapped under MK, MK wrapped under a PIN-derived KEK.
func (s *Service) SetPIN(userID, pin string) error {
	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	if err != nil {
		return err
	}
	defer cryptoprim.Zeroize(mk)

	dek, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	if err != nil {
		return err
	}
	defer cryptoprim.Zeroize(dek)

	dekCipher, dekNonce, err := keyhierarchy.Wrap(dek, mk)
	if err != nil {
		return err
	}
	dekMeta, err := json.Marshal(models.DEKMeta{Version: 1})
	if err != nil {
		return err
	}
	if err := s.keys.Create(models.WrappedKeyRecord{
		ID:    dekRecordID(userID),
		Type:  models.KeyTypeDataEncryptionKey,
		Blob:  dekCipher,
		Nonce: hex.EncodeToString(dekNonce),
		Meta:  dekMeta,
	}); err != nil {
		return err
	}

	salt, err := cryptoprim.RandomBytes(cryptoprim.SaltSize)
	if err != nil {
		return err
	}
	kek := keyhierarchy.DeriveKEKFromPIN([]byte(pin), salt)
	defer cryptoprim.Zeroize(kek)

	mkCipher, mkNonce, err := keyhierarchy.Wrap(mk, kek)
	if err != nil {
		return err
	}
	pinMeta, err := json.Marshal(models.PinMeta{Salt: hex.EncodeToString(salt)})
	if err != nil {
		return err
	}
	if err := s.keys.Create(models.WrappedKeyRecord{
		ID:    pinRecordID(userID),
		Type:  models.KeyTypeMasterKeyPin,
		Blob:  mkCipher,
		Nonce: hex.EncodeToString(mkNonce),
		Meta:  pinMeta,
	}); err != nil {
		return err
	}

	if s.kms != nil {
		if err := s.WrapMasterKeyViaKMS(userID, mk); err != nil {
			return err
		}
	}
	return nil
}

// WrapMasterKeyViaKMS seals mk under the Setup Service's configured KMS
// bridge and persists it as a master_key_kms record, the alternate unlock
// path pkg/unlock.Service.UnlockWithKMS reads. Safe to call again to
// rewrap after RotateMasterKey; it overwrites any existing record.
func (s *Service) WrapMasterKeyViaKMS(userID string, mk []byte) error {
	if s.kms == nil {
		return fmt.Errorf("setup: wrap_master_key_via_kms: no KMS bridge configured")
	}
	blob, err := s.kms.Wrap(context.Background(), mk)
	if err != nil {
		return err
	}
	blobBytes, err := cryptoprim.MarshalBlob(blob)
	if err != nil {
		return err
	}

	rec := models.WrappedKeyRecord{ID: kmsRecordID(userID), Type: models.KeyTypeMasterKeyKMS, Blob: blobBytes}
	if _, err := s.keys.FindByID(rec.ID); err == nil {
		return s.keys.Update(rec.ID, rec.Blob, rec.Nonce, rec.Meta)
	} else if err != coreerrors.ErrNotFound {
		return err
	}
	return s.keys.Create(rec)
}

// RegisterWebAuthn implements spec.md §4.5: registers an authenticator's
// credential, then wraps the user's existing MK under a fresh
// WebAuthn-derived KEK. The caller supplies mk, since WebAuthn
// registration only ever adds a second unlock path onto an
// already-provisioned user.
func (s *Service) RegisterWebAuthn(userID string, mk []byte, credentialIDB64, publicKeyB64 string, clientDataJSON []byte, signatureB64 string) error {
	salt, err := cryptoprim.RandomBytes(cryptoprim.SaltSize)
	if err != nil {
		return err
	}

	credMeta, err := json.Marshal(models.Fido2Meta{
		CredentialID:        credentialIDB64,
		CredentialPublicKey: publicKeyB64,
		Counter:             0,
		Salt:                hex.EncodeToString(salt),
	})
	if err != nil {
		return err
	}
	if err := s.keys.Create(models.WrappedKeyRecord{
		ID:   fido2RecordID(userID, credentialIDB64),
		Type: models.KeyTypeFido2Credential,
		Meta: credMeta,
	}); err != nil {
		return err
	}

	kek, err := keyhierarchy.DeriveKEKFromWebAuthn(clientDataJSON, credentialIDB64, signatureB64, salt)
	if err != nil {
		return err
	}
	defer cryptoprim.Zeroize(kek)

	mkCipher, mkNonce, err := keyhierarchy.Wrap(mk, kek)
	if err != nil {
		return err
	}
	return s.keys.Create(models.WrappedKeyRecord{
		ID:    fidoMKRecordID(userID),
		Type:  models.KeyTypeMasterKeyFido,
		Blob:  mkCipher,
		Nonce: hex.EncodeToString(mkNonce),
	})
}

// recoveryCodeLen is the random byte length of a recovery code (spec.md §4.5).
const recoveryCodeLen = 32

// RecoveryMeta is the meta schema for a KeyTypeRecovery record.
type RecoveryMeta struct {
	Salt string `json:"salt"` // hex16
}

// GenerateRecoveryCode implements spec.md §4.5: 32 random bytes encoded to
// a human-readable grouped base32 code, with MK wrapped under a KEK
// derived from the code via HKDF. Returns the code; it is shown to the
// user exactly once and never persisted in plaintext.
func (s *Service) GenerateRecoveryCode(userID string, mk []byte) (string, error) {
	raw, err := cryptoprim.RandomBytes(recoveryCodeLen)
	if err != nil {
		return "", err
	}
	code := formatRecoveryCode(raw)

	salt, err := cryptoprim.RandomBytes(cryptoprim.SaltSize)
	if err != nil {
		return "", err
	}
	kek, err := cryptoprim.HKDFSHA256(raw, salt, []byte("coldproxy/recovery-kek"), cryptoprim.KeySize)
	if err != nil {
		return "", err
	}
	defer cryptoprim.Zeroize(kek)

	mkCipher, mkNonce, err := keyhierarchy.Wrap(mk, kek)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(RecoveryMeta{Salt: hex.EncodeToString(salt)})
	if err != nil {
		return "", err
	}

	id := recoveryRecordID(userID)
	rec := models.WrappedKeyRecord{ID: id, Type: models.KeyTypeRecovery, Blob: mkCipher, Nonce: hex.EncodeToString(mkNonce), Meta: meta}
	if _, err := s.keys.FindByID(id); err == nil {
		if err := s.keys.Update(id, rec.Blob, rec.Nonce, rec.Meta); err != nil {
			return "", err
		}
	} else if err == coreerrors.ErrNotFound {
		if err := s.keys.Create(rec); err != nil {
			return "", err
		}
	} else {
		return "", err
	}

	return code, nil
}

// formatRecoveryCode renders raw as groups of 5 base32 characters
// separated by hyphens, e.g. "ABCDE-FGHIJ-...".
func formatRecoveryCode(raw []byte) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	enc = strings.ToUpper(enc)
	var sb strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + 5
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

// parseRecoveryCode reverses formatRecoveryCode.
func parseRecoveryCode(code string) ([]byte, error) {
	stripped := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(code)), "-", "")
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(stripped)
	if err != nil {
		return nil, fmt.Errorf("setup: parse_recovery_code: %w", err)
	}
	return raw, nil
}

// RecoverMasterKey implements spec.md §4.5: unwraps MK via the recovery
// record. The caller MUST force re-provisioning of PIN/WebAuthn wrappers
// afterward (e.g. by calling SetPIN and RegisterWebAuthn again) since a
// used recovery code does not itself refresh them.
func (s *Service) RecoverMasterKey(userID, recoveryCode string) ([]byte, error) {
	raw, err := parseRecoveryCode(recoveryCode)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zeroize(raw)

	record, err := s.keys.FindByID(recoveryRecordID(userID))
	if err != nil {
		return nil, err
	}
	var meta RecoveryMeta
	if err := json.Unmarshal(record.Meta, &meta); err != nil {
		return nil, fmt.Errorf("setup: recover_master_key: parse meta: %w", err)
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("setup: recover_master_key: decode salt: %w", err)
	}
	kek, err := cryptoprim.HKDFSHA256(raw, salt, []byte("coldproxy/recovery-kek"), cryptoprim.KeySize)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zeroize(kek)

	nonce, err := hex.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("setup: recover_master_key: decode nonce: %w", err)
	}
	return keyhierarchy.Unwrap(record.Blob, nonce, kek)
}

// RotateMasterKey implements spec.md §4.5: generates a new MK, atomically
// re-wraps the user's dek_<userID> record (the only DEK this user's MK
// wraps) and the PIN-KEK and WebAuthn-KEK wrappers of MK, zeroizes the
// previous MK, and increments the version in the DEK's meta.
func (s *Service) RotateMasterKey(userID string, oldMK, pinKEK, fidoKEK []byte) (newMK []byte, err error) {
	newMK, err = cryptoprim.RandomBytes(cryptoprim.KeySize)
	if err != nil {
		return nil, err
	}

	var updates []keystore.BatchUpdate

	dekRecord, err := s.keys.FindByID(dekRecordID(userID))
	if err != nil {
		return nil, err
	}
	oldDEKNonce, err := hex.DecodeString(dekRecord.Nonce)
	if err != nil {
		return nil, fmt.Errorf("setup: rotate_master_key: decode dek nonce: %w", err)
	}
	dek, err := keyhierarchy.Unwrap(dekRecord.Blob, oldDEKNonce, oldMK)
	if err != nil {
		return nil, err
	}
	var dekMeta models.DEKMeta
	if uerr := json.Unmarshal(dekRecord.Meta, &dekMeta); uerr != nil {
		cryptoprim.Zeroize(dek)
		return nil, fmt.Errorf("setup: rotate_master_key: parse dek meta: %w", uerr)
	}
	dekMeta.Version++
	newDEKCipher, newDEKNonce, err := keyhierarchy.Wrap(dek, newMK)
	cryptoprim.Zeroize(dek)
	if err != nil {
		return nil, err
	}
	newDEKMetaJSON, err := json.Marshal(dekMeta)
	if err != nil {
		return nil, err
	}
	updates = append(updates, keystore.BatchUpdate{
		ID: dekRecord.ID, Blob: newDEKCipher, Nonce: hex.EncodeToString(newDEKNonce), Meta: newDEKMetaJSON,
	})

	if pinKEK != nil {
		pinRecord, perr := s.keys.FindByID(pinRecordID(userID))
		if perr != nil {
			return nil, perr
		}
		newCipher, newNonce, werr := keyhierarchy.Wrap(newMK, pinKEK)
		if werr != nil {
			return nil, werr
		}
		updates = append(updates, keystore.BatchUpdate{ID: pinRecord.ID, Blob: newCipher, Nonce: hex.EncodeToString(newNonce)})
	}
	if fidoKEK != nil {
		fidoRecord, ferr := s.keys.FindByID(fidoMKRecordID(userID))
		if ferr != nil && ferr != coreerrors.ErrNotFound {
			return nil, ferr
		}
		if ferr == nil {
			newCipher, newNonce, werr := keyhierarchy.Wrap(newMK, fidoKEK)
			if werr != nil {
				return nil, werr
			}
			updates = append(updates, keystore.BatchUpdate{ID: fidoRecord.ID, Blob: newCipher, Nonce: hex.EncodeToString(newNonce)})
		}
	}
	if s.kms != nil {
		kmsRecord, kerr := s.keys.FindByID(kmsRecordID(userID))
		if kerr != nil && kerr != coreerrors.ErrNotFound {
			return nil, kerr
		}
		if kerr == nil {
			blob, werr := s.kms.Wrap(context.Background(), newMK)
			if werr != nil {
				return nil, werr
			}
			blobBytes, merr := cryptoprim.MarshalBlob(blob)
			if merr != nil {
				return nil, merr
			}
			updates = append(updates, keystore.BatchUpdate{ID: kmsRecord.ID, Blob: blobBytes})
		}
	}

	if err := s.keys.ApplyBatch(updates); err != nil {
		return nil, err
	}

	cryptoprim.Zeroize(oldMK)
	return newMK, nil
}
