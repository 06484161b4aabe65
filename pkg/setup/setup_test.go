package setup

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keyhierarchy"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/models"
)

func openTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestKMSBridge(t *testing.T) *cryptoprim.KMSBridge {
	t.Helper()
	rootKey, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	bridge, err := cryptoprim.NewKMSBridge(context.Background(), "test-key", rootKey)
	require.NoError(t, err)
	return bridge
}

func TestSetPINCreatesDEKAndPINRecords(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)

	require.NoError(t, svc.SetPIN("user1", "1234"))

	_, err := keys.FindByID("dek_user1")
	require.NoError(t, err)
	_, err = keys.FindByID("mk_pin_user1")
	require.NoError(t, err)
}

func TestSetPINTwiceConflicts(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)

	require.NoError(t, svc.SetPIN("user1", "1234"))
	err := svc.SetPIN("user1", "5678")
	assert.ErrorIs(t, err, coreerrors.ErrConflict)
}

func TestRegisterWebAuthnWrapsExistingMK(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(mk)

	clientData, err := json.Marshal(map[string]string{
		"challenge": base64.RawURLEncoding.EncodeToString([]byte("challenge-bytes")),
		"type":      "webauthn.get",
	})
	require.NoError(t, err)

	credID := base64.RawURLEncoding.EncodeToString([]byte("cred-id-1"))
	err = svc.RegisterWebAuthn("user1", mk, credID, "pubkey-b64", clientData, "sig-b64")
	require.NoError(t, err)

	_, err = keys.FindByID("fido2_user1_" + credID)
	require.NoError(t, err)
	_, err = keys.FindByID("mk_fido_user1")
	require.NoError(t, err)
}

func TestGenerateAndRecoverRecoveryCode(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(mk)

	code, err := svc.GenerateRecoveryCode("user1", mk)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Contains(t, code, "-")

	recovered, err := svc.RecoverMasterKey("user1", code)
	require.NoError(t, err)
	assert.Equal(t, mk, recovered)
}

func TestRecoverMasterKeyWrongCodeFails(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(mk)

	_, err = svc.GenerateRecoveryCode("user1", mk)
	require.NoError(t, err)

	_, err = svc.RecoverMasterKey("user1", "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ")
	assert.Error(t, err)
}

func TestGenerateRecoveryCodeIsIdempotentOnReissue(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(mk)

	_, err = svc.GenerateRecoveryCode("user1", mk)
	require.NoError(t, err)

	code2, err := svc.GenerateRecoveryCode("user1", mk)
	require.NoError(t, err)

	recovered, err := svc.RecoverMasterKey("user1", code2)
	require.NoError(t, err)
	assert.Equal(t, mk, recovered)
}

func TestRotateMasterKeyRewrapsDEKAndPIN(t *testing.T) {
	keys := openTestStore(t)
	svc := New(keys)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	pinRecord, err := keys.FindByID("mk_pin_user1")
	require.NoError(t, err)
	var pinMeta models.PinMeta
	require.NoError(t, json.Unmarshal(pinRecord.Meta, &pinMeta))
	salt, err := hex.DecodeString(pinMeta.Salt)
	require.NoError(t, err)
	pinKEK := keyhierarchy.DeriveKEKFromPIN([]byte("1234"), salt)
	defer cryptoprim.Zeroize(pinKEK)

	pinNonce, err := hex.DecodeString(pinRecord.Nonce)
	require.NoError(t, err)
	oldMK, err := keyhierarchy.Unwrap(pinRecord.Blob, pinNonce, pinKEK)
	require.NoError(t, err)

	dekRecordBefore, err := keys.FindByID("dek_user1")
	require.NoError(t, err)
	dekNonceBefore, err := hex.DecodeString(dekRecordBefore.Nonce)
	require.NoError(t, err)
	dek, err := keyhierarchy.Unwrap(dekRecordBefore.Blob, dekNonceBefore, oldMK)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(dek)

	newMK, err := svc.RotateMasterKey("user1", oldMK, pinKEK, nil)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(newMK)
	assert.NotEqual(t, dek, newMK)

	dekRecordAfter, err := keys.FindByID("dek_user1")
	require.NoError(t, err)
	dekNonceAfter, err := hex.DecodeString(dekRecordAfter.Nonce)
	require.NoError(t, err)
	dekAfter, err := keyhierarchy.Unwrap(dekRecordAfter.Blob, dekNonceAfter, newMK)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(dekAfter)
	assert.Equal(t, dek, dekAfter)

	var dekMeta models.DEKMeta
	require.NoError(t, json.Unmarshal(dekRecordAfter.Meta, &dekMeta))
	assert.Equal(t, 2, dekMeta.Version)

	pinRecordAfter, err := keys.FindByID("mk_pin_user1")
	require.NoError(t, err)
	pinNonceAfter, err := hex.DecodeString(pinRecordAfter.Nonce)
	require.NoError(t, err)
	mkFromPIN, err := keyhierarchy.Unwrap(pinRecordAfter.Blob, pinNonceAfter, pinKEK)
	require.NoError(t, err)
	assert.Equal(t, newMK, mkFromPIN)
}

func TestSetPINWithKMSWrapsMasterKey(t *testing.T) {
	keys := openTestStore(t)
	bridge := newTestKMSBridge(t)
	svc := NewWithKMS(keys, bridge)

	require.NoError(t, svc.SetPIN("user1", "1234"))

	record, err := keys.FindByID("mk_kms_user1")
	require.NoError(t, err)
	assert.Equal(t, models.KeyTypeMasterKeyKMS, record.Type)

	blob, err := cryptoprim.UnmarshalBlob(record.Blob)
	require.NoError(t, err)
	_, err = bridge.Unwrap(context.Background(), blob)
	require.NoError(t, err)
}

func TestWrapMasterKeyViaKMSIsIdempotentOnReissue(t *testing.T) {
	keys := openTestStore(t)
	bridge := newTestKMSBridge(t)
	svc := NewWithKMS(keys, bridge)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	mk, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(mk)

	require.NoError(t, svc.WrapMasterKeyViaKMS("user1", mk))

	record, err := keys.FindByID("mk_kms_user1")
	require.NoError(t, err)
	blob, err := cryptoprim.UnmarshalBlob(record.Blob)
	require.NoError(t, err)
	unwrapped, err := bridge.Unwrap(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, mk, unwrapped)
}

func TestRotateMasterKeyRewrapsKMSRecord(t *testing.T) {
	keys := openTestStore(t)
	bridge := newTestKMSBridge(t)
	svc := NewWithKMS(keys, bridge)
	require.NoError(t, svc.SetPIN("user1", "1234"))

	pinRecord, err := keys.FindByID("mk_pin_user1")
	require.NoError(t, err)
	var pinMeta models.PinMeta
	require.NoError(t, json.Unmarshal(pinRecord.Meta, &pinMeta))
	salt, err := hex.DecodeString(pinMeta.Salt)
	require.NoError(t, err)
	pinKEK := keyhierarchy.DeriveKEKFromPIN([]byte("1234"), salt)
	defer cryptoprim.Zeroize(pinKEK)

	pinNonce, err := hex.DecodeString(pinRecord.Nonce)
	require.NoError(t, err)
	oldMK, err := keyhierarchy.Unwrap(pinRecord.Blob, pinNonce, pinKEK)
	require.NoError(t, err)

	newMK, err := svc.RotateMasterKey("user1", oldMK, pinKEK, nil)
	require.NoError(t, err)
	defer cryptoprim.Zeroize(newMK)

	record, err := keys.FindByID("mk_kms_user1")
	require.NoError(t, err)
	blob, err := cryptoprim.UnmarshalBlob(record.Blob)
	require.NoError(t, err)
	unwrapped, err := bridge.Unwrap(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, newMK, unwrapped)
}
