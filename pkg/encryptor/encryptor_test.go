package encryptor

import (
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/models"
	"coldproxy/pkg/storage"
)

// fakeDEKResolver hands back a fixed DEK for every userID, bypassing the
// full Unlock Service so the Encryptor can be tested in isolation.
type fakeDEKResolver struct {
	dek []byte
	err error
}

func (f *fakeDEKResolver) GetDecryptedDEK(userID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.dek...), nil
}

func newTestEncryptor(t *testing.T) (*Encryptor, *fakeDEKResolver, string) {
	t.Helper()
	dir := t.TempDir()

	keys, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	dataStore, err := storage.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dataStore.Close() })

	dek, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)

	userID := "user1"
	meta, err := json.Marshal(models.DEKMeta{Version: 1})
	require.NoError(t, err)
	require.NoError(t, keys.Create(models.WrappedKeyRecord{
		ID:    "dek_" + userID,
		Type:  models.KeyTypeDataEncryptionKey,
		Blob:  []byte("unused-in-this-test"),
		Nonce: hex.EncodeToString(make([]byte, cryptoprim.NonceSize)),
		Meta:  meta,
	}))

	resolver := &fakeDEKResolver{dek: dek}
	return New(keys, dataStore, resolver), resolver, userID
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, _, userID := newTestEncryptor(t)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	id, err := enc.Encrypt(models.PlaintextInteraction{
		UserID:         userID,
		Model:          "test-model",
		PlaintextBytes: plaintext,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	out, err := enc.Decrypt(id, userID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptChunksLargeBody(t *testing.T) {
	enc, _, userID := newTestEncryptor(t)

	plaintext := make([]byte, ChunkSize*3+17)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: plaintext})
	require.NoError(t, err)

	out, err := enc.Decrypt(id, userID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptRejectsWrongUser(t *testing.T) {
	enc, _, userID := newTestEncryptor(t)
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: []byte("secret")})
	require.NoError(t, err)

	_, err = enc.Decrypt(id, "someone-else")
	assert.ErrorIs(t, err, coreerrors.ErrForbidden)
}

func TestDecryptDetectsTamperedCiphertext(t *testing.T) {
	enc, _, userID := newTestEncryptor(t)
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: []byte("secret payload")})
	require.NoError(t, err)

	blobs, err := enc.store.ListBlobs(id)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	blobs[0].Ciphertext[0] ^= 0xFF

	tx := enc.store.BeginTx()
	require.NoError(t, tx.InsertBlob(blobs[0]))
	require.NoError(t, tx.Commit())

	_, err = enc.Decrypt(id, userID)
	assert.ErrorIs(t, err, coreerrors.ErrTampered)
}

func TestDecryptDetectsChunkCountMismatch(t *testing.T) {
	enc, _, userID := newTestEncryptor(t)
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: make([]byte, ChunkSize*2)})
	require.NoError(t, err)

	header, err := enc.store.FindHeader(id)
	require.NoError(t, err)
	header.ChunkCount = 99

	tx := enc.store.BeginTx()
	require.NoError(t, tx.InsertHeader(header))
	require.NoError(t, tx.Commit())

	_, err = enc.Decrypt(id, userID)
	assert.ErrorIs(t, err, coreerrors.ErrTampered)
}

func TestEncryptPropagatesLockedDEKError(t *testing.T) {
	enc, resolver, userID := newTestEncryptor(t)
	resolver.err = coreerrors.ErrLocked

	_, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: []byte("x")})
	assert.ErrorIs(t, err, coreerrors.ErrLocked)
}

func TestEmptyBodyYieldsSingleChunk(t *testing.T) {
	chunks := chunk(nil, ChunkSize)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0])
}

func TestEncryptWithAsyncQueueGoesThroughTryEnqueue(t *testing.T) {
	dir := t.TempDir()
	keys, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	defer keys.Close()
	dataStore, err := storage.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer dataStore.Close()

	dek, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	userID := "user1"
	meta, err := json.Marshal(models.DEKMeta{Version: 1})
	require.NoError(t, err)
	require.NoError(t, keys.Create(models.WrappedKeyRecord{
		ID:    "dek_" + userID,
		Type:  models.KeyTypeDataEncryptionKey,
		Blob:  []byte("unused-in-this-test"),
		Nonce: hex.EncodeToString(make([]byte, cryptoprim.NonceSize)),
		Meta:  meta,
	}))

	queue := storage.NewWriteQueue(dataStore, 1)
	defer queue.Shutdown()

	enc := NewAsync(keys, dataStore, &fakeDEKResolver{dek: dek}, queue)
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: []byte("async payload")})
	require.NoError(t, err)

	// The commit happens off the request path via queue.TryEnqueue; wait
	// for the worker goroutine to drain it before reading it back.
	queue.Shutdown()

	out, err := enc.Decrypt(id, userID)
	require.NoError(t, err)
	assert.Equal(t, "async payload", string(out))
}

func TestEncryptFallsBackToSyncWhenQueueClosed(t *testing.T) {
	dir := t.TempDir()
	keys, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	defer keys.Close()
	dataStore, err := storage.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer dataStore.Close()

	dek, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	userID := "user1"
	meta, err := json.Marshal(models.DEKMeta{Version: 1})
	require.NoError(t, err)
	require.NoError(t, keys.Create(models.WrappedKeyRecord{
		ID:    "dek_" + userID,
		Type:  models.KeyTypeDataEncryptionKey,
		Blob:  []byte("unused-in-this-test"),
		Nonce: hex.EncodeToString(make([]byte, cryptoprim.NonceSize)),
		Meta:  meta,
	}))

	// A queue that has already been shut down rejects every TryEnqueue,
	// forcing Encrypt onto the synchronous commitSync fallback.
	closedQueue := storage.NewWriteQueue(dataStore, 1)
	closedQueue.Shutdown()

	enc := NewAsync(keys, dataStore, &fakeDEKResolver{dek: dek}, closedQueue)
	id, err := enc.Encrypt(models.PlaintextInteraction{UserID: userID, PlaintextBytes: []byte("sync fallback")})
	require.NoError(t, err)

	out, err := enc.Decrypt(id, userID)
	require.NoError(t, err)
	assert.Equal(t, "sync fallback", string(out))
}
