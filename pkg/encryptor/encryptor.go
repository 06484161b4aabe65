// Package encryptor implements the Interaction Encryptor (spec.md §4.6):
// chunks a plaintext interaction body into fixed-size segments, seals each
// under a per-interaction key derived from the user's DEK, and persists
// header + blob rows atomically. Grounded on the teacher's
// ingest/queue pooled-buffer handling (bytebufferpool) generalized from
// message-ingest payloads to encryption chunking, and on pkg/store.pebble
// for the atomic multi-row commit shape.
package encryptor

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keyhierarchy"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/models"
	"coldproxy/pkg/storage"
)

// ChunkSize is the fixed plaintext chunk size (spec.md §9 design note:
// "pick and document a single value; 64 KiB recommended"). It is recorded
// on every header's ChunkSize field for forward compatibility in case a
// future version changes it.
const ChunkSize = 64 * 1024

// dekResolver is the subset of unlock.Service the Encryptor depends on,
// kept as an interface so tests can supply a fake without constructing a
// full Unlock Service.
type dekResolver interface {
	GetDecryptedDEK(userID string) ([]byte, error)
}

// Encryptor is the Interaction Encryptor. It holds references to the
// key store (for DEK version lookups), the persistence adapter, and the
// Unlock Service's DEK resolver; there is no process-wide singleton.
type Encryptor struct {
	keys  *keystore.Store
	store *storage.Store
	dek   dekResolver

	// queue is the optional bounded async write path (spec.md §5: header
	// and blob rows MAY be batched through here instead of committed
	// synchronously). Nil means every Encrypt call commits synchronously.
	queue *storage.WriteQueue
}

// New constructs an Encryptor that always commits synchronously.
func New(keys *keystore.Store, store *storage.Store, dek dekResolver) *Encryptor {
	return &Encryptor{keys: keys, store: store, dek: dek}
}

// NewAsync constructs an Encryptor that durably persists every captured
// interaction through queue instead of committing inline, falling back to
// a synchronous commit only when the queue is full or closed (spec.md §5).
func NewAsync(keys *keystore.Store, store *storage.Store, dek dekResolver, queue *storage.WriteQueue) *Encryptor {
	return &Encryptor{keys: keys, store: store, dek: dek, queue: queue}
}

func dekRecordID(userID string) string { return "dek_" + userID }

// aad computes AAD_i = user_id ‖ interaction_id ‖ i_as_u32_be ‖ key_version
// per spec.md §4.6 step 4.
func aad(userID, interactionID string, chunkIndex, keyVersion int) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Reset()
	buf.WriteString(userID)
	buf.WriteString(interactionID)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(chunkIndex))
	buf.Write(idx[:])
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], uint32(keyVersion))
	buf.Write(ver[:])

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// Encrypt implements spec.md §4.6's capture-path algorithm: resolve DEK,
// derive IK, chunk and seal, persist header+blobs atomically. Returns the
// new interaction id.
func (e *Encryptor) Encrypt(in models.PlaintextInteraction) (string, error) {
	dek, err := e.dek.GetDecryptedDEK(in.UserID)
	if err != nil {
		return "", err
	}
	defer cryptoprim.Zeroize(dek)

	dekRecord, err := e.keys.FindByID(dekRecordID(in.UserID))
	if err != nil {
		return "", err
	}
	var dekMeta models.DEKMeta
	if err := json.Unmarshal(dekRecord.Meta, &dekMeta); err != nil {
		return "", fmt.Errorf("encryptor: encrypt: parse dek meta: %w", err)
	}

	keyNonce, err := cryptoprim.RandomBytes(cryptoprim.NonceSize)
	if err != nil {
		return "", err
	}
	ik, err := keyhierarchy.DeriveInteractionKey(dek, keyNonce)
	if err != nil {
		return "", err
	}
	defer cryptoprim.Zeroize(ik)

	interactionID := uuid.NewString()

	chunks := chunk(in.PlaintextBytes, ChunkSize)
	blobs := make([]models.CipherBlob, 0, len(chunks))
	for i, plaintext := range chunks {
		nonce, err := cryptoprim.RandomBytes(cryptoprim.NonceSize)
		if err != nil {
			return "", err
		}
		ciphertext, err := cryptoprim.AEADEncrypt(plaintext, nonce, ik, aad(in.UserID, interactionID, i, dekMeta.Version))
		if err != nil {
			return "", err
		}
		blobs = append(blobs, models.CipherBlob{
			ID:            uuid.NewString(),
			InteractionID: interactionID,
			ChunkIndex:    i,
			Nonce:         hex.EncodeToString(nonce),
			Ciphertext:    ciphertext,
		})
	}

	header := models.InteractionHeader{
		ID:                 interactionID,
		UserID:             in.UserID,
		CreatedAt:          time.Now().UTC(),
		Model:              in.Model,
		Tokens:             in.Tokens,
		CostUSD:            in.CostUSD,
		CipherKeyVersion:   dekMeta.Version,
		RequestFingerprint: in.RequestFingerprint,
		ChunkCount:         len(blobs),
		ByteCount:          len(in.PlaintextBytes),
		Truncated:          in.Truncated,
		KeyNonce:           keyNonce,
		ChunkSize:          ChunkSize,
	}

	if e.queue != nil && e.queue.TryEnqueue(storage.WriteJob{Header: header, Blobs: blobs}) {
		return interactionID, nil
	}

	if err := e.commitSync(header, blobs); err != nil {
		return "", err
	}
	return interactionID, nil
}

// commitSync writes header and blobs in one atomic transaction, the path
// used whenever the async write queue is absent, full, or closed.
func (e *Encryptor) commitSync(header models.InteractionHeader, blobs []models.CipherBlob) error {
	tx := e.store.BeginTx()
	if err := tx.InsertHeader(header); err != nil {
		tx.Rollback()
		return err
	}
	for _, b := range blobs {
		if err := tx.InsertBlob(b); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Decrypt implements spec.md §4.6's read path: load header, require
// caller's user_id to match, re-derive IK from the stored key_nonce and
// the caller's cached-MK-derived DEK, decrypt every chunk in order, and
// fail with Tampered on the first AEAD mismatch or a chunk_count
// disagreement.
func (e *Encryptor) Decrypt(interactionID, userID string) ([]byte, error) {
	header, err := e.store.FindHeader(interactionID)
	if err != nil {
		return nil, err
	}
	if header.UserID != userID {
		return nil, coreerrors.ErrForbidden
	}

	dek, err := e.dek.GetDecryptedDEK(userID)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zeroize(dek)

	ik, err := keyhierarchy.DeriveInteractionKey(dek, header.KeyNonce)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zeroize(ik)

	blobs, err := e.store.ListBlobs(interactionID)
	if err != nil {
		return nil, err
	}
	if len(blobs) != header.ChunkCount {
		return nil, coreerrors.ErrTampered
	}

	out := make([]byte, 0, header.ByteCount)
	for i, b := range blobs {
		if b.ChunkIndex != i {
			return nil, coreerrors.ErrTampered
		}
		nonce, err := hex.DecodeString(b.Nonce)
		if err != nil {
			return nil, coreerrors.ErrTampered
		}
		plaintext, err := cryptoprim.AEADDecrypt(b.Ciphertext, nonce, ik, aad(userID, interactionID, i, header.CipherKeyVersion))
		if err != nil {
			return nil, coreerrors.ErrTampered
		}
		out = append(out, plaintext...)
	}
	return out, nil
}

// chunk splits data into size-byte segments, the last possibly shorter.
// An empty input yields a single empty chunk so chunk_count is always >= 1.
func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}
