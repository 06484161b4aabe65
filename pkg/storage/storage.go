// Package storage is the Persistence Adapter (spec.md §4.9): the narrow
// interface the core consumes for interaction headers and cipher-blob
// rows, with serializable commits for the Encryptor's all-or-nothing
// write. Grounded on the teacher's pkg/store.pebble.go: a Pebble-backed
// store with ordered key-prefix scans and pebble.Batch for atomic writes.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/models"
)

const (
	headerPrefix = "hdr:"
	blobPrefix   = "blob:"
)

// Store is the Persistence Adapter's Pebble-backed implementation.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func headerKey(id string) []byte { return []byte(headerPrefix + id) }

func blobKey(interactionID string, chunkIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", blobPrefix, interactionID, chunkIndex))
}

func blobScanPrefix(interactionID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", blobPrefix, interactionID))
}

// Tx accumulates header/blob writes for one atomic commit, grounded on
// the teacher's pebble.Batch usage in ApplyBatch.
type Tx struct {
	store *pebble.Batch
}

// BeginTx starts a new transaction. Writes made via InsertHeader/InsertBlob
// are not visible until Commit.
func (s *Store) BeginTx() *Tx {
	return &Tx{store: s.db.NewBatch()}
}

// InsertHeader stages an interaction header row.
func (t *Tx) InsertHeader(h models.InteractionHeader) error {
	v, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("storage: insert_header: %w", err)
	}
	if err := t.store.Set(headerKey(h.ID), v, nil); err != nil {
		return fmt.Errorf("storage: insert_header: %w", err)
	}
	return nil
}

// InsertBlob stages a cipher-blob row.
func (t *Tx) InsertBlob(b models.CipherBlob) error {
	v, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage: insert_blob: %w", err)
	}
	if err := t.store.Set(blobKey(b.InteractionID, b.ChunkIndex), v, nil); err != nil {
		return fmt.Errorf("storage: insert_blob: %w", err)
	}
	return nil
}

// Commit applies every staged write atomically: all succeed or none do.
func (t *Tx) Commit() error {
	defer t.store.Close()
	if err := t.store.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Rollback discards every staged write. Safe to call after Commit (no-op).
func (t *Tx) Rollback() error {
	return t.store.Close()
}

// FindHeader returns the header for id, or coreerrors.ErrNotFound.
func (s *Store) FindHeader(id string) (models.InteractionHeader, error) {
	v, closer, err := s.db.Get(headerKey(id))
	if err == pebble.ErrNotFound {
		return models.InteractionHeader{}, coreerrors.ErrNotFound
	}
	if err != nil {
		return models.InteractionHeader{}, fmt.Errorf("storage: find_header: %w", err)
	}
	defer closer.Close()
	var h models.InteractionHeader
	if err := json.Unmarshal(v, &h); err != nil {
		return models.InteractionHeader{}, fmt.Errorf("storage: find_header: decode: %w", err)
	}
	return h, nil
}

// ListBlobs returns every cipher-blob row for interactionID ordered by
// chunk_index ascending (the zero-padded key encoding makes lexicographic
// iteration order match numeric order).
func (s *Store) ListBlobs(interactionID string) ([]models.CipherBlob, error) {
	prefix := blobScanPrefix(interactionID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("storage: list_blobs: %w", err)
	}
	defer it.Close()

	var out []models.CipherBlob
	for ok := it.First(); ok; ok = it.Next() {
		var b models.CipherBlob
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			return nil, fmt.Errorf("storage: list_blobs: decode: %w", err)
		}
		out = append(out, b)
	}
	return out, it.Error()
}

// DeleteInteraction removes a header and all of its cipher-blob rows
// atomically.
func (s *Store) DeleteInteraction(id string) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete(headerKey(id), nil); err != nil {
		return fmt.Errorf("storage: delete_interaction: %w", err)
	}

	prefix := blobScanPrefix(id)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return fmt.Errorf("storage: delete_interaction: %w", err)
	}
	for ok := it.First(); ok; ok = it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := b.Delete(key, nil); err != nil {
			it.Close()
			return fmt.Errorf("storage: delete_interaction: %w", err)
		}
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("storage: delete_interaction: %w", err)
	}

	return b.Commit(pebble.Sync)
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, for bounding a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded
}
