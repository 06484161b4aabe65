// Package keystore persists WrappedKeyRecord rows (spec.md §4.2), grounded
// on the teacher's kms/pkg/store Pebble-backed Store: a flat key-value
// database keyed by a prefixed record id, with atomic multi-record updates
// via pebble.Batch for operations like master-key rotation that must
// re-wrap many records together or not at all.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/models"
)

const keyPrefix = "key:"

// Store is the Key Store: a keyed collection of wrapped-key records.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: mkdir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
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

func recordKey(id string) []byte { return []byte(keyPrefix + id) }

// encodeRecord serializes r for storage as JSON. The id is stored in the
// value as well as in the row key.
func encodeRecord(r models.WrappedKeyRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (models.WrappedKeyRecord, error) {
	var r models.WrappedKeyRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return models.WrappedKeyRecord{}, fmt.Errorf("keystore: decode: %w", err)
	}
	return r, nil
}

// Create inserts record, failing with coreerrors.ErrConflict if its id
// already exists.
func (s *Store) Create(record models.WrappedKeyRecord) error {
	k := recordKey(record.ID)
	if _, closer, err := s.db.Get(k); err == nil {
		closer.Close()
		return coreerrors.ErrConflict
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("keystore: create lookup: %w", err)
	}
	v, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.db.Set(k, v, pebble.Sync); err != nil {
		return fmt.Errorf("keystore: create: %w", err)
	}
	return nil
}

// FindByID returns the record with id, or coreerrors.ErrNotFound.
func (s *Store) FindByID(id string) (models.WrappedKeyRecord, error) {
	v, closer, err := s.db.Get(recordKey(id))
	if err == pebble.ErrNotFound {
		return models.WrappedKeyRecord{}, coreerrors.ErrNotFound
	}
	if err != nil {
		return models.WrappedKeyRecord{}, fmt.Errorf("keystore: find_by_id: %w", err)
	}
	defer closer.Close()
	buf := make([]byte, len(v))
	copy(buf, v)
	return decodeRecord(buf)
}

// FindByType returns every record of the given type, in unspecified order.
func (s *Store) FindByType(t models.KeyType) ([]models.WrappedKeyRecord, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(keyPrefix)})
	if err != nil {
		return nil, fmt.Errorf("keystore: find_by_type: %w", err)
	}
	defer it.Close()

	var out []models.WrappedKeyRecord
	for ok := it.First(); ok; ok = it.Next() {
		v := it.Value()
		buf := make([]byte, len(v))
		copy(buf, v)
		r, err := decodeRecord(buf)
		if err != nil {
			return nil, err
		}
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out, it.Error()
}

// Update rewrites an existing record's blob, nonce, and optional meta,
// failing with coreerrors.ErrNotFound if id is absent.
func (s *Store) Update(id string, blob []byte, nonce string, meta []byte) error {
	existing, err := s.FindByID(id)
	if err != nil {
		return err
	}
	existing.Blob = blob
	existing.Nonce = nonce
	if meta != nil {
		existing.Meta = meta
	}
	v, err := encodeRecord(existing)
	if err != nil {
		return err
	}
	return s.db.Set(recordKey(id), v, pebble.Sync)
}

// Delete removes a record. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) error {
	return s.db.Delete(recordKey(id), pebble.Sync)
}

// HasMasterKey reports whether any master_key_pin or master_key_fido
// record exists.
func (s *Store) HasMasterKey() (bool, error) {
	for _, t := range []models.KeyType{models.KeyTypeMasterKeyPin, models.KeyTypeMasterKeyFido} {
		recs, err := s.FindByType(t)
		if err != nil {
			return false, err
		}
		if len(recs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// BatchUpdate is one record mutation to be applied as part of an atomic
// multi-record commit (e.g. master-key rotation re-wrapping every DEK).
type BatchUpdate struct {
	ID    string
	Blob  []byte
	Nonce string
	Meta  []byte // nil keeps the existing meta
}

// ApplyBatch applies every update in updates atomically: all succeed or
// none are written. Each target id must already exist.
func (s *Store) ApplyBatch(updates []BatchUpdate) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, u := range updates {
		existing, err := s.FindByID(u.ID)
		if err != nil {
			return err
		}
		existing.Blob = u.Blob
		existing.Nonce = u.Nonce
		if u.Meta != nil {
			existing.Meta = u.Meta
		}
		v, err := encodeRecord(existing)
		if err != nil {
			return err
		}
		if err := b.Set(recordKey(u.ID), v, nil); err != nil {
			return fmt.Errorf("keystore: apply_batch: %w", err)
		}
	}
	return b.Commit(pebble.Sync)
}
