// Package session is the Session Gate (spec.md §4.7/§9): a typed,
// explicitly-keyed session store replacing the loosely-typed per-request
// state bag the source used. Grounded on the teacher's pkg/auth identity
// context pattern (a verified identity carried on the request context)
// generalized to a cookie-token-keyed store with an explicit Record type.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"coldproxy/pkg/coreerrors"
)

// FreshWebAuthnWindow is how recently a session must have completed
// WebAuthn user verification to be considered "fresh" (spec.md GLOSSARY).
const FreshWebAuthnWindow = 5 * time.Minute

// Record is the typed per-session state bag (spec.md §9), replacing the
// source's dynamic object: user id, an in-flight WebAuthn challenge, and
// the last successful user-verification time.
type Record struct {
	UserID   string
	Challenge string
	LastUVAt time.Time
}

// Store is an explicit, cookie-token-keyed session store. There is no
// process-wide singleton; callers construct one and pass it by reference.
type Store struct {
	mu sync.Mutex
	m  map[string]*Record
}

// New constructs an empty session store.
func New() *Store {
	return &Store{m: make(map[string]*Record)}
}

// newToken generates a fresh random session token.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: new_token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Save persists rec under token, reusing token when the caller already
// holds one from an inbound cookie rather than minting a new id on every
// save (spec.md §9 fixes the source's bug of always rotating the token).
// If token is empty, a new one is generated and returned.
func (s *Store) Save(token string, rec Record) (string, error) {
	if token == "" {
		t, err := newToken()
		if err != nil {
			return "", err
		}
		token = t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.m[token] = &r
	return token, nil
}

// Get returns the record for token, or coreerrors.ErrNotFound.
func (s *Store) Get(token string) (Record, error) {
	if token == "" {
		return Record{}, coreerrors.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[token]
	if !ok {
		return Record{}, coreerrors.ErrNotFound
	}
	return *r, nil
}

// Delete removes token's session. This is the explicit logout/invalidation
// operation the source lacked (spec.md §9): it must be called alongside
// zeroizing the caller's MK cache entry.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
}

// RequireFreshWebAuthn admits only if rec.LastUVAt is set and within
// FreshWebAuthnWindow of now; else coreerrors.ErrForbidden. Used to gate
// export, key rotation, kill-switch toggling, and bulk decryption.
func RequireFreshWebAuthn(rec Record, now time.Time) error {
	if rec.LastUVAt.IsZero() || now.Sub(rec.LastUVAt) > FreshWebAuthnWindow {
		return coreerrors.ErrForbidden
	}
	return nil
}
