package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldproxy/pkg/coreerrors"
)

func TestSaveGeneratesTokenWhenEmpty(t *testing.T) {
	s := New()
	token, err := s.Save("", Record{UserID: "user1"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	rec, err := s.Get(token)
	require.NoError(t, err)
	assert.Equal(t, "user1", rec.UserID)
}

func TestSaveReusesInboundToken(t *testing.T) {
	s := New()
	token, err := s.Save("", Record{UserID: "user1"})
	require.NoError(t, err)

	token2, err := s.Save(token, Record{UserID: "user1", Challenge: "abc"})
	require.NoError(t, err)
	assert.Equal(t, token, token2)

	rec, err := s.Get(token)
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.Challenge)
}

func TestGetUnknownTokenReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestGetEmptyTokenReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get("")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestDeleteInvalidatesSession(t *testing.T) {
	s := New()
	token, err := s.Save("", Record{UserID: "user1"})
	require.NoError(t, err)

	s.Delete(token)
	_, err = s.Get(token)
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestRequireFreshWebAuthn(t *testing.T) {
	now := time.Now()
	fresh := Record{LastUVAt: now.Add(-1 * time.Minute)}
	assert.NoError(t, RequireFreshWebAuthn(fresh, now))

	stale := Record{LastUVAt: now.Add(-10 * time.Minute)}
	assert.ErrorIs(t, RequireFreshWebAuthn(stale, now), coreerrors.ErrForbidden)

	never := Record{}
	assert.ErrorIs(t, RequireFreshWebAuthn(never, now), coreerrors.ErrForbidden)
}
