package unlock

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/ratelimit"
	"coldproxy/pkg/setup"
)

func newTestEnv(t *testing.T) (*keystore.Store, *setup.Service, *Service) {
	t.Helper()
	dir := t.TempDir()
	keys, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	setupSvc := setup.New(keys)
	unlockSvc := New(keys, ratelimit.NewPINLockout(), "example.com", "https://example.com")
	return keys, setupSvc, unlockSvc
}

func newTestEnvWithKMS(t *testing.T) (*setup.Service, *Service) {
	t.Helper()
	dir := t.TempDir()
	keys, err := keystore.Open(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	rootKey, err := cryptoprim.RandomBytes(cryptoprim.KeySize)
	require.NoError(t, err)
	bridge, err := cryptoprim.NewKMSBridge(context.Background(), "test-key", rootKey)
	require.NoError(t, err)

	setupSvc := setup.NewWithKMS(keys, bridge)
	unlockSvc := NewWithKMS(keys, ratelimit.NewPINLockout(), "example.com", "https://example.com", bridge)
	return setupSvc, unlockSvc
}

func TestUnlockWithPINSucceedsAfterSetPIN(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "1234")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, unlockSvc.Locked("user1"))
}

func TestUnlockWithPINWrongPINFails(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "9999")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, unlockSvc.Locked("user1"))
}

func TestUnlockWithPINUnknownUserFailsWithoutError(t *testing.T) {
	_, _, unlockSvc := newTestEnv(t)
	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "ghost", "0000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnlockWithPINLocksOutAfterThreshold(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	for i := 0; i < ratelimit.PINFailureThreshold; i++ {
		_, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "wrong")
		require.NoError(t, err)
	}

	_, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "1234")
	assert.ErrorIs(t, err, coreerrors.ErrAccountLocked)
}

func TestGetDecryptedDEKRequiresUnlock(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	_, err := unlockSvc.GetDecryptedDEK("user1")
	assert.ErrorIs(t, err, coreerrors.ErrLocked)

	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "1234")
	require.NoError(t, err)
	require.True(t, ok)

	dek, err := unlockSvc.GetDecryptedDEK("user1")
	require.NoError(t, err)
	assert.Len(t, dek, 32)
}

func TestLogoutEvictsCachedMK(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))
	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "1234")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, unlockSvc.Locked("user1"))

	unlockSvc.Logout("user1")
	assert.True(t, unlockSvc.Locked("user1"))

	_, err = unlockSvc.GetDecryptedDEK("user1")
	assert.ErrorIs(t, err, coreerrors.ErrLocked)
}

func TestCacheStatsReflectsPopulation(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))
	assert.Equal(t, 0, unlockSvc.CacheStats())

	ok, err := unlockSvc.UnlockWithPIN(context.Background(), "user1", "1234")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, unlockSvc.CacheStats())
}

func TestUnlockWithKMSSucceedsAfterSetPIN(t *testing.T) {
	setupSvc, unlockSvc := newTestEnvWithKMS(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	ok, err := unlockSvc.UnlockWithKMS(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, unlockSvc.Locked("user1"))

	dek, err := unlockSvc.GetDecryptedDEK("user1")
	require.NoError(t, err)
	assert.Len(t, dek, 32)
}

func TestUnlockWithKMSUnknownUserReturnsNotFound(t *testing.T) {
	_, unlockSvc := newTestEnvWithKMS(t)

	_, err := unlockSvc.UnlockWithKMS(context.Background(), "ghost")
	assert.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestUnlockWithKMSWithoutBridgeConfiguredErrors(t *testing.T) {
	_, setupSvc, unlockSvc := newTestEnv(t)
	require.NoError(t, setupSvc.SetPIN("user1", "1234"))

	_, err := unlockSvc.UnlockWithKMS(context.Background(), "user1")
	assert.Error(t, err)
}
