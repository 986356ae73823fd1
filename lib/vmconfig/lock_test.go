package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidLockTransition(t *testing.T) {
	assert.True(t, ValidLockTransition(LockNone, LockSnapshot))
	assert.True(t, ValidLockTransition(LockSnapshot, LockNone))
	assert.True(t, ValidLockTransition(LockSuspending, LockSuspended))
	assert.False(t, ValidLockTransition(LockSnapshot, LockMigrate))
	assert.False(t, ValidLockTransition(LockSuspended, LockSuspending))
}

func TestSetLock_RejectsIllegalTransition(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SetLock(cfg, LockSnapshot))
	err := SetLock(cfg, LockMigrate)
	assert.Error(t, err)
	assert.Equal(t, LockSnapshot, cfg.Lock())
}

func TestSetLock_SuspendingToSuspended(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SetLock(cfg, LockSuspending))
	require.NoError(t, SetLock(cfg, LockSuspended))
	assert.Equal(t, LockSuspended, cfg.Lock())
}

func TestClearLock(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SetLock(cfg, LockMigrate))
	require.NoError(t, ClearLock(cfg))
	assert.Equal(t, LockNone, cfg.Lock())
}

func TestCheckLock_RefusesWhenLocked(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SetLock(cfg, LockBackup))
	assert.Error(t, CheckLock(cfg, false, false))
	assert.Error(t, CheckLock(cfg, true, false), "skiplock alone without privilege must not bypass the lock")
	assert.NoError(t, CheckLock(cfg, true, true))
}

func TestCheckLock_UnlockedAlwaysOK(t *testing.T) {
	cfg := New("100")
	assert.NoError(t, CheckLock(cfg, false, false))
}
