package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPrepare_ClonesCurrentAndLocks(t *testing.T) {
	cfg := New("100")
	cfg.Current.Set("cores", "4")

	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	assert.Equal(t, LockSnapshot, cfg.Lock())

	sec, ok := cfg.Snapshots["s1"]
	require.True(t, ok)
	v, _ := sec.Get("cores")
	assert.Equal(t, "4", v)
	state, _ := sec.Get("snapstate")
	assert.Equal(t, string(SnapStatePrepare), state)
}

func TestSnapshotPrepare_RejectsCurrentName(t *testing.T) {
	cfg := New("100")
	err := SnapshotPrepare(cfg, "current")
	assert.Error(t, err)
}

func TestSnapshotPrepare_RejectsDuplicateName(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	require.NoError(t, SnapshotAbort(cfg, "s1")) // clear lock so a second prepare is legal
	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	err := SnapshotPrepare(cfg, "s1")
	assert.Error(t, err)
}

func TestSnapshotCommit_PromotesAndClearsLock(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	require.NoError(t, SnapshotCommit(cfg, "s1"))

	assert.Equal(t, LockNone, cfg.Lock())
	state, ok := cfg.Snapshots["s1"].Get("snapstate")
	assert.False(t, ok, "snapstate must be gone once committed")
	_ = state
}

func TestSnapshotAbort_RemovesSection(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	require.NoError(t, SnapshotAbort(cfg, "s1"))

	assert.NotContains(t, cfg.Snapshots, "s1")
	assert.Equal(t, LockNone, cfg.Lock())
}

func TestDeletePrepareAndCommit(t *testing.T) {
	cfg := New("100")
	require.NoError(t, SnapshotPrepare(cfg, "s1"))
	require.NoError(t, SnapshotCommit(cfg, "s1"))

	require.NoError(t, DeletePrepare(cfg, "s1"))
	state, _ := cfg.Snapshots["s1"].Get("snapstate")
	assert.Equal(t, string(SnapStateDelete), state)

	require.NoError(t, DeleteCommit(cfg, "s1"))
	assert.NotContains(t, cfg.Snapshots, "s1")
}

func TestNewVMStateName_IsUniquePerCall(t *testing.T) {
	a := NewVMStateName("100", "s1")
	b := NewVMStateName("100", "s1")
	assert.NotEqual(t, a, b)
}
