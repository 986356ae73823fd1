package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/storage"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	dir := t.TempDir()
	pools := PoolConfig{Pools: map[string]storage.Config{
		"local": {Type: "dir", Path: dir},
	}}
	return New(dir, pools)
}

func TestParseVolumeID(t *testing.T) {
	d := newTestDriver(t)
	storeid, name, isPath := d.ParseVolumeID("local:vm-100-disk-0.qcow2")
	assert.Equal(t, "local", storeid)
	assert.Equal(t, "vm-100-disk-0.qcow2", name)
	assert.False(t, isPath)

	_, _, isPath2 := d.ParseVolumeID("/abs/path/disk.raw")
	assert.True(t, isPath2)
}

func TestVdiskAllocFreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	volid, err := d.VdiskAlloc(ctx, "local", "100", "qcow2", "vm-100-disk-0.qcow2", 1024*1024)
	require.NoError(t, err)
	assert.Equal(t, "local:vm-100-disk-0.qcow2", volid)

	size, err := d.VolumeSizeInfo(ctx, volid)
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024*1024), size)

	require.NoError(t, d.VdiskFree(ctx, volid))
	_, err = d.VolumeSizeInfo(ctx, volid)
	assert.Error(t, err)
}

func TestVolumeSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	volid, err := d.VdiskAlloc(ctx, "local", "100", "qcow2", "vm-100-disk-0.qcow2", 1024)
	require.NoError(t, err)

	require.NoError(t, d.VolumeSnapshot(ctx, volid, "s1"))

	chain, err := d.VolumeSnapshotInfo(ctx, volid)
	require.NoError(t, err)
	assert.Contains(t, chain, "s1")

	possible, blockers, err := d.VolumeRollbackIsPossible(ctx, volid, "s1")
	require.NoError(t, err)
	assert.True(t, possible)
	assert.Empty(t, blockers)

	require.NoError(t, d.VolumeSnapshotRollback(ctx, volid, "s1"))
	require.NoError(t, d.VolumeSnapshotDelete(ctx, volid, "s1", false))

	_, blockers2, err := d.VolumeRollbackIsPossible(ctx, volid, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, blockers2)
}

func TestVolumeSnapshot_RejectsCurrentName(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	volid, err := d.VdiskAlloc(ctx, "local", "100", "qcow2", "", 1024)
	require.NoError(t, err)
	err = d.VolumeSnapshot(ctx, volid, "current")
	assert.Error(t, err)
}

func TestSupportsDirectIO(t *testing.T) {
	d := newTestDriver(t)
	assert.True(t, d.SupportsDirectIO(context.Background(), "local"))
	assert.False(t, d.SupportsDirectIO(context.Background(), "unknown"))
}
