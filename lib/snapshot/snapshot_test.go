package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/paths"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/storage/local"
	"github.com/vmnode/vmcore/lib/vmconfig"
)

type recorder struct {
	calls            []call
	responseOverride map[string]json.RawMessage
}

type call struct {
	execute string
	args    map[string]any
}

func (r *recorder) Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error) {
	r.calls = append(r.calls, call{execute: execute, args: arguments})
	if resp, ok := r.responseOverride[execute]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func newTestManager(t *testing.T) (*Manager, *paths.Paths, *vmconfig.Store, *local.Driver) {
	t.Helper()
	dir := t.TempDir()
	p := paths.New(dir+"/run", dir+"/config", dir+"/lock")
	store := vmconfig.NewStore(p)
	drv := local.New(dir+"/storage", local.PoolConfig{})
	return New(p, store, drv), p, store, drv
}

func TestCreate_SnapshotsDriveAndCommitsSection(t *testing.T) {
	mgr, _, store, drv := newTestManager(t)
	ctx := context.Background()

	volid, err := drv.VdiskAlloc(ctx, "local", "100", "raw", "", 1024)
	require.NoError(t, err)

	cfg := vmconfig.New("100")
	cfg.Current.Set("scsi0", volid+",cache=writeback")
	require.NoError(t, store.Write(cfg, ""))

	require.NoError(t, mgr.Create(ctx, "100", "s1", false))

	loaded, err := store.Load("100")
	require.NoError(t, err)
	sec, ok := loaded.Snapshots["s1"]
	require.True(t, ok)
	state, _ := sec.Get("snapstate")
	assert.Empty(t, state)
	assert.Equal(t, vmconfig.LockNone, loaded.Lock())
}

func TestCreate_AbortsOnUnknownVolume(t *testing.T) {
	mgr, _, store, _ := newTestManager(t)
	ctx := context.Background()

	cfg := vmconfig.New("100")
	cfg.Current.Set("scsi0", "local:100/vm-100-disk-0.raw,cache=writeback")
	require.NoError(t, store.Write(cfg, ""))

	err := mgr.Create(ctx, "100", "s1", false)
	assert.Error(t, err)

	loaded, lerr := store.Load("100")
	require.NoError(t, lerr)
	_, exists := loaded.Snapshots["s1"]
	assert.False(t, exists)
	assert.Equal(t, vmconfig.LockNone, loaded.Lock())
}

func TestRollback_RefusesWhileRunning(t *testing.T) {
	mgr, p, store, _ := newTestManager(t)
	ctx := context.Background()

	cfg := vmconfig.New("100")
	require.NoError(t, store.Write(cfg, ""))
	require.NoError(t, os.MkdirAll(p.RunDir(), 0o750))
	require.NoError(t, os.WriteFile(p.PIDFile("100"), []byte("1\n"), 0o640))

	err := mgr.Rollback(ctx, "100", "s1")
	assert.Error(t, err)
}

// TestSnapshotDrives_MixedMethodRunningVMGoesThroughVolumechain matches spec
// scenario S2: a qcow2 (MethodMixed) volume on a running VM is snapshotted
// via blockdev-add/blockdev-snapshot/blockdev-del, not a plain storage-side
// rename.
func TestSnapshotDrives_MixedMethodRunningVMGoesThroughVolumechain(t *testing.T) {
	mgr, _, _, drv := newTestManager(t)
	ctx := context.Background()

	volid, err := drv.VdiskAlloc(ctx, "local", "100", "qcow2", "", 1024)
	require.NoError(t, err)

	rec := &recorder{responseOverride: map[string]json.RawMessage{
		"query-version":           json.RawMessage(`{"qemu":{"major":10,"minor":0,"micro":0}}`),
		"query-named-block-nodes": json.RawMessage(`[]`),
	}}

	drives := map[string]drive.Drive{"scsi0": {File: volid}}
	created, err := mgr.snapshotDrives(ctx, rec, drives, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{volid}, created)

	var sawAdd, sawSnapshot, sawDel bool
	for _, c := range rec.calls {
		switch c.execute {
		case "blockdev-add":
			sawAdd = true
		case "blockdev-snapshot":
			sawSnapshot = true
		case "blockdev-del":
			sawDel = true
		}
	}
	assert.True(t, sawAdd, "expected blockdev-add for the new current")
	assert.True(t, sawSnapshot, "expected blockdev-snapshot reopen")
	assert.True(t, sawDel, "expected blockdev-del of the former current")
}

func TestDelete_RemovesSectionAndSnapshot(t *testing.T) {
	mgr, _, store, drv := newTestManager(t)
	ctx := context.Background()

	volid, err := drv.VdiskAlloc(ctx, "local", "100", "raw", "", 1024)
	require.NoError(t, err)

	cfg := vmconfig.New("100")
	cfg.Current.Set("scsi0", volid+",cache=writeback")
	require.NoError(t, store.Write(cfg, ""))
	require.NoError(t, mgr.Create(ctx, "100", "s1", false))

	require.NoError(t, mgr.Delete(ctx, "100", "s1"))

	loaded, err := store.Load("100")
	require.NoError(t, err)
	_, exists := loaded.Snapshots["s1"]
	assert.False(t, exists)
}
