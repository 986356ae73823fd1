package vmconfig

import (
	"github.com/nrednav/cuid2"

	"github.com/vmnode/vmcore/lib/vmerr"
)

// NewVMStateName returns a collision-resistant volume name for a snapshot's
// saved-RAM state, used as the storage.Driver.VdiskAlloc name argument.
func NewVMStateName(vmid, snap string) string {
	return "vm-" + vmid + "-state-" + snap + "-" + cuid2.Generate()
}

// SnapshotPrepare creates a new snapshot section in snapstate=prepare,
// cloned from the current section, and locks the config for "snapshot".
// Must be called inside LockConfig. Per spec §3 invariant 6, a snapshot
// named "current" is forbidden; per invariant 7 the section must later be
// committed or rolled back, never left in prepare.
func SnapshotPrepare(cfg *Config, name string) error {
	if name == currentSnapshotName {
		return vmerr.New(vmerr.ConfigWrite, "snapshot name \"current\" is forbidden")
	}
	if _, exists := cfg.Snapshots[name]; exists {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" already exists")
	}
	if err := SetLock(cfg, LockSnapshot); err != nil {
		return err
	}

	sec := cfg.Current.Clone()
	sec.Set("snapstate", string(SnapStatePrepare))
	sec.Delete("lock") // the lock belongs to current, not to the frozen copy

	cfg.Snapshots[name] = sec
	cfg.SnapshotOrder = append(cfg.SnapshotOrder, name)
	return nil
}

// SnapshotCommit promotes a prepared snapshot section to a real snapshot
// (drops snapstate) and clears the config's lock. Must be called inside
// LockConfig after the storage-side snapshot and any savevm have succeeded.
func SnapshotCommit(cfg *Config, name string) error {
	sec, ok := cfg.Snapshots[name]
	if !ok {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" not found")
	}
	state, _ := sec.Get("snapstate")
	if SnapState(state) != SnapStatePrepare {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" is not in prepare state")
	}
	sec.Delete("snapstate")
	return ClearLock(cfg)
}

// SnapshotAbort removes a failed prepare's section entirely and clears the
// config's lock, leaving no trace of the attempt per spec §3 invariant 7.
func SnapshotAbort(cfg *Config, name string) error {
	if _, ok := cfg.Snapshots[name]; !ok {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" not found")
	}
	delete(cfg.Snapshots, name)
	for i, n := range cfg.SnapshotOrder {
		if n == name {
			cfg.SnapshotOrder = append(cfg.SnapshotOrder[:i], cfg.SnapshotOrder[i+1:]...)
			break
		}
	}
	return ClearLock(cfg)
}

// DeletePrepare marks an existing, already-committed snapshot section for
// deletion (snapstate=delete), the mirror image of SnapshotPrepare used by
// the snapshot-delete operation.
func DeletePrepare(cfg *Config, name string) error {
	sec, ok := cfg.Snapshots[name]
	if !ok {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" not found")
	}
	sec.Set("snapstate", string(SnapStateDelete))
	return nil
}

// DeleteCommit removes a snapshot section once its storage-side deletion
// (commit/stream job) has concluded.
func DeleteCommit(cfg *Config, name string) error {
	if _, ok := cfg.Snapshots[name]; !ok {
		return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" not found")
	}
	delete(cfg.Snapshots, name)
	for i, n := range cfg.SnapshotOrder {
		if n == name {
			cfg.SnapshotOrder = append(cfg.SnapshotOrder[:i], cfg.SnapshotOrder[i+1:]...)
			break
		}
	}
	return nil
}
