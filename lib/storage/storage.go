// Package storage defines the contract the core consumes from a storage
// backend. The core never manipulates volumes directly; every allocation,
// snapshot, rollback, and activation call goes through a Driver. This
// package also supplies one concrete, file-backed reference Driver
// (subpackage local) — enough to exercise every operation without a real
// SAN, not a general virtual-disk-format implementation (Non-goal).
package storage

import "context"

// ChainEntry describes one link of a volume's snapshot chain.
type ChainEntry struct {
	Parent string // parent snapshot name, "" if base
	File   string // backing file path or volid
	Size   int64  // bytes
}

// Config describes one storage pool's configuration, analogous to a
// storage.cfg section.
type Config struct {
	Type      string
	Shared    bool
	Path      string
	MonHost   string
	Pool      string
}

// Feature names a capability a volume/storage may or may not support.
type Feature string

const (
	FeatureSnapshot           Feature = "snapshot"
	FeatureClone              Feature = "clone"
	FeatureSnapshotAsVolChain Feature = "snapshot-as-volume-chain"
)

// SnapshotMethod names how a qemu_snapshot should be implemented for a
// given volume: wholly by the storage layer, wholly by QEMU (external
// qcow2 chain via lib/volumechain), or a mix (storage performs the rename,
// QEMU performs the blockdev-snapshot reopen).
type SnapshotMethod string

const (
	MethodStorage SnapshotMethod = "storage"
	MethodQEMU    SnapshotMethod = "qemu"
	MethodMixed   SnapshotMethod = "mixed"
)

// Driver is the contract the core depends on; see spec §4.3.
type Driver interface {
	// ParseVolumeID splits a volid into its storeid and name, or reports
	// that the value is already a bare filesystem path.
	ParseVolumeID(volid string) (storeid, name string, isPath bool)

	// Path resolves a volume (optionally at a named snapshot) to the
	// filesystem-or-protocol URL QEMU should open.
	Path(ctx context.Context, volid string, snap string) (string, error)

	// StorageConfig returns the pool configuration for a storeid.
	StorageConfig(ctx context.Context, storeid string) (Config, error)

	// VolumeSnapshot creates a named snapshot of a volume.
	VolumeSnapshot(ctx context.Context, volid, snap string) error

	// VolumeSnapshotDelete removes a named snapshot. running indicates the
	// VM owning this volume is live, which may change the deletion method
	// (e.g. requiring blockdev coordination for mixed-method volumes).
	VolumeSnapshotDelete(ctx context.Context, volid, snap string, running bool) error

	// VolumeSnapshotRollback restores a volume to a named snapshot.
	VolumeSnapshotRollback(ctx context.Context, volid, snap string) error

	// VolumeRollbackIsPossible reports whether rollback is currently
	// possible, returning blocker descriptions (e.g. "snapshot s2 depends
	// on this state") when it is not.
	VolumeRollbackIsPossible(ctx context.Context, volid, snap string) (possible bool, blockers []string, err error)

	// VolumeSnapshotInfo returns the full snapshot chain for a volume.
	VolumeSnapshotInfo(ctx context.Context, volid string) (map[string]ChainEntry, error)

	// VolumeSizeInfo returns the logical size of a volume in bytes.
	VolumeSizeInfo(ctx context.Context, volid string) (int64, error)

	// VdiskAlloc allocates a new volume of the given format and size
	// (in KiB), returning its volid.
	VdiskAlloc(ctx context.Context, storeid, vmid, format, name string, sizeKB int64) (volid string, err error)

	// VdiskFree releases a volume and its storage.
	VdiskFree(ctx context.Context, volid string) error

	// VolumeQemuSnapshotMethod reports which engine should perform
	// snapshots of this volume.
	VolumeQemuSnapshotMethod(ctx context.Context, volid string) (SnapshotMethod, error)

	// VolumeHasFeature reports whether a volume (or one of its snapshots)
	// supports the named feature.
	VolumeHasFeature(ctx context.Context, feature Feature, volid, snap string, running bool) (bool, error)

	// ActivateVolumes / DeactivateVolumes bracket a VM's active use of a
	// set of volumes (start/attach and stop/detach respectively).
	ActivateVolumes(ctx context.Context, volids []string, snap string) error
	DeactivateVolumes(ctx context.Context, volids []string) error

	// SupportsDirectIO reports whether this storeid's underlying medium
	// honors O_DIRECT, which lib/drive.Drive.ResolveAIO needs to pick a
	// default aio backend.
	SupportsDirectIO(ctx context.Context, storeid string) bool
}
