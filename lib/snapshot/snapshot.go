// Package snapshot implements named point-in-time image management for a
// VM: prepare/commit/rollback/delete of a snapshot that covers both the
// VM's config and every drive it owns, plus (for a running VM) the guest's
// RAM state via QMP savevm-start/query-savevm.
//
// A drive's snapshot method is decided per-volume by the storage driver
// (storage.Driver.VolumeQemuSnapshotMethod): MethodStorage delegates
// entirely to the backend (e.g. a ZFS/LVM snapshot); MethodMixed on a
// running VM does the storage-side rename plus a blockdev-snapshot reopen
// through lib/volumechain's external qcow2 chain. MethodQEMU volumes, and
// MethodMixed volumes of a stopped VM, are also snapshotted by the storage
// driver's VolumeSnapshot; no QEMU-side snapshot is taken for them. This
// mirrors the source's per-volume dispatch rather than a single global
// strategy.
package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/vmnode/vmcore/lib/blockdev"
	"github.com/vmnode/vmcore/lib/blockjob"
	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/paths"
	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/storage"
	"github.com/vmnode/vmcore/lib/vmconfig"
	"github.com/vmnode/vmcore/lib/vmerr"
	"github.com/vmnode/vmcore/lib/volumechain"
)

// cmder is the narrow QMP surface this package depends on, satisfied by
// *qmp.Client in production and a recorder fake in tests.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

// nonDriveKeys mirrors lib/vmlifecycle's set of Section keys that never
// describe a drive.
var nonDriveKeys = map[string]bool{
	"machine": true, "cpu": true, "sockets": true, "cores": true, "threads": true,
	"numa_nodes": true, "memory": true, "hugepages": true, "lock": true,
	"digest": true, "snapstate": true, "vmstate": true, "runningmachine": true,
	"runningcpu": true, "name": true, "phys-bits": true,
}

func driveSections(sec *vmconfig.Section) map[string]drive.Drive {
	drives := make(map[string]drive.Drive)
	for _, k := range sec.Keys() {
		if nonDriveKeys[k] {
			continue
		}
		v, _ := sec.Get(k)
		d, err := drive.Parse(k, v)
		if err != nil {
			continue
		}
		drives[k] = d
	}
	return drives
}

// Manager owns one node's snapshot engine, spec §4.10.
type Manager struct {
	paths      *paths.Paths
	store      *vmconfig.Store
	storageDrv storage.Driver
}

// New returns a Manager.
func New(p *paths.Paths, store *vmconfig.Store, storageDrv storage.Driver) *Manager {
	return &Manager{paths: p, store: store, storageDrv: storageDrv}
}

// Create implements spec §4.10's snapshot-create: prepare a new section
// cloned from current, freeze the guest filesystem and dump RAM state if
// the VM is running and includeRAM is set, snapshot every drive by its
// storage-assigned method, then commit the section. Any failure aborts the
// prepared section and best-effort unwinds whatever storage-side snapshots
// already succeeded, so a failed create never leaves an orphaned
// half-snapshot behind.
func (m *Manager) Create(ctx context.Context, vmid, name string, includeRAM bool) error {
	var cfg *vmconfig.Config
	err := m.store.LockConfig(vmid, func() error {
		loaded, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.CheckLock(loaded, false, false); err != nil {
			return err
		}
		if err := vmconfig.SnapshotPrepare(loaded, name); err != nil {
			return err
		}
		cfg = loaded
		return m.store.Write(cfg, cfg.Digest)
	})
	if err != nil {
		return err
	}

	running := qemuver.IsRunningLocally(m.paths.PIDFile(vmid))
	drives := driveSections(cfg.Snapshots[name])

	var client cmder
	var real *qmp.Client
	if running {
		real = qmp.NewClient(vmid, m.paths)
		client = real
		defer real.Close()
	}

	created, snapErr := m.snapshotDrives(ctx, client, drives, name)
	if snapErr == nil && running && includeRAM {
		frz := guestFreezer{vm: client}
		frz.Freeze() // best effort; a guest without QGA simply skips the freeze
		statePath := m.paths.VMStateDir(vmid) + "/" + name
		if err := os.MkdirAll(m.paths.VMStateDir(vmid), 0o750); err != nil {
			snapErr = vmerr.Wrap(vmerr.ConfigWrite, "create vmstate dir", err)
		} else {
			snapErr = saveVMState(client, statePath)
		}
		frz.Thaw()
	}

	if snapErr != nil {
		for _, volid := range created {
			m.storageDrv.VolumeSnapshotDelete(ctx, volid, name, running)
		}
		m.store.LockConfig(vmid, func() error {
			loaded, err := m.store.Load(vmid)
			if err != nil {
				return err
			}
			vmconfig.SnapshotAbort(loaded, name)
			return m.store.Write(loaded, loaded.Digest)
		})
		return snapErr
	}

	return m.store.LockConfig(vmid, func() error {
		loaded, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.SnapshotCommit(loaded, name); err != nil {
			return err
		}
		return m.store.Write(loaded, loaded.Digest)
	})
}

// snapshotDrives snapshots every drive by its storage-assigned method,
// returning the volids it successfully snapshotted (for rollback on a
// later failure). MethodMixed on a running VM reopens the drive's qcow2
// chain live via lib/volumechain (blockdev-add/blockdev-snapshot/
// blockdev-del); every other case, and MethodMixed on a stopped VM, is a
// plain storage-side snapshot.
func (m *Manager) snapshotDrives(ctx context.Context, client cmder, drives map[string]drive.Drive, name string) (created []string, err error) {
	var chain *volumechain.Chain
	ensureChain := func() (*volumechain.Chain, error) {
		if chain != nil {
			return chain, nil
		}
		guard, err := detectGuard(client)
		if err != nil {
			return nil, err
		}
		graph := blockdev.New(client, guard)
		mon := blockjob.NewMonitor(client, graph)
		chain = volumechain.New(client, graph, m.storageDrv, mon)
		return chain, nil
	}

	for driveID, d := range drives {
		if d.File == "" || d.File == "none" || d.IsCDROM() {
			continue
		}
		method, err := m.storageDrv.VolumeQemuSnapshotMethod(ctx, d.File)
		if err != nil {
			return created, vmerr.Wrap(vmerr.StorageFailure, "snapshot method for "+d.File, err)
		}
		switch method {
		case storage.MethodStorage:
			if err := m.storageDrv.VolumeSnapshot(ctx, d.File, name); err != nil {
				return created, vmerr.Wrap(vmerr.StorageFailure, "snapshot "+d.File, err)
			}
			created = append(created, d.File)
		case storage.MethodMixed:
			if client != nil {
				c, err := ensureChain()
				if err != nil {
					return created, err
				}
				if err := m.snapshotMixedDrive(ctx, c, driveID, d, name); err != nil {
					return created, err
				}
			} else if err := m.storageDrv.VolumeSnapshot(ctx, d.File, name); err != nil {
				return created, vmerr.Wrap(vmerr.StorageFailure, "snapshot "+d.File, err)
			}
			created = append(created, d.File)
		case storage.MethodQEMU:
			// A cold (not-running) VM's MethodQEMU volumes have no
			// blockdev graph to reopen and fall back to the storage
			// driver's own snapshot.
			if err := m.storageDrv.VolumeSnapshot(ctx, d.File, name); err != nil {
				return created, vmerr.Wrap(vmerr.StorageFailure, "snapshot "+d.File, err)
			}
			created = append(created, d.File)
		}
	}
	return created, nil
}

// snapshotMixedDrive performs the external-snapshot sequence for one
// running-VM drive: storage-side rename to vol@snap, attach the renamed
// volume under a fresh node-name triple, blockdev-snapshot the live format
// node onto it, then detach the old top node.
func (m *Manager) snapshotMixedDrive(ctx context.Context, c *volumechain.Chain, driveID string, d drive.Drive, name string) error {
	opts, err := m.attachOptions(ctx, d)
	if err != nil {
		return err
	}
	cur := volumechain.Nodes{
		Top:    blockdev.TopNodeName(driveID),
		Format: blockdev.FormatNodeName(driveID, d.File, ""),
		File:   blockdev.FileNodeName(driveID, d.File, ""),
	}
	if _, err := c.CreateSnapshot(ctx, driveID, driveID, d, d.File, name, cur, opts); err != nil {
		return vmerr.Wrap(vmerr.StorageFailure, "external snapshot "+d.File, err)
	}
	return nil
}

// attachOptions mirrors lib/vmlifecycle's attachOneDrive option resolution.
func (m *Manager) attachOptions(ctx context.Context, d drive.Drive) (blockdev.Options, error) {
	path, err := m.storageDrv.Path(ctx, d.File, "")
	if err != nil {
		return blockdev.Options{}, vmerr.Wrap(vmerr.StorageFailure, "resolve path for "+d.File, err)
	}
	storeid, _, isPath := m.storageDrv.ParseVolumeID(d.File)
	directIO := !isPath && m.storageDrv.SupportsDirectIO(ctx, storeid)
	volChain, _ := m.storageDrv.VolumeHasFeature(ctx, storage.FeatureSnapshotAsVolChain, d.File, "", true)
	return blockdev.Options{
		FilePath:                  path,
		StorageDirectIO:           directIO,
		StorageSnapshotAsVolChain: volChain,
		ReadOnly:                  d.RO,
	}, nil
}

// detectGuard reads the running VM's QEMU version so blockdev/blockjob can
// gate blockdev-mirror vs legacy drive-mirror and similar version-dependent
// commands.
func detectGuard(vm cmder) (qemuver.Guard, error) {
	ret, err := vm.Cmd(qmp.PeerQMP, "query-version", nil)
	if err != nil {
		return qemuver.Guard{}, vmerr.Wrap(vmerr.CommandError, "query-version", err)
	}
	var info struct {
		QEMU struct {
			Major int `json:"major"`
			Minor int `json:"minor"`
			Micro int `json:"micro"`
		} `json:"qemu"`
	}
	if err := json.Unmarshal(ret, &info); err != nil {
		return qemuver.Guard{}, vmerr.Wrap(vmerr.ProtocolDecode, "query-version", err)
	}
	return qemuver.NewGuard(qemuver.Version{Major: info.QEMU.Major, Minor: info.QEMU.Minor, Patch: info.QEMU.Micro}), nil
}

// Rollback implements spec §4.10's snapshot-rollback: refuse while running,
// restore every drive to the named snapshot, replace the current section
// with the snapshot's frozen copy, and load the saved vmstate (if any) as
// the new current vmstate pointer.
func (m *Manager) Rollback(ctx context.Context, vmid, name string) error {
	if qemuver.IsRunningLocally(m.paths.PIDFile(vmid)) {
		return vmerr.New(vmerr.Locked, vmid+" must be stopped before rollback")
	}

	return m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		sec, ok := cfg.Snapshots[name]
		if !ok {
			return vmerr.New(vmerr.ConfigWrite, "snapshot "+name+" not found")
		}
		if err := vmconfig.SetLock(cfg, vmconfig.LockRollback); err != nil {
			return err
		}
		if err := m.store.Write(cfg, cfg.Digest); err != nil {
			return err
		}

		drives := driveSections(sec)
		for _, d := range drives {
			if d.File == "" || d.File == "none" || d.IsCDROM() {
				continue
			}
			if possible, blockers, err := m.storageDrv.VolumeRollbackIsPossible(ctx, d.File, name); err != nil {
				return vmerr.Wrap(vmerr.StorageFailure, "check rollback for "+d.File, err)
			} else if !possible {
				return vmerr.New(vmerr.StorageFailure, "rollback blocked for "+d.File+": "+joinBlockers(blockers))
			}
		}
		for _, d := range drives {
			if d.File == "" || d.File == "none" || d.IsCDROM() {
				continue
			}
			if err := m.storageDrv.VolumeSnapshotRollback(ctx, d.File, name); err != nil {
				return vmerr.Wrap(vmerr.StorageFailure, "rollback "+d.File, err)
			}
		}

		cfg.Current = sec.Clone()
		cfg.Current.Delete("snapstate")
		cfg.Current.Delete("lock")
		return m.store.Write(cfg, cfg.Digest)
	})
}

func joinBlockers(blockers []string) string {
	out := ""
	for i, b := range blockers {
		if i > 0 {
			out += "; "
		}
		out += b
	}
	return out
}

// Delete implements spec §4.10's snapshot-delete: mark the section
// snapstate=delete, free every drive's snapshot from storage, then remove
// the section entirely.
func (m *Manager) Delete(ctx context.Context, vmid, name string) error {
	running := qemuver.IsRunningLocally(m.paths.PIDFile(vmid))

	var sec *vmconfig.Section
	err := m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.DeletePrepare(cfg, name); err != nil {
			return err
		}
		sec = cfg.Snapshots[name]
		return m.store.Write(cfg, cfg.Digest)
	})
	if err != nil {
		return err
	}

	drives := driveSections(sec)
	for _, d := range drives {
		if d.File == "" || d.File == "none" || d.IsCDROM() {
			continue
		}
		if err := m.storageDrv.VolumeSnapshotDelete(ctx, d.File, name, running); err != nil {
			return vmerr.Wrap(vmerr.StorageFailure, "delete snapshot of "+d.File, err)
		}
	}
	statePath := m.paths.VMStateDir(vmid) + "/" + name
	os.Remove(statePath) // best effort; a snapshot with no RAM dump has no file here

	return m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.DeleteCommit(cfg, name); err != nil {
			return err
		}
		return m.store.Write(cfg, cfg.Digest)
	})
}

// guestFreezer brackets a snapshot with a guest filesystem freeze via the
// guest agent, satisfying lib/blockjob.FsFreezer. Both calls are best
// effort: a guest with no agent running simply proceeds unfrozen.
type guestFreezer struct {
	vm cmder
}

func (g guestFreezer) Freeze() error {
	_, err := g.vm.Cmd(qmp.PeerQGA, "guest-fsfreeze-freeze", nil)
	return err
}

func (g guestFreezer) Thaw() error {
	_, err := g.vm.Cmd(qmp.PeerQGA, "guest-fsfreeze-thaw", nil)
	return err
}

const (
	savevmPollInterval = 500 * time.Millisecond
	savevmPollBudget   = 600 // 5 minutes at savevmPollInterval, matching lib/vmlifecycle's budget
)

type savevmStatus struct {
	Status string `json:"status"`
}

// saveVMState issues savevm-start and polls query-savevm to conclusion.
// Parallels lib/vmlifecycle's runSavevm; kept separate rather than shared
// to avoid a snapshot->lifecycle import (lifecycle already depends on this
// package's sibling concerns going the other way via cmd/vmcored wiring).
func saveVMState(vm cmder, statePath string) error {
	if _, err := vm.Cmd(qmp.PeerQMP, "savevm-start", map[string]any{"statefile": statePath}); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "savevm-start", err)
	}
	for i := 0; i < savevmPollBudget; i++ {
		ret, err := vm.Cmd(qmp.PeerQMP, "query-savevm", nil)
		if err != nil {
			return vmerr.Wrap(vmerr.CommandError, "query-savevm", err)
		}
		var st savevmStatus
		if err := json.Unmarshal(ret, &st); err != nil {
			return vmerr.Wrap(vmerr.ProtocolDecode, "query-savevm", err)
		}
		switch st.Status {
		case "completed":
			return nil
		case "failed", "":
			os.Remove(statePath)
			return vmerr.New(vmerr.JobFailed, "savevm failed")
		}
		time.Sleep(savevmPollInterval)
	}
	return vmerr.New(vmerr.Timeout, "savevm-start did not complete in time")
}
