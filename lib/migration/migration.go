// Package migration drives cross-node live migration of a running VM in
// three phases — pre-check, setup, cutover — matching the source's
// migrate_vm sequencing. Spawning commands on the target node (querying
// free resources, starting the target QEMU process in listening mode,
// tearing down on failure) is modeled as a narrow TargetRunner interface
// rather than an embedded SSH client: the transport used to reach another
// node's shell is itself an external collaborator, exactly like
// lib/storage.Driver abstracts the storage backend.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/vmnode/vmcore/lib/blockdev"
	"github.com/vmnode/vmcore/lib/blockjob"
	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/paths"
	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/storage"
	"github.com/vmnode/vmcore/lib/vmconfig"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// cmder is the narrow QMP surface this package depends on.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

// TargetRunner spawns and queries processes on the migration target node.
// An SSH-backed implementation lives outside this package; this interface
// is the only thing migration depends on to reach the other host.
type TargetRunner interface {
	// StartTarget launches a listening QEMU process for vmid on the
	// target, passing the serialized boot spec, and returns the TCP/unix
	// address its incoming migration channel listens on.
	StartTarget(ctx context.Context, vmid string, bootArgs []string) (migrateAddr string, err error)
	// CheckResources reports whether the target node currently has enough
	// free memory/CPU to host the VM described by cfg.
	CheckResources(ctx context.Context, cfg *vmconfig.Config) (ok bool, reason string, err error)
	// AbortTarget tears down a target process started by StartTarget,
	// used to unwind a failed setup/cutover.
	AbortTarget(ctx context.Context, vmid string) error
	// PrepareDiskMirror allocates a volume on the target node sized for d,
	// exposes it over NBD, and returns the export this node's
	// blockdev-mirror should target. Called once per StrategyDriveMirror/
	// StrategyStorageMigrate disk during Setup.
	PrepareDiskMirror(ctx context.Context, vmid, driveID string, d drive.Drive) (MirrorTarget, error)
}

// MirrorTarget is the NBD export a source-side drive-mirror writes into,
// set up on the target node before the mirror job starts.
type MirrorTarget struct {
	ExportName string
	Addr       string // host:port of the target's NBD server
}

// Strategy names how one drive's data reaches the target node.
type Strategy string

const (
	// StrategyShared: the volume lives on storage already visible from
	// both nodes (e.g. NFS/Ceph) — no data movement, only an activation
	// handoff.
	StrategyShared Strategy = "shared"
	// StrategyReplicated: the storage backend maintains its own
	// replication to the target (e.g. ZFS send/receive) — migration
	// triggers a final sync, not a full copy.
	StrategyReplicated Strategy = "replicated"
	// StrategyStorageMigrate: the storage driver copies the volume to the
	// target out-of-band (storage.Driver has no in-core method for this;
	// it is invoked through the same VdiskAlloc/Path contract on the
	// target node via TargetRunner, then a drive-mirror as described
	// below reconciles any writes since the copy started).
	StrategyStorageMigrate Strategy = "storage-migrate"
	// StrategyDriveMirror: QEMU itself streams the volume to an NBD
	// export on the target via blockdev-mirror, the fallback for
	// non-shared, non-replicated local storage.
	StrategyDriveMirror Strategy = "drive-mirror"
)

// DiskPlan is the classification decision for one drive.
type DiskPlan struct {
	DriveID  string
	Drive    drive.Drive
	Strategy Strategy
}

// ClassifyDisks decides each drive's Strategy from its storage pool's
// capabilities, spec §4.11's per-disk strategy table.
func ClassifyDisks(ctx context.Context, storageDrv storage.Driver, drives map[string]drive.Drive) ([]DiskPlan, error) {
	ids := lo.Keys(drives)
	plans := make([]DiskPlan, 0, len(ids))
	for _, id := range ids {
		d := drives[id]
		if d.File == "" || d.File == "none" || d.IsCDROM() {
			continue
		}
		storeid, _, isPath := storageDrv.ParseVolumeID(d.File)
		if isPath {
			plans = append(plans, DiskPlan{DriveID: id, Drive: d, Strategy: StrategyDriveMirror})
			continue
		}
		cfg, err := storageDrv.StorageConfig(ctx, storeid)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.StorageFailure, "storage config for "+storeid, err)
		}
		switch {
		case cfg.Shared:
			plans = append(plans, DiskPlan{DriveID: id, Drive: d, Strategy: StrategyShared})
		default:
			hasClone, err := storageDrv.VolumeHasFeature(ctx, storage.FeatureClone, d.File, "", true)
			if err != nil {
				return nil, vmerr.Wrap(vmerr.StorageFailure, "feature check for "+d.File, err)
			}
			if hasClone {
				plans = append(plans, DiskPlan{DriveID: id, Drive: d, Strategy: StrategyStorageMigrate})
			} else {
				plans = append(plans, DiskPlan{DriveID: id, Drive: d, Strategy: StrategyDriveMirror})
			}
		}
	}
	return plans, nil
}

// Job tracks one in-flight migration's identity and plan. mon/graph/mirrors
// are populated by Setup and consumed by Cutover; a Job built directly by a
// caller that never calls Setup (e.g. a shared-storage-only migration) has
// them nil/empty, and Cutover treats that as "nothing to mirror".
type Job struct {
	ID     string
	VMID   string
	Target string
	Plans  []DiskPlan

	mon     *blockjob.Monitor
	graph   *blockdev.Graph
	mirrors []*blockjob.Job
}

// Manager drives the three-phase migration protocol for one node.
type Manager struct {
	paths   *paths.Paths
	store   *vmconfig.Store
	storage storage.Driver
	runner  TargetRunner
}

// New returns a Manager.
func New(p *paths.Paths, store *vmconfig.Store, storageDrv storage.Driver, runner TargetRunner) *Manager {
	return &Manager{paths: p, store: store, storage: storageDrv, runner: runner}
}

// PreCheck implements spec §4.11's pre-check phase: load the config under
// lock, reject if already locked for something else, classify every disk,
// and ask the target whether it has room. Nothing is mutated yet; PreCheck
// is safe to call repeatedly while the operator decides whether to
// proceed.
func (m *Manager) PreCheck(ctx context.Context, vmid, target string) (*Job, error) {
	var cfg *vmconfig.Config
	err := m.store.LockConfig(vmid, func() error {
		loaded, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.CheckLock(loaded, false, false); err != nil {
			return err
		}
		cfg = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	ok, reason, err := m.runner.CheckResources(ctx, cfg)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.StorageFailure, "check target resources", err)
	}
	if !ok {
		return nil, vmerr.New(vmerr.HotplugRefused, "target cannot host "+vmid+": "+reason)
	}

	drives := driveSections(cfg.Current)
	plans, err := ClassifyDisks(ctx, m.storage, drives)
	if err != nil {
		return nil, err
	}

	return &Job{ID: "mig-" + cuid2.Generate(), VMID: vmid, Target: target, Plans: plans}, nil
}

// Setup implements spec §4.11's setup phase: lock the config for
// migration, start the target QEMU process in listening mode, and begin
// copying every non-shared disk. Storage-migrate and drive-mirror disks
// both get a blockdev-mirror against an NBD export the target prepares
// (storage-migrate's out-of-band clone becomes the mirror's initial sync
// source on the target side; drive-mirror has no such head start) with
// completion=skip — Cutover decides how each mirror concludes. Failure at
// any step aborts the target process and clears the lock.
func (m *Manager) Setup(ctx context.Context, job *Job, vm cmder, bootArgs []string) (migrateAddr string, err error) {
	var cfg *vmconfig.Config
	err = m.store.LockConfig(job.VMID, func() error {
		loaded, err := m.store.Load(job.VMID)
		if err != nil {
			return err
		}
		if err := vmconfig.SetLock(loaded, vmconfig.LockMigrate); err != nil {
			return err
		}
		cfg = loaded
		return m.store.Write(cfg, cfg.Digest)
	})
	if err != nil {
		return "", err
	}

	addr, err := m.runner.StartTarget(ctx, job.VMID, bootArgs)
	if err != nil {
		m.clearMigrateLock(job.VMID)
		return "", vmerr.Wrap(vmerr.CommandError, "start target process", err)
	}

	if err := enableMigrationCapabilities(vm); err != nil {
		m.runner.AbortTarget(ctx, job.VMID)
		m.clearMigrateLock(job.VMID)
		return "", err
	}

	if err := m.setupMirrors(ctx, job, vm); err != nil {
		m.runner.AbortTarget(ctx, job.VMID)
		m.clearMigrateLock(job.VMID)
		return "", err
	}

	return addr, nil
}

// setupMirrors starts a blockdev-mirror for every disk plan moving data
// over the network (StrategyDriveMirror, and StrategyStorageMigrate's
// final reconciliation pass), tracking them on job for Cutover to drive to
// conclusion.
func (m *Manager) setupMirrors(ctx context.Context, job *Job, vm cmder) error {
	needsMirror := lo.Filter(job.Plans, func(p DiskPlan, _ int) bool {
		return p.Strategy == StrategyDriveMirror || p.Strategy == StrategyStorageMigrate
	})
	if len(needsMirror) == 0 {
		return nil
	}

	guard, err := detectGuard(vm)
	if err != nil {
		return err
	}
	graph := blockdev.New(vm, guard)
	mon := blockjob.NewMonitor(vm, graph)

	for _, plan := range needsMirror {
		target, err := m.runner.PrepareDiskMirror(ctx, job.VMID, plan.DriveID, plan.Drive)
		if err != nil {
			return vmerr.Wrap(vmerr.StorageFailure, "prepare mirror target for "+plan.DriveID, err)
		}
		targetNode, err := attachMirrorTarget(vm, plan.DriveID, target)
		if err != nil {
			return err
		}
		spec := blockjob.MirrorSpec{
			DeviceID:   plan.DriveID,
			JobID:      "mirror-" + plan.DriveID,
			SourceNode: blockdev.TopNodeName(plan.DriveID),
			TargetNode: targetNode,
			Sync:       "full",
		}
		j, err := blockjob.StartMirror(vm, mon, guard, spec)
		if err != nil {
			return err
		}
		j.Completion = blockjob.ModeSkip
		job.mirrors = append(job.mirrors, j)
	}

	job.mon = mon
	job.graph = graph
	return nil
}

// attachMirrorTarget blockdev-adds an nbd-client node for the target's
// export, the node a drive-mirror job writes into.
func attachMirrorTarget(vm cmder, driveID string, target MirrorTarget) (string, error) {
	host, port, err := net.SplitHostPort(target.Addr)
	if err != nil {
		return "", vmerr.Wrap(vmerr.CommandError, "parse mirror target address", err)
	}
	nodeName := "mirror-" + driveID
	tree := map[string]any{
		"node-name": nodeName,
		"driver":    "nbd",
		"server":    map[string]any{"type": "inet", "host": host, "port": port},
		"export":    target.ExportName,
	}
	if _, err := vm.Cmd(qmp.PeerQMP, "blockdev-add", tree); err != nil {
		return "", vmerr.Wrap(vmerr.AddFailed, "blockdev-add mirror target for "+driveID, err)
	}
	return nodeName, nil
}

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

// Cutover implements spec §4.11's cutover phase: issue the QMP migrate
// command at the target's incoming address, poll query-migrate to
// conclusion, and — only on a completed migration — complete every
// tracked mirror (block-job-complete, detaching the now-stale source node)
// and release this node's resources by clearing the lock. A failed or
// cancelled migration cancels every tracked mirror (block-job-cancel,
// detaching the stale target node) and leaves the VM running locally.
func (m *Manager) Cutover(ctx context.Context, job *Job, vm cmder, migrateAddr string) error {
	if _, err := vm.Cmd(qmp.PeerQMP, "migrate", map[string]any{"uri": migrateAddr}); err != nil {
		m.abortMirrors(job)
		m.runner.AbortTarget(ctx, job.VMID)
		m.clearMigrateLock(job.VMID)
		return vmerr.Wrap(vmerr.JobFailed, "migrate", err)
	}

	if err := pollMigration(vm); err != nil {
		m.abortMirrors(job)
		m.runner.AbortTarget(ctx, job.VMID)
		m.clearMigrateLock(job.VMID)
		return err
	}

	if err := m.completeMirrors(job); err != nil {
		m.runner.AbortTarget(ctx, job.VMID)
		m.clearMigrateLock(job.VMID)
		return err
	}

	return m.clearMigrateLock(job.VMID)
}

// completeMirrors drives every tracked mirror to block-job-complete and
// detaches the now-stale source node for each — Monitor only auto-detaches
// on failure, so a successful completion's cleanup is this caller's job.
func (m *Manager) completeMirrors(job *Job) error {
	if job.mon == nil || len(job.mirrors) == 0 {
		return nil
	}
	if err := job.mon.RunBudgeted(blockjob.ModeComplete); err != nil {
		return err
	}
	for _, j := range job.mirrors {
		job.graph.Detach(j.SourceNodeName)
	}
	return nil
}

// abortMirrors cancels every tracked mirror regardless of ready state and
// detaches the now-stale target node for each, used when the migration
// itself failed after mirrors had already started.
func (m *Manager) abortMirrors(job *Job) {
	if job.mon == nil {
		return
	}
	job.mon.CancelAll()
	for _, j := range job.mirrors {
		job.graph.Detach(j.TargetNodeName)
	}
}

func (m *Manager) clearMigrateLock(vmid string) error {
	return m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.ClearLock(cfg); err != nil {
			return err
		}
		return m.store.Write(cfg, cfg.Digest)
	})
}

func enableMigrationCapabilities(vm cmder) error {
	caps := []map[string]any{
		{"capability": "events", "state": true},
		{"capability": "pause-before-switchover", "state": false},
	}
	if _, err := vm.Cmd(qmp.PeerQMP, "migrate-set-capabilities", map[string]any{"capabilities": caps}); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "migrate-set-capabilities", err)
	}
	return nil
}

const (
	migratePollInterval = time.Second
	migratePollBudget   = 3600 // one hour at migratePollInterval
)

type migrateStatus struct {
	Status string `json:"status"`
}

// pollMigration polls query-migrate until QEMU reports a terminal status.
func pollMigration(vm cmder) error {
	for i := 0; i < migratePollBudget; i++ {
		ret, err := vm.Cmd(qmp.PeerQMP, "query-migrate", nil)
		if err != nil {
			return vmerr.Wrap(vmerr.CommandError, "query-migrate", err)
		}
		var st migrateStatus
		if err := json.Unmarshal(ret, &st); err != nil {
			return vmerr.Wrap(vmerr.ProtocolDecode, "query-migrate", err)
		}
		switch st.Status {
		case "completed":
			return nil
		case "failed":
			return vmerr.New(vmerr.JobFailed, "migration failed")
		case "cancelled":
			return vmerr.New(vmerr.JobFailed, "migration cancelled")
		}
		time.Sleep(migratePollInterval)
	}
	return vmerr.New(vmerr.Timeout, fmt.Sprintf("migration did not complete within %d polls", migratePollBudget))
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
