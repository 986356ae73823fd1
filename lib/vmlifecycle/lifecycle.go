package vmlifecycle

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/vmnode/vmcore/lib/blockdev"
	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/paths"
	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/storage"
	"github.com/vmnode/vmcore/lib/vmconfig"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// nonDriveKeys are Section keys that never describe a drive; everything else
// is a candidate passed to drive.Parse.
var nonDriveKeys = map[string]bool{
	"machine": true, "cpu": true, "sockets": true, "cores": true, "threads": true,
	"numa_nodes": true, "memory": true, "hugepages": true, "lock": true,
	"digest": true, "snapstate": true, "vmstate": true, "runningmachine": true,
	"runningcpu": true, "name": true, "phys-bits": true,
}

// Manager owns one node's VM process lifecycle: starting, stopping, and the
// suspend/resume/reset/destroy state machine, spec §4.9.
type Manager struct {
	paths      *paths.Paths
	store      *vmconfig.Store
	storageDrv storage.Driver
	physBits   int
}

// New returns a Manager. physBits is the host's physical address width
// (lib/hotplug.ResolvePhysBits), used to derive each VM's max-mem ceiling.
func New(p *paths.Paths, store *vmconfig.Store, storageDrv storage.Driver, physBits int) *Manager {
	return &Manager{paths: p, store: store, storageDrv: storageDrv, physBits: physBits}
}

func driveSections(cfg *vmconfig.Config) map[string]drive.Drive {
	drives := make(map[string]drive.Drive)
	for _, k := range cfg.Current.Keys() {
		if nonDriveKeys[k] {
			continue
		}
		v, _ := cfg.Current.Get(k)
		d, err := drive.Parse(k, v)
		if err != nil {
			continue // not a drive key; config may carry other node-specific settings
		}
		drives[k] = d
	}
	return drives
}

// Start implements spec §4.9's start(): load and validate the configuration
// under lock, resolve the QEMU binary/version, fork the process, activate
// and cold-plug every drive over QMP, then release the guest to run.
// Every step after the fork is rolled back (process killed) if a later step
// fails, so a failed start never leaves an orphaned QEMU behind.
func (m *Manager) Start(ctx context.Context, vmid string) error {
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
		return err
	}

	pidFile := m.paths.PIDFile(vmid)
	if qemuver.IsRunningLocally(pidFile) {
		return vmerr.New(vmerr.Locked, vmid+" is already running")
	}

	drives := driveSections(cfg)
	volids := make([]string, 0, len(drives))
	for _, d := range drives {
		if d.File != "" && d.File != "none" && d.File != "cdrom" {
			volids = append(volids, d.File)
		}
	}
	if err := m.storageDrv.ActivateVolumes(ctx, volids, ""); err != nil {
		return vmerr.Wrap(vmerr.StorageFailure, "activate volumes", err)
	}

	binary, err := ResolveQEMUBinary()
	if err != nil {
		return vmerr.Wrap(vmerr.CommandError, "resolve qemu binary", err)
	}
	version, err := DetectVersion(binary)
	if err != nil {
		m.storageDrv.DeactivateVolumes(ctx, volids)
		return err
	}
	guard := qemuver.NewGuard(version)

	qmpSocket := m.paths.QMPSocket(vmid)
	qgaSocket := m.paths.QGASocket(vmid)
	spec := ResolveBootSpec(vmid, cfg.Current, qmpSocket, qgaSocket, pidFile, m.physBits, hugepagesPathFor(cfg.Current), false)
	args := BuildArgs(spec)

	pid, err := Launch(LaunchSpec{
		Binary:    binary,
		Args:      args,
		LogPath:   m.paths.LogFile(vmid),
		PIDFile:   pidFile,
		QMPSocket: qmpSocket,
	})
	if err != nil {
		m.storageDrv.DeactivateVolumes(ctx, volids)
		return err
	}

	if err := m.attachAndRun(ctx, vmid, cfg, drives, guard); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
		os.Remove(pidFile)
		m.storageDrv.DeactivateVolumes(ctx, volids)
		return err
	}
	return nil
}

// attachAndRun cold-plugs every configured drive over QMP and releases the
// guest vCPUs, once the process is confirmed live.
func (m *Manager) attachAndRun(ctx context.Context, vmid string, cfg *vmconfig.Config, drives map[string]drive.Drive, guard qemuver.Guard) error {
	client := qmp.NewClient(vmid, m.paths)
	defer client.Close()
	if _, err := client.Cmd(qmp.PeerQMP, "query-version", nil); err != nil {
		return vmerr.Wrap(vmerr.SocketOpen, "verify qmp connectivity", err)
	}

	graph := blockdev.New(client, guard)
	for driveID, d := range drives {
		if d.File == "" || d.File == "none" {
			continue
		}
		if err := m.attachOneDrive(ctx, graph, client, driveID, d); err != nil {
			return err
		}
	}

	if _, err := client.Cmd(qmp.PeerQMP, "cont", nil); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "cont", err)
	}
	return nil
}

func (m *Manager) attachOneDrive(ctx context.Context, graph *blockdev.Graph, client *qmp.Client, driveID string, d drive.Drive) error {
	volid := d.File
	path, err := m.storageDrv.Path(ctx, volid, "")
	if err != nil {
		return vmerr.Wrap(vmerr.StorageFailure, "resolve path for "+volid, err)
	}
	storeid, _, isPath := m.storageDrv.ParseVolumeID(volid)
	directIO := !isPath && m.storageDrv.SupportsDirectIO(ctx, storeid)
	volChain, _ := m.storageDrv.VolumeHasFeature(ctx, storage.FeatureSnapshotAsVolChain, volid, "", true)

	opts := blockdev.Options{
		FilePath:                  path,
		StorageDirectIO:           directIO,
		StorageSnapshotAsVolChain: volChain,
		ReadOnly:                  d.RO,
	}
	topNode, err := graph.Attach(driveID, volid, d, opts)
	if err != nil {
		return err
	}
	if d.IsCDROM() && d.File == "none" {
		return nil
	}
	return AttachDevice(client, driveID, topNode, d)
}

func hugepagesPathFor(sec *vmconfig.Section) string {
	v, ok := sec.Get("hugepages")
	if !ok || v == "" {
		return ""
	}
	sizeKB := 2048
	if v == "1024" {
		sizeKB = 1024 * 1024
	}
	return paths.New("", "", "").HugepagesMountpoint(sizeKB)
}

// Stop implements spec §4.9's stop(): ask QEMU to quit over QMP, escalate to
// SIGTERM then SIGKILL if it has not exited within timeout, then release
// the pidfile/sockets and (unless keepActive) the drives' storage activation.
func (m *Manager) Stop(ctx context.Context, vmid string, timeout time.Duration, keepActive bool) error {
	pidFile := m.paths.PIDFile(vmid)
	pid, running := readPID(pidFile)
	if !running {
		return nil
	}

	client := qmp.NewClient(vmid, m.paths)
	client.Cmd(qmp.PeerQMP, "quit", nil)

	if !waitForExit(pid, timeout) {
		syscall.Kill(pid, syscall.SIGTERM)
		if !waitForExit(pid, timeout) {
			syscall.Kill(pid, syscall.SIGKILL)
			waitForExit(pid, socketWaitTimeout)
		}
	}
	client.Close()

	os.Remove(pidFile)
	os.Remove(m.paths.QMPSocket(vmid))
	os.Remove(m.paths.QGASocket(vmid))

	if !keepActive {
		cfg, err := m.store.Load(vmid)
		if err == nil {
			drives := driveSections(cfg)
			volids := make([]string, 0, len(drives))
			for _, d := range drives {
				if d.File != "" && d.File != "none" && d.File != "cdrom" {
					volids = append(volids, d.File)
				}
			}
			m.storageDrv.DeactivateVolumes(ctx, volids)
		}
	}
	return nil
}

// Shutdown requests a graceful guest power-off over ACPI, falling back to
// Stop's hard escalation if the guest does not comply within timeout.
func (m *Manager) Shutdown(ctx context.Context, vmid string, timeout time.Duration) error {
	pidFile := m.paths.PIDFile(vmid)
	pid, running := readPID(pidFile)
	if !running {
		return vmerr.New(vmerr.NotRunning, vmid+" is not running")
	}

	client := qmp.NewClient(vmid, m.paths)
	if _, err := client.Cmd(qmp.PeerQMP, "system_powerdown", nil); err != nil {
		client.Close()
		return vmerr.Wrap(vmerr.CommandError, "system_powerdown", err)
	}
	if waitForExit(pid, timeout) {
		client.Close()
		os.Remove(pidFile)
		return nil
	}
	client.Close()
	return m.Stop(ctx, vmid, timeout, false)
}

// resetVM issues a hard guest reset without tearing down the process.
func resetVM(vm cmder) error {
	if _, err := vm.Cmd(qmp.PeerQMP, "system_reset", nil); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "system_reset", err)
	}
	return nil
}

// resumeVM un-pauses a running VM (qmp "cont"). It does not handle resuming
// from a suspend-to-disk image — that goes through Start with a vmstate
// volume, since the guest's vCPUs do not exist until the process forks.
func resumeVM(vm cmder) error {
	if _, err := vm.Cmd(qmp.PeerQMP, "cont", nil); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "cont", err)
	}
	return nil
}

// sendKey forwards a qcode key sequence to the guest.
func sendKey(vm cmder, qcodes []string) error {
	keys := make([]map[string]any, 0, len(qcodes))
	for _, qc := range qcodes {
		keys = append(keys, map[string]any{"type": "qcode", "data": qc})
	}
	if _, err := vm.Cmd(qmp.PeerQMP, "send-key", map[string]any{"keys": keys}); err != nil {
		return vmerr.Wrap(vmerr.CommandError, "send-key", err)
	}
	return nil
}

// Reset issues a hard guest reset without tearing down the process.
func (m *Manager) Reset(vmid string) error {
	client := qmp.NewClient(vmid, m.paths)
	defer client.Close()
	return resetVM(client)
}

// Resume un-pauses a running VM. See resumeVM's doc for the suspend-to-disk
// caveat.
func (m *Manager) Resume(vmid string) error {
	client := qmp.NewClient(vmid, m.paths)
	defer client.Close()
	return resumeVM(client)
}

// SendKey forwards a qcode key sequence to the guest.
func (m *Manager) SendKey(vmid string, qcodes []string) error {
	client := qmp.NewClient(vmid, m.paths)
	defer client.Close()
	return sendKey(client, qcodes)
}

const (
	savevmPollInterval = 500 * time.Millisecond
	savevmPollBudget    = 600 // 5 minutes at savevmPollInterval
)

type savevmStatus struct {
	Status string `json:"status"`
}

// Suspend implements the suspend-to-disk half of spec §4.9: lock the
// config as suspending, issue savevm-start against statePath, poll until
// the dump completes, then (only on success) flip the lock to suspended. A
// failure leaves the lock at suspending — the invariant is that a partial
// vmstate dump must never look like a clean suspend; the caller is
// expected to investigate and either retry or force-clear the lock.
func (m *Manager) Suspend(ctx context.Context, vmid, statePath string) error {
	err := m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		if err := vmconfig.SetLock(cfg, vmconfig.LockSuspending); err != nil {
			return err
		}
		return m.store.Write(cfg, cfg.Digest)
	})
	if err != nil {
		return err
	}

	client := qmp.NewClient(vmid, m.paths)
	defer client.Close()

	if err := runSavevm(client, statePath); err != nil {
		return err
	}
	return m.finishSuspend(vmid, statePath)
}

// runSavevm issues savevm-start and polls query-savevm until it reports
// completed or failed, or the poll budget is exhausted.
func runSavevm(vm cmder, statePath string) error {
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

func (m *Manager) finishSuspend(vmid, statePath string) error {
	return m.store.LockConfig(vmid, func() error {
		cfg, err := m.store.Load(vmid)
		if err != nil {
			return err
		}
		cfg.Current.Set("vmstate", statePath)
		if err := vmconfig.SetLock(cfg, vmconfig.LockSuspended); err != nil {
			return err
		}
		return m.store.Write(cfg, cfg.Digest)
	})
}

// Destroy implements spec §4.9's destroy(): refuse while running, free
// every volume this VM owns (including snapshot-chain artifacts recorded
// in the snapshot sections), then remove its configuration file.
func (m *Manager) Destroy(ctx context.Context, vmid string) error {
	if qemuver.IsRunningLocally(m.paths.PIDFile(vmid)) {
		return vmerr.New(vmerr.Locked, vmid+" must be stopped before it can be destroyed")
	}
	cfg, err := m.store.Load(vmid)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, d := range driveSections(cfg) {
		if d.File == "" || d.File == "none" || d.File == "cdrom" || seen[d.File] {
			continue
		}
		seen[d.File] = true
		if err := m.storageDrv.VdiskFree(ctx, d.File); err != nil {
			return vmerr.Wrap(vmerr.StorageFailure, "vdisk_free "+d.File, err)
		}
	}
	for name, sec := range cfg.Snapshots {
		for _, d := range driveSections(&vmconfig.Config{Current: sec}) {
			if d.File == "" || d.File == "none" || seen[d.File] {
				continue
			}
			seen[d.File] = true
			if err := m.storageDrv.VdiskFree(ctx, d.File); err != nil {
				return vmerr.Wrap(vmerr.StorageFailure, "vdisk_free "+name+"/"+d.File, err)
			}
		}
	}

	cfgFile, err := m.paths.ConfigFile(vmid)
	if err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "resolve config path", err)
	}
	if err := os.Remove(cfgFile); err != nil && !os.IsNotExist(err) {
		return vmerr.Wrap(vmerr.ConfigWrite, "remove config", err)
	}
	os.Remove(m.paths.PIDFile(vmid))
	os.Remove(m.paths.QMPSocket(vmid))
	os.Remove(m.paths.QGASocket(vmid))
	return nil
}

func readPID(pidFile string) (pid int, running bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil || n <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(n)
	if err != nil {
		return 0, false
	}
	return n, proc.Signal(syscall.Signal(0)) == nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return syscall.Kill(pid, syscall.Signal(0)) != nil
}
