// Package paths provides centralized path construction for a node's run
// directory and VM configuration store.
//
// Directory Structure:
//
//	{runDir}/
//	  {vmid}.qmp       QMP control socket
//	  {vmid}.qga       guest agent socket
//	  {vmid}.pid       pidfile
//	  {vmid}.migrate   migration unix socket
//	/tmp/
//	  {vmid}-ovmf.fd   scratch EFI vars file, scoped to one start
//	{configDir}/
//	  qemu-server/{vmid}.conf   persisted VM configuration
//	{lockDir}/
//	  hugepages.lck    global hugepage allocation lock
package paths

import (
	"fmt"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Paths provides typed path construction for a node's runtime state.
type Paths struct {
	runDir    string
	configDir string
	lockDir   string
}

// New creates a new Paths instance rooted at the given run/config/lock directories.
func New(runDir, configDir, lockDir string) *Paths {
	return &Paths{runDir: runDir, configDir: configDir, lockDir: lockDir}
}

// QMPSocket returns the path to a VM's QMP control socket.
func (p *Paths) QMPSocket(vmid string) string {
	return filepath.Join(p.runDir, vmid+".qmp")
}

// QGASocket returns the path to a VM's guest agent socket.
func (p *Paths) QGASocket(vmid string) string {
	return filepath.Join(p.runDir, vmid+".qga")
}

// QSDSocket returns the path to a VM's storage-daemon control socket.
func (p *Paths) QSDSocket(vmid string) string {
	return filepath.Join(p.runDir, vmid+".qsd")
}

// PIDFile returns the path to a VM's pidfile.
func (p *Paths) PIDFile(vmid string) string {
	return filepath.Join(p.runDir, vmid+".pid")
}

// MigrateSocket returns the path to a VM's migration unix socket.
func (p *Paths) MigrateSocket(vmid string) string {
	return filepath.Join(p.runDir, vmid+".migrate")
}

// EFIVarsScratch returns the scratch EFI-vars file path for a single start.
func (p *Paths) EFIVarsScratch(vmid string) string {
	return filepath.Join("/tmp", vmid+"-ovmf.fd")
}

// RunDir returns the root run directory.
func (p *Paths) RunDir() string {
	return p.runDir
}

// ConfigFile returns the path to a VM's persisted configuration file.
func (p *Paths) ConfigFile(vmid string) (string, error) {
	dir := filepath.Join(p.configDir, "qemu-server")
	return securejoin.SecureJoin(dir, fmt.Sprintf("%s.conf", vmid))
}

// ConfigTempFile returns the temp file used for an atomic-rename write of the config.
func (p *Paths) ConfigTempFile(vmid string) (string, error) {
	dir := filepath.Join(p.configDir, "qemu-server")
	return securejoin.SecureJoin(dir, fmt.Sprintf(".%s.conf.tmp", vmid))
}

// ConfigDir returns the directory holding all VM configuration files.
func (p *Paths) ConfigDir() string {
	return filepath.Join(p.configDir, "qemu-server")
}

// HugepagesLockFile returns the path to the global hugepage allocation lock.
func (p *Paths) HugepagesLockFile() string {
	return filepath.Join(p.lockDir, "hugepages.lck")
}

// HugepagesMountpoint returns the hugetlbfs mountpoint for a given page size in kB.
func (p *Paths) HugepagesMountpoint(sizeKB int) string {
	return filepath.Join("/run/hugepages/kvm", fmt.Sprintf("%dkB", sizeKB))
}

// VMStateDir returns the directory a VM's suspend-to-disk state volumes are scoped under.
func (p *Paths) VMStateDir(vmid string) string {
	return filepath.Join(p.runDir, vmid, "vmstate")
}

// LogFile returns the path QEMU's stdout/stderr are redirected to for a VM.
func (p *Paths) LogFile(vmid string) string {
	return filepath.Join(p.runDir, vmid, "vmm.log")
}
