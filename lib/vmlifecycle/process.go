// Package vmlifecycle drives one VM's process lifetime: building its QEMU
// command line, forking and daemonizing the process, waiting for its control
// sockets to come up, and the start/stop/reset/suspend/resume/shutdown/
// sendkey/destroy state machine layered on top (spec §4.9).
//
// Grounded on the source's QEMU process manager: detach into its own process
// group so it survives the parent exiting, redirect stdout/stderr to a
// per-VM log file, and roll the forked process back with SIGKILL if anything
// after Start fails before the caller commits to it.
package vmlifecycle

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/vmerr"
)

const (
	socketPollInterval = 50 * time.Millisecond
	socketWaitTimeout  = 10 * time.Second
)

// QEMUBinaryName returns the architecture-appropriate QEMU system emulator
// binary name.
func QEMUBinaryName() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "qemu-system-x86_64", nil
	case "arm64":
		return "qemu-system-aarch64", nil
	default:
		return "", fmt.Errorf("unsupported host architecture %q", runtime.GOARCH)
	}
}

// qemuInstallHint names the package most distros ship the binary in, for
// error messages only.
func qemuInstallHint() string {
	switch runtime.GOARCH {
	case "amd64":
		return "qemu-system-x86"
	case "arm64":
		return "qemu-system-arm"
	default:
		return "qemu"
	}
}

var searchDirs = []string{"/usr/bin", "/usr/local/bin"}

// ResolveQEMUBinary locates the QEMU binary on this host, searching the
// common install directories before falling back to PATH.
func ResolveQEMUBinary() (string, error) {
	name, err := QEMUBinaryName()
	if err != nil {
		return "", err
	}
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%s not found; install %s", name, qemuInstallHint())
}

var qemuVersionRE = regexp.MustCompile(`version (\d+\.\d+(?:\.\d+)?)`)

// DetectVersion runs "<binary> --version" and parses the reported QEMU
// version.
func DetectVersion(binary string) (qemuver.Version, error) {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return qemuver.Version{}, vmerr.Wrap(vmerr.CommandError, "qemu --version", err)
	}
	m := qemuVersionRE.FindStringSubmatch(string(out))
	if m == nil {
		return qemuver.Version{}, vmerr.New(vmerr.ProtocolDecode, "could not parse qemu --version output")
	}
	v, ok := qemuver.Parse(m[1])
	if !ok {
		return qemuver.Version{}, vmerr.New(vmerr.ProtocolDecode, "could not parse qemu version "+m[1])
	}
	return v, nil
}

// isSocketInUse dials path and reports whether something is already
// listening there — used to detect a leftover live QEMU before forking a
// new one onto the same socket paths.
func isSocketInUse(path string) bool {
	c, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// waitForSocket polls path until something accepts connections or timeout
// elapses.
func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("unix", path, socketPollInterval)
		if err == nil {
			c.Close()
			return nil
		}
		time.Sleep(socketPollInterval)
	}
	return vmerr.New(vmerr.Timeout, "timed out waiting for socket "+path)
}

// LaunchSpec describes the process a VM start should fork.
type LaunchSpec struct {
	Binary     string
	Args       []string
	LogPath    string
	PIDFile    string
	QMPSocket  string
	ExtraSockets []string // QGA/QSD sockets to also wait for, if configured
}

// Launch forks the QEMU process detached into its own process group,
// redirects its stdio to LogPath, and blocks until QMPSocket (and any
// ExtraSockets) accept connections. On any failure after the fork, the
// child is killed before returning — the caller never observes a live
// orphan from a failed start.
func Launch(spec LaunchSpec) (pid int, err error) {
	for _, sock := range append([]string{spec.QMPSocket}, spec.ExtraSockets...) {
		if sock != "" && isSocketInUse(sock) {
			return 0, vmerr.New(vmerr.SocketOpen, "socket already in use: "+sock)
		}
	}

	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o750); err != nil {
		return 0, vmerr.Wrap(vmerr.CommandError, "create log directory", err)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, vmerr.Wrap(vmerr.CommandError, "open vmm log", err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, vmerr.Wrap(vmerr.CommandError, "start qemu", err)
	}
	// The VM outlives this call; reap it in the background so it never
	// lingers as a zombie once it exits.
	go cmd.Wait()

	cu := cleanup.Make(func() { syscall.Kill(cmd.Process.Pid, syscall.SIGKILL) })
	defer cu.Clean()

	if spec.PIDFile != "" {
		if err := os.WriteFile(spec.PIDFile, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o640); err != nil {
			return 0, vmerr.Wrap(vmerr.CommandError, "write pidfile", err)
		}
	}

	if err := waitForSocket(spec.QMPSocket, socketWaitTimeout); err != nil {
		return 0, err
	}
	for _, sock := range spec.ExtraSockets {
		if sock == "" {
			continue
		}
		if err := waitForSocket(sock, socketWaitTimeout); err != nil {
			return 0, err
		}
	}

	cu.Release()
	return cmd.Process.Pid, nil
}
