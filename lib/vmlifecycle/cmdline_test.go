package vmlifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs_OmitsDisksAndNetdevs(t *testing.T) {
	spec := BootSpec{
		Machine: "pc-q35-9.2", CPUType: "host",
		Sockets: 1, Cores: 2, Threads: 1, NUMANodes: 1,
		StaticMemMiB: 2048, MaxMemMiB: 65536,
		QMPSocket: "/run/100.qmp", QGASocket: "/run/100.qga", PIDFile: "/run/100.pid",
	}
	args := BuildArgs(spec)
	joined := strings.Join(args, " ")

	assert.NotContains(t, joined, "-drive")
	assert.NotContains(t, joined, "-blockdev")
	assert.NotContains(t, joined, "-netdev")
	assert.Contains(t, joined, "-machine pc-q35-9.2,usb=off")
	assert.Contains(t, joined, "-S")
	assert.Contains(t, joined, "-pidfile /run/100.pid")
}

func TestBuildArgs_IncomingAddsDeferFlag(t *testing.T) {
	spec := BootSpec{Machine: "pc-q35-9.2", QMPSocket: "/run/100.qmp", Incoming: true}
	args := BuildArgs(spec)
	require.Contains(t, args, "-incoming")
	idx := indexOf(args, "-incoming")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "defer", args[idx+1])
}

func TestBuildArgs_HugepagesUsesMemoryBackendFile(t *testing.T) {
	spec := BootSpec{Machine: "pc-q35-9.2", QMPSocket: "/s", NUMANodes: 1, StaticMemMiB: 1024, HugepagesPath: "/run/hugepages/kvm/2048kB"}
	args := BuildArgs(spec)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "memory-backend-file")
	assert.Contains(t, joined, "mem-path=/run/hugepages/kvm/2048kB")
}

func TestBuildArgs_DefaultsToMemoryBackendRAM(t *testing.T) {
	spec := BootSpec{Machine: "pc-q35-9.2", QMPSocket: "/s", NUMANodes: 2, StaticMemMiB: 4096}
	args := BuildArgs(spec)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "memory-backend-ram,id=mem-static-0")
	assert.Contains(t, joined, "memory-backend-ram,id=mem-static-1")
	assert.Contains(t, joined, "-numa node,nodeid=0,memdev=mem-static-0")
	assert.Contains(t, joined, "-numa node,nodeid=1,memdev=mem-static-1")
}

func TestSMPArg_DefaultsAllToOne(t *testing.T) {
	got := smpArg(BootSpec{})
	assert.Equal(t, "cpus=1,sockets=1,cores=1,threads=1,maxcpus=1", got)
}

func TestSMPArg_ComputesTotalFromTopology(t *testing.T) {
	got := smpArg(BootSpec{Sockets: 2, Cores: 4, Threads: 2})
	assert.Equal(t, "cpus=16,sockets=2,cores=4,threads=2,maxcpus=16", got)
}

func TestResolveBootSpec_FallsBackToDefaultsOnMissingKeys(t *testing.T) {
	sec := newTestSection(t, nil)
	spec := ResolveBootSpec("100", sec, "/q", "/g", "/p", 40, "", false)
	assert.Equal(t, "pc-q35-9.2", spec.Machine)
	assert.Equal(t, 1, spec.Sockets)
	assert.Equal(t, uint64(512), spec.StaticMemMiB)
}

func TestResolveBootSpec_ReadsConfiguredValues(t *testing.T) {
	sec := newTestSection(t, map[string]string{"machine": "pc-i440fx-9.0", "cores": "4", "memory": "8192"})
	spec := ResolveBootSpec("100", sec, "/q", "/g", "/p", 40, "", false)
	assert.Equal(t, "pc-i440fx-9.0", spec.Machine)
	assert.Equal(t, 4, spec.Cores)
	assert.Equal(t, uint64(8192), spec.StaticMemMiB)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
