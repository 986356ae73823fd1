package vmlifecycle

import (
	"fmt"
	"strconv"

	"github.com/vmnode/vmcore/lib/hotplug"
	"github.com/vmnode/vmcore/lib/vmconfig"
)

// BootSpec carries the handful of values BuildArgs needs beyond what a
// Section exposes directly — resolved paths and host facts the core
// computes (lib/hotplug's phys-bits/hugepage math, lib/paths' socket
// layout), not raw config strings.
type BootSpec struct {
	VMID string

	Machine string // e.g. "pc-q35-9.2"
	CPUType string
	Sockets int
	Cores   int
	Threads int
	NUMANodes int

	StaticMemMiB  uint64
	MaxMemMiB     uint64
	Hugepages1G   bool
	HugepagesPath string // non-empty to back memory with memfd/hugetlbfs

	QMPSocket string
	QGASocket string
	PIDFile   string

	Incoming bool // true when this start is a migration target
}

// BuildArgs assembles a minimal QEMU command line: machine topology, memory
// (including the static-floor/max-mem hotplug region, spec §4.7), the QMP
// and guest-agent chardevs, and the pidfile. Disks are deliberately absent —
// every block node is cold-plugged over QMP once the process is up
// (blockdev.Graph.Attach), so the command line and the hotplug path share
// one code path instead of two. No network devices are emitted here, and
// Start attaches none.
func BuildArgs(spec BootSpec) []string {
	args := []string{"-nodefaults", "-no-user-config"}
	args = append(args, "-machine", spec.Machine+",usb=off")
	if spec.CPUType != "" {
		args = append(args, "-cpu", spec.CPUType)
	}
	args = append(args, "-smp", smpArg(spec))
	args = append(args, memoryArgs(spec)...)
	args = append(args, numaArgs(spec)...)

	args = append(args, "-chardev", fmt.Sprintf("socket,id=qmp,path=%s,server=on,wait=off", spec.QMPSocket))
	args = append(args, "-mon", "chardev=qmp,mode=control")
	if spec.QGASocket != "" {
		args = append(args, "-chardev", fmt.Sprintf("socket,id=qga0,path=%s,server=on,wait=off", spec.QGASocket))
		args = append(args, "-device", "virtio-serial")
		args = append(args, "-device", "virtserialport,chardev=qga0,name=org.qemu.guest_agent.0")
	}
	if spec.PIDFile != "" {
		args = append(args, "-pidfile", spec.PIDFile)
	}
	if spec.Incoming {
		args = append(args, "-incoming", "defer")
	}
	args = append(args, "-S") // start stopped: disks are hot-added before the first "cont"
	return args
}

func smpArg(spec BootSpec) string {
	sockets, cores, threads := spec.Sockets, spec.Cores, spec.Threads
	if sockets == 0 {
		sockets = 1
	}
	if cores == 0 {
		cores = 1
	}
	if threads == 0 {
		threads = 1
	}
	total := sockets * cores * threads
	maxCpus := total
	return fmt.Sprintf("cpus=%d,sockets=%d,cores=%d,threads=%d,maxcpus=%d", total, sockets, cores, threads, maxCpus)
}

// memoryArgs emits -m with the static floor and maximum hotpluggable size,
// plus one -object memory-backend-* per NUMA node for the static floor
// itself (spec §4.7's DIMM-based growth starts from this base).
func memoryArgs(spec BootSpec) []string {
	slots := 32 * max(1, spec.NUMANodes) // one hotplug bank per node, spec §4.7
	args := []string{"-m", fmt.Sprintf("size=%dM,slots=%d,maxmem=%dM", spec.StaticMemMiB, slots, spec.MaxMemMiB)}

	perNode := spec.StaticMemMiB / uint64(max(1, spec.NUMANodes))
	for n := 0; n < max(1, spec.NUMANodes); n++ {
		id := fmt.Sprintf("mem-static-%d", n)
		if spec.HugepagesPath != "" {
			args = append(args, "-object", fmt.Sprintf("memory-backend-file,id=%s,size=%dM,mem-path=%s,share=on,prealloc=on", id, perNode, spec.HugepagesPath))
		} else {
			args = append(args, "-object", fmt.Sprintf("memory-backend-ram,id=%s,size=%dM", id, perNode))
		}
	}
	return args
}

func numaArgs(spec BootSpec) []string {
	n := max(1, spec.NUMANodes)
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		args = append(args, "-numa", fmt.Sprintf("node,nodeid=%d,memdev=mem-static-%d", i, i))
	}
	return args
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ResolveBootSpec derives a BootSpec from a persisted configuration section
// and the phys-bits-derived max-mem lib/hotplug computes. StaticMemMiB is
// the section's memory value as written (512 if absent); no DIMM layout is
// planned here.
func ResolveBootSpec(vmid string, sec *vmconfig.Section, qmpSocket, qgaSocket, pidFile string, physBits int, hugepagesPath string, incoming bool) BootSpec {
	get := func(k, def string) string {
		if v, ok := sec.Get(k); ok && v != "" {
			return v
		}
		return def
	}
	atoi := func(k string, def int) int {
		v, ok := sec.Get(k)
		if !ok {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	sockets := atoi("sockets", 1)
	numaNodes := atoi("numa_nodes", 1)
	memMiB := uint64(atoi("memory", 512))
	hugepages1G := get("hugepages", "") == "1024"

	return BootSpec{
		VMID:          vmid,
		Machine:       get("machine", "pc-q35-9.2"),
		CPUType:       get("cpu", "host"),
		Sockets:       sockets,
		Cores:         atoi("cores", 1),
		Threads:       atoi("threads", 1),
		NUMANodes:     numaNodes,
		StaticMemMiB:  memMiB,
		MaxMemMiB:     hotplug.MaxMemMiB(physBits),
		Hugepages1G:   hugepages1G,
		HugepagesPath: hugepagesPath,
		QMPSocket:     qmpSocket,
		QGASocket:     qgaSocket,
		PIDFile:       pidFile,
		Incoming:      incoming,
	}
}
