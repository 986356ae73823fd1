// Package hotplug implements memory and CPU hotplug: DIMM bank/slot
// planning, hugepage allocation under a node-global lock, and QMP-driven
// attach/detach of the resulting devices.
package hotplug

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/vmnode/vmcore/lib/vmerr"
)

const (
	// StaticFloorMiB is the baseline memory size below the hotplug region,
	// multiplied by the socket count when 1 GiB hugepages back memory.
	StaticFloorMiB uint64 = 1024
	// MaxMemCapMiB bounds max_mem regardless of phys-bits (4 TiB).
	MaxMemCapMiB uint64 = 4 << 20
)

// MaxMemMiB derives max_mem from a CPU's physical address width: 1<<(bits-21)
// MiB, capped at MaxMemCapMiB.
func MaxMemMiB(physBits int) uint64 {
	if physBits <= 21 {
		return 0
	}
	shift := uint(physBits - 21)
	if shift >= 63 {
		return MaxMemCapMiB
	}
	v := uint64(1) << shift
	if v > MaxMemCapMiB {
		return MaxMemCapMiB
	}
	return v
}

// StaticFloor returns the static (non-hotpluggable) memory size for sockets
// sockets: StaticFloorMiB, multiplied by sockets when hugepages1G is set.
func StaticFloor(sockets int, hugepages1G bool) uint64 {
	if sockets < 1 {
		sockets = 1
	}
	if hugepages1G {
		return StaticFloorMiB * uint64(sockets)
	}
	return StaticFloorMiB
}

// DetectPhysBits reads the host's physical address width from
// /proc/cpuinfo's "address sizes" line ("46 bits physical, 48 bits
// virtual"). Returns false if the host doesn't expose it (non-x86, or the
// kernel hid it).
func DetectPhysBits() (int, bool) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "address sizes") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) == 0 {
			continue
		}
		bits, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		return bits, true
	}
	return 0, false
}

// ResolvePhysBits resolves the phys-bits setting: an explicit value, "host"
// (detect from /proc/cpuinfo), or a caller-supplied fallback for when
// detection fails.
func ResolvePhysBits(configured string, fallback int) (int, error) {
	switch configured {
	case "", "host":
		if bits, ok := DetectPhysBits(); ok {
			return bits, nil
		}
		if fallback > 0 {
			return fallback, nil
		}
		return 0, vmerr.New(vmerr.UnsupportedFeat, "phys-bits=host could not be detected and no fallback given")
	default:
		bits, err := strconv.Atoi(configured)
		if err != nil {
			return 0, vmerr.Wrap(vmerr.UnsupportedFeat, "invalid phys-bits value "+configured, err)
		}
		return bits, nil
	}
}
