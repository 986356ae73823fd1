package hotplug

import "fmt"

const slotsPerBank = 32

// Dimm describes one planned or attached DIMM: its bank/slot position (for
// naming and shrink ordering), size, and target NUMA node.
type Dimm struct {
	Bank    int
	Slot    int
	SizeMiB uint64
	Node    int
}

// ID returns the stable object/device id for this DIMM ("dimm<bank>-<slot>").
func (d Dimm) ID() string {
	return fmt.Sprintf("dimm%d-%d", d.Bank, d.Slot)
}

// MemdevID returns the backing memory-backend object id for this DIMM.
func (d Dimm) MemdevID() string {
	return "mem-" + d.ID()
}

// PlanDimms lays out enough DIMMs to cover hotplugMiB, starting at 512 MiB
// (1024 with 1 GiB hugepages) and doubling every 32-slot bank, distributed
// round-robin across numaNodes. The final DIMM may be sized smaller than
// its bank's nominal size to land exactly on hotplugMiB.
func PlanDimms(hotplugMiB uint64, numaNodes int, hugepages1G bool) []Dimm {
	if numaNodes < 1 {
		numaNodes = 1
	}
	size := uint64(512)
	if hugepages1G {
		size = 1024
	}

	var dimms []Dimm
	remaining := hotplugMiB
	bank, slot, node := 0, 0, 0

	for remaining > 0 {
		use := size
		if use > remaining {
			use = remaining
		}
		dimms = append(dimms, Dimm{Bank: bank, Slot: slot, SizeMiB: use, Node: node})
		remaining -= use
		node = (node + 1) % numaNodes

		slot++
		if slot >= slotsPerBank {
			slot = 0
			bank++
			size *= 2
		}
	}
	return dimms
}

// DimmsToRemove selects the highest-numbered DIMMs from attached (in
// planning order) whose combined size is at least shrinkMiB, returned in
// the order they should be removed (highest first) per spec §4.7 ("shrink
// frees the highest-numbered DIMMs first").
func DimmsToRemove(attached []Dimm, shrinkMiB uint64) []Dimm {
	var toRemove []Dimm
	var freed uint64
	for i := len(attached) - 1; i >= 0 && freed < shrinkMiB; i-- {
		toRemove = append(toRemove, attached[i])
		freed += attached[i].SizeMiB
	}
	return toRemove
}
