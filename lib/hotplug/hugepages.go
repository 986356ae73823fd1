package hotplug

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vmnode/vmcore/lib/filelock"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// HugepageAllocator reserves hugetlbfs pages on specific host NUMA nodes,
// serialized across concurrent VM starts by a single node-global lock file.
type HugepageAllocator struct {
	lockPath string
	sysRoot  string // default /sys/devices/system/node, overridable for tests
}

// NewHugepageAllocator returns an allocator using lockPath for serialization
// and sysRoot as the sysfs NUMA node tree root.
func NewHugepageAllocator(lockPath, sysRoot string) *HugepageAllocator {
	if sysRoot == "" {
		sysRoot = "/sys/devices/system/node"
	}
	return &HugepageAllocator{lockPath: lockPath, sysRoot: sysRoot}
}

func (h *HugepageAllocator) nrPath(node, sizeKB int) string {
	return filepath.Join(h.sysRoot, fmt.Sprintf("node%d", node), "hugepages", fmt.Sprintf("hugepages-%dkB", sizeKB), "nr_hugepages")
}

func (h *HugepageAllocator) read(node, sizeKB int) (int, error) {
	data, err := os.ReadFile(h.nrPath(node, sizeKB))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (h *HugepageAllocator) write(node, sizeKB, count int) error {
	return os.WriteFile(h.nrPath(node, sizeKB), []byte(strconv.Itoa(count)+"\n"), 0o644)
}

// Request names the page count wanted on one (node, page size) pair.
type Request struct {
	Node   int
	SizeKB int
	Count  int
}

// Allocate reserves every requested (node, size) page count under the
// global hugepage lock. On any failure it rolls the entire host topology
// back to the pre-call snapshot and returns the failure.
func (h *HugepageAllocator) Allocate(reqs []Request) error {
	lock, err := filelock.Acquire(h.lockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	type snapshot struct {
		node, sizeKB, prior int
	}
	var applied []snapshot

	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			s := applied[i]
			h.write(s.node, s.sizeKB, s.prior)
		}
	}

	for _, r := range reqs {
		prior, err := h.read(r.Node, r.SizeKB)
		if err != nil {
			rollback()
			return vmerr.Wrap(vmerr.HotplugRefused, fmt.Sprintf("read nr_hugepages node%d/%dkB", r.Node, r.SizeKB), err)
		}
		if err := h.write(r.Node, r.SizeKB, r.Count); err != nil {
			rollback()
			return vmerr.Wrap(vmerr.HotplugRefused, fmt.Sprintf("write nr_hugepages node%d/%dkB", r.Node, r.SizeKB), err)
		}
		applied = append(applied, snapshot{node: r.Node, sizeKB: r.SizeKB, prior: prior})

		got, err := h.read(r.Node, r.SizeKB)
		if err != nil || got != r.Count {
			rollback()
			return vmerr.New(vmerr.HotplugRefused, fmt.Sprintf("kernel only granted %d/%d hugepages on node%d/%dkB", got, r.Count, r.Node, r.SizeKB))
		}
	}
	return nil
}
