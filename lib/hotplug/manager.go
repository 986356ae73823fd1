package hotplug

import (
	"encoding/json"
	"strconv"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// cmder is the subset of *qmp.Client the hotplug manager needs.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

const (
	memoryDeviceQueryRetries = 10
	memoryDeviceQueryDelay   = 200 * time.Millisecond
)

// Manager attaches/detaches memory and CPU hotplug devices for one running VM.
type Manager struct {
	vm cmder
}

// New returns a Manager bound to a VM's QMP connection.
func New(vm cmder) *Manager {
	return &Manager{vm: vm}
}

// GrowMemory attaches the given planned DIMMs in order, rolling back every
// object/device it added so far if any step fails.
func (m *Manager) GrowMemory(dimms []Dimm, hugepagesPath string) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	for _, d := range dimms {
		memdev := map[string]any{
			"qom-type": "memory-backend-ram",
			"id":       d.MemdevID(),
			"size":     d.SizeMiB << 20,
		}
		if hugepagesPath != "" {
			memdev["qom-type"] = "memory-backend-file"
			memdev["mem-path"] = hugepagesPath
			memdev["share"] = true
			memdev["prealloc"] = true
		}
		if _, err := m.vm.Cmd(qmp.PeerQMP, "object-add", memdev); err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "object-add "+d.MemdevID(), err)
		}
		d := d
		cu.Add(func() { m.vm.Cmd(qmp.PeerQMP, "object-del", map[string]any{"id": d.MemdevID()}) })

		dev := map[string]any{
			"driver": "pc-dimm",
			"id":     d.ID(),
			"memdev": d.MemdevID(),
			"node":   d.Node,
		}
		if _, err := m.vm.Cmd(qmp.PeerQMP, "device_add", dev); err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "device_add "+d.ID(), err)
		}
		cu.Add(func() { m.vm.Cmd(qmp.PeerQMP, "device_del", map[string]any{"id": d.ID()}) })
	}

	cu.Release()
	return nil
}

type memoryDeviceInfo struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ShrinkMemory detaches the given DIMMs highest-numbered first: device_del,
// confirmed by re-querying query-memory-devices with retries, then
// object-del the backing memdev.
func (m *Manager) ShrinkMemory(dimms []Dimm) error {
	for _, d := range dimms {
		if _, err := m.vm.Cmd(qmp.PeerQMP, "device_del", map[string]any{"id": d.ID()}); err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "device_del "+d.ID(), err)
		}
		if err := m.waitDeviceGone(d.ID()); err != nil {
			return err
		}
		if _, err := m.vm.Cmd(qmp.PeerQMP, "object-del", map[string]any{"id": d.MemdevID()}); err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "object-del "+d.MemdevID(), err)
		}
	}
	return nil
}

func (m *Manager) waitDeviceGone(id string) error {
	for i := 0; i < memoryDeviceQueryRetries; i++ {
		ret, err := m.vm.Cmd(qmp.PeerQMP, "query-memory-devices", nil)
		if err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "query-memory-devices", err)
		}
		var infos []memoryDeviceInfo
		if err := json.Unmarshal(ret, &infos); err != nil {
			return vmerr.Wrap(vmerr.ProtocolDecode, "query-memory-devices", err)
		}
		gone := true
		for _, info := range infos {
			if info.Data.ID == id {
				gone = false
				break
			}
		}
		if gone {
			return nil
		}
		time.Sleep(memoryDeviceQueryDelay)
	}
	return vmerr.New(vmerr.Timeout, "device_del "+id+" did not retire in time")
}

// ScaleCPUOnline adds vCPU devices to bring the online core count from
// currentCores to targetCores, refusing if targetCores exceeds maxCpus or if
// targetCores < currentCores (downscale is unsupported per spec §4.7).
func (m *Manager) ScaleCPUOnline(cpuModel string, currentCores, targetCores, maxCpus, sockets, threads int) error {
	if targetCores < currentCores {
		return vmerr.New(vmerr.UnsupportedFeat, "CPU hotplug downscale is not supported")
	}
	if targetCores > maxCpus {
		return vmerr.New(vmerr.HotplugRefused, "target cores exceeds maxcpus")
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	for coreID := currentCores; coreID < targetCores; coreID++ {
		socketID := coreID / (maxCpus / sockets)
		args := map[string]any{
			"driver":    cpuModel + "-cpu",
			"id":        cpuDeviceID(coreID),
			"core-id":   coreID % (maxCpus / sockets),
			"socket-id": socketID,
			"thread-id": 0,
		}
		if _, err := m.vm.Cmd(qmp.PeerQMP, "device_add", args); err != nil {
			return vmerr.Wrap(vmerr.HotplugRefused, "device_add vcpu", err)
		}
		id := cpuDeviceID(coreID)
		cu.Add(func() { m.vm.Cmd(qmp.PeerQMP, "device_del", map[string]any{"id": id}) })
	}

	cu.Release()
	return nil
}

func cpuDeviceID(coreID int) string {
	return "cpu" + strconv.Itoa(coreID)
}
