package vmlifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// cmder is the narrow *qmp.Client surface devices.go and lifecycle.go need.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

// scsiControllerID is the single virtio-scsi-pci controller every scsiN
// drive attaches behind.
const scsiControllerID = "scsihw0"

// ensureSCSIController cold-plugs the shared virtio-scsi-pci controller the
// first time a scsiN drive is attached; a second call is a harmless no-op
// (QEMU rejects the repeated id as a duplicate, which is tolerated here).
func ensureSCSIController(vm cmder) error {
	_, err := vm.Cmd(qmp.PeerQMP, "device_add", map[string]any{
		"driver": "virtio-scsi-pci",
		"id":     scsiControllerID,
	})
	if err != nil && !alreadyExists(err) {
		return vmerr.Wrap(vmerr.AddFailed, "device_add virtio-scsi-pci", err)
	}
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && (containsFold(err.Error(), "already") || containsFold(err.Error(), "duplicate"))
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// deviceAddArgs builds the device_add body attaching a drive's top blockdev
// node to the guest-visible bus implied by its interface.
func deviceAddArgs(deviceID, topNode string, d drive.Drive) (map[string]any, error) {
	bus, unit := d.BusIndex(false)

	switch d.Interface {
	case drive.InterfaceSCSI:
		driver := "scsi-hd"
		if d.IsCDROM() {
			driver = "scsi-cd"
		}
		return map[string]any{
			"driver":  driver,
			"drive":   topNode,
			"id":      deviceID,
			"bus":     scsiControllerID + ".0",
			"channel": 0,
			"scsi-id": bus,
			"lun":     unit,
		}, nil

	case drive.InterfaceVirtio:
		if d.IsCDROM() {
			return nil, vmerr.New(vmerr.UnsupportedFeat, "virtio interface does not support cdrom media")
		}
		args := map[string]any{
			"driver": "virtio-blk-pci",
			"drive":  topNode,
			"id":     deviceID,
		}
		if d.IOThread {
			args["iothread"] = fmt.Sprintf("iothread-%s", deviceID)
		}
		return args, nil

	case drive.InterfaceSATA:
		driver := "ide-hd"
		if d.IsCDROM() {
			driver = "ide-cd"
		}
		return map[string]any{
			"driver": driver,
			"drive":  topNode,
			"id":     deviceID,
			"bus":    fmt.Sprintf("ahci0.%d", d.Index),
		}, nil

	case drive.InterfaceIDE:
		driver := "ide-hd"
		if d.IsCDROM() {
			driver = "ide-cd"
		}
		return map[string]any{
			"driver": driver,
			"drive":  topNode,
			"id":     deviceID,
			"bus":    fmt.Sprintf("ide.%d", bus),
			"unit":   unit,
		}, nil

	default:
		return nil, vmerr.New(vmerr.UnsupportedFeat, "unknown drive interface "+string(d.Interface))
	}
}

// AttachDevice issues device_add for a drive already present in the block
// graph as topNode.
func AttachDevice(vm cmder, deviceID, topNode string, d drive.Drive) error {
	if d.Interface == drive.InterfaceSCSI {
		if err := ensureSCSIController(vm); err != nil {
			return err
		}
	}
	args, err := deviceAddArgs(deviceID, topNode, d)
	if err != nil {
		return err
	}
	if _, err := vm.Cmd(qmp.PeerQMP, "device_add", args); err != nil {
		return vmerr.Wrap(vmerr.AddFailed, "device_add "+deviceID, err)
	}
	return nil
}

// DetachDevice issues device_del for a guest-visible drive device. It does
// not wait for the device-deleted event; callers that need the removal to
// be visible before continuing should poll, following lib/hotplug's
// waitDeviceGone pattern.
func DetachDevice(vm cmder, deviceID string) error {
	if _, err := vm.Cmd(qmp.PeerQMP, "device_del", map[string]any{"id": deviceID}); err != nil {
		return vmerr.Wrap(vmerr.DelFailed, "device_del "+deviceID, err)
	}
	return nil
}
