package vmlifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/qmp"
)

type call struct {
	execute string
	args    map[string]any
}

type recorder struct {
	calls            []call
	errors           map[string]error
	responseOverride map[string]json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{errors: map[string]error{}}
}

func (r *recorder) Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error) {
	r.calls = append(r.calls, call{execute: execute, args: arguments})
	if err, ok := r.errors[execute]; ok {
		return nil, err
	}
	if resp, ok := r.responseOverride[execute]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func mustParseDrive(t *testing.T, id, value string) drive.Drive {
	t.Helper()
	d, err := drive.Parse(id, value)
	require.NoError(t, err)
	return d
}

func TestAttachDevice_SCSI_AddsControllerThenDevice(t *testing.T) {
	rec := newRecorder()
	d := mustParseDrive(t, "scsi0", "local:100/vm-100-disk-0.raw")

	require.NoError(t, AttachDevice(rec, "scsi0", "drive-scsi0", d))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "device_add", rec.calls[0].execute)
	assert.Equal(t, "virtio-scsi-pci", rec.calls[0].args["driver"])
	assert.Equal(t, "device_add", rec.calls[1].execute)
	assert.Equal(t, "scsi-hd", rec.calls[1].args["driver"])
	assert.Equal(t, "drive-scsi0", rec.calls[1].args["drive"])
}

func TestEnsureSCSIController_TreatsAlreadyPresentAsSuccess(t *testing.T) {
	rec := newRecorder()
	rec.errors["device_add"] = assertErr("Duplicate ID 'scsihw0' for device")
	require.NoError(t, ensureSCSIController(rec))
}

func TestAttachDevice_Virtio_RefusesCDROM(t *testing.T) {
	rec := newRecorder()
	d := mustParseDrive(t, "virtio0", "cdrom,media=cdrom")

	err := AttachDevice(rec, "virtio0", "drive-virtio0", d)
	assert.Error(t, err)
}

func TestAttachDevice_IDE_UsesBusUnitAddressing(t *testing.T) {
	rec := newRecorder()
	d := mustParseDrive(t, "ide2", "local:100/vm-100-disk-2.raw")

	require.NoError(t, AttachDevice(rec, "ide2", "drive-ide2", d))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ide-hd", rec.calls[0].args["driver"])
	assert.Equal(t, "ide.1", rec.calls[0].args["bus"])
}

func TestAttachDevice_SATA_CDROMUsesIdeCDDriver(t *testing.T) {
	rec := newRecorder()
	d := mustParseDrive(t, "sata0", "cdrom,media=cdrom")

	require.NoError(t, AttachDevice(rec, "sata0", "drive-sata0", d))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ide-cd", rec.calls[0].args["driver"])
}

func TestDetachDevice_IssuesDeviceDel(t *testing.T) {
	rec := newRecorder()
	require.NoError(t, DetachDevice(rec, "scsi0"))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "device_del", rec.calls[0].execute)
	assert.Equal(t, "scsi0", rec.calls[0].args["id"])
}
