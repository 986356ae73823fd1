package blockdev

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
)

type call struct {
	execute string
	args    map[string]any
}

type recorder struct {
	calls     []call
	responses map[string]json.RawMessage
	errors    map[string]error
}

func newRecorder() *recorder {
	return &recorder{responses: map[string]json.RawMessage{}, errors: map[string]error{}}
}

func (r *recorder) Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error) {
	r.calls = append(r.calls, call{execute: execute, args: arguments})
	if err, ok := r.errors[execute]; ok {
		return nil, err
	}
	if resp, ok := r.responses[execute]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func TestNodeName_Deterministic(t *testing.T) {
	a := NodeName(KindFormat, "scsi0", "local:vm-100-disk-0", "")
	b := NodeName(KindFormat, "scsi0", "local:vm-100-disk-0", "")
	assert.Equal(t, a, b)
	assert.Equal(t, byte('f'), a[0])
	assert.Len(t, a, 31)

	c := NodeName(KindFormat, "scsi0", "local:vm-100-disk-1", "")
	assert.NotEqual(t, a, c)
}

func TestTopNodeName_ParsesBack(t *testing.T) {
	name := TopNodeName("scsi0")
	id, ok := ParseTopNodeDriveID(name)
	require.True(t, ok)
	assert.Equal(t, "scsi0", id)
}

func TestAttach_BuildsThrottleFormatFileTree(t *testing.T) {
	rec := newRecorder()
	g := New(rec, qemuver.NewGuard(qemuver.Version{Major: 9}))

	d, err := drive.Parse("scsi0", "local:vm-100-disk-0,cache=none")
	require.NoError(t, err)

	name, err := g.Attach("scsi0", "local:vm-100-disk-0", d, Options{FilePath: "/data/local/vm-100-disk-0"})
	require.NoError(t, err)
	assert.Equal(t, "drive-scsi0", name)

	var executes []string
	for _, c := range rec.calls {
		executes = append(executes, c.execute)
	}
	assert.Contains(t, executes, "object-add")
	assert.Contains(t, executes, "blockdev-add")
}

func TestDetach_SwallowsNotFound(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-named-block-nodes"] = json.RawMessage(`[]`)
	rec.errors["blockdev-del"] = assertErr("Node not found")
	g := New(rec, qemuver.NewGuard(qemuver.Version{}))

	err := g.Detach("drive-scsi0")
	assert.NoError(t, err)
}

func TestResize_UsesTopNode(t *testing.T) {
	rec := newRecorder()
	g := New(rec, qemuver.NewGuard(qemuver.Version{}))
	require.NoError(t, g.Resize("drive-scsi0", 4<<30))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "block_resize", rec.calls[0].execute)
	assert.Equal(t, "drive-scsi0", rec.calls[0].args["node-name"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
