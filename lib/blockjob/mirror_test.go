package blockjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/qemuver"
)

func TestStartMirror_UsesBlockdevMirrorWhenSupported(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	guard := qemuver.NewGuard(qemuver.Version{Major: 10})

	job, err := StartMirror(rec, mon, guard, MirrorSpec{
		DeviceID:   "scsi0",
		JobID:      "mirror-scsi0",
		SourceNode: "drive-scsi0",
		TargetNode: "f" + "0123456789abcdef0123456789ab",
		Sync:       "top",
	})
	require.NoError(t, err)
	assert.Equal(t, KindMirror, job.Kind)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "blockdev-mirror", rec.calls[0].execute)
	assert.Equal(t, "top", rec.calls[0].args["sync"])
	assert.Contains(t, mon.Tracked(), "mirror-scsi0")
}

func TestStartMirror_FallsBackToDriveMirror(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	guard := qemuver.NewGuard(qemuver.Version{Major: 6})

	_, err := StartMirror(rec, mon, guard, MirrorSpec{
		DeviceID:   "scsi0",
		JobID:      "mirror-scsi0",
		SourceNode: "drive-scsi0",
		TargetNode: "ftarget",
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "drive-mirror", rec.calls[0].execute)
	assert.Equal(t, "existing", rec.calls[0].args["mode"])
}

func TestStartMirror_ReplacesSource(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	guard := qemuver.NewGuard(qemuver.Version{Major: 10})

	_, err := StartMirror(rec, mon, guard, MirrorSpec{
		DeviceID:    "scsi0",
		JobID:       "mirror-scsi0",
		SourceNode:  "drive-scsi0",
		TargetNode:  "ftarget",
		ReplacesTop: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "drive-scsi0", rec.calls[0].args["replaces"])
}

func TestSwitchToActiveMode_RequiresReady(t *testing.T) {
	rec := newRecorder()
	job := &Job{JobID: "mirror-scsi0"}
	err := SwitchToActiveMode(rec, job)
	assert.Error(t, err)
	assert.Empty(t, rec.calls)
}

func TestSwitchToActiveMode_SendsBlockJobChange(t *testing.T) {
	rec := newRecorder()
	job := &Job{JobID: "mirror-scsi0", ready: true}
	err := SwitchToActiveMode(rec, job)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "block-job-change", rec.calls[0].execute)
	assert.Equal(t, "write-blocking", rec.calls[0].args["copy-mode"])
}
