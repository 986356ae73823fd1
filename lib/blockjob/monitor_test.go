package blockjob

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeDetacher struct {
	detached []string
}

func (f *fakeDetacher) Detach(nodeName string) error {
	f.detached = append(f.detached, nodeName)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestPollOnce_UpdatesProgress(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[
		{"device":"drive0","type":"mirror","status":"running","ready":false,"busy":true,"offset":512,"len":1024}
	]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete})

	concluded, err := mon.PollOnce()
	require.NoError(t, err)
	assert.Empty(t, concluded)

	off, length := mon.jobs["job0"].Progress()
	assert.Equal(t, int64(512), off)
	assert.Equal(t, int64(1024), length)
	assert.False(t, mon.jobs["job0"].Ready())
}

func TestPollOnce_ReadyFlag(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[
		{"device":"drive0","type":"mirror","status":"ready","ready":true,"busy":false,"offset":1024,"len":1024}
	]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete})

	_, err := mon.PollOnce()
	require.NoError(t, err)
	assert.True(t, mon.AllReady())
}

func TestPollOnce_ConcludedSuccess(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[
		{"device":"drive0","type":"mirror","status":"concluded","ready":true,"offset":1024,"len":1024,"error":""}
	]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete})

	concluded, err := mon.PollOnce()
	require.NoError(t, err)
	require.Len(t, concluded, 1)
	assert.Equal(t, "job0", concluded[0].JobID)

	var dismissed bool
	for _, c := range rec.calls {
		if c.execute == "job-dismiss" {
			dismissed = true
		}
	}
	assert.True(t, dismissed)
}

func TestPollOnce_ConcludedError_DetachesTarget(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[
		{"device":"drive0","type":"mirror","status":"concluded","error":"I/O error"}
	]`)
	det := &fakeDetacher{}
	mon := NewMonitor(rec, det)
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", TargetNodeName: "fabc", Completion: ModeComplete})

	_, err := mon.PollOnce()
	require.Error(t, err)
	assert.Contains(t, det.detached, "fabc")
}

func TestPollOnce_DisappearedWithoutCompletion_IsError(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete})

	_, err := mon.PollOnce()
	assert.Error(t, err)
}

func TestPollOnce_DisappearedAfterCompletionSent_IsSuccess(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	job := &Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete}
	job.completionSent = true
	mon.Track(job)

	concluded, err := mon.PollOnce()
	require.NoError(t, err)
	require.Len(t, concluded, 1)
}

func TestPollOnce_DisappearedAutoMode_IsSuccess(t *testing.T) {
	rec := newRecorder()
	rec.responses["query-block-jobs"] = json.RawMessage(`[]`)
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0", Completion: ModeAuto})

	concluded, err := mon.PollOnce()
	require.NoError(t, err)
	require.Len(t, concluded, 1)
}

func TestComplete_SkipIsNoOp(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	job := &Job{JobID: "job0", DeviceID: "drive0", Completion: ModeSkip, ready: true}
	mon.Track(job)

	require.NoError(t, mon.Complete(ModeSkip))
	assert.Empty(t, rec.calls)
}

func TestComplete_SendsBlockJobComplete(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	job := &Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete, ready: true}
	mon.Track(job)

	require.NoError(t, mon.Complete(ModeComplete))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "block-job-complete", rec.calls[0].execute)
	assert.True(t, job.completionSent)
}

func TestComplete_SkipsNotReady(t *testing.T) {
	rec := newRecorder()
	mon := NewMonitor(rec, &fakeDetacher{})
	job := &Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete, ready: false}
	mon.Track(job)

	require.NoError(t, mon.Complete(ModeComplete))
	assert.Empty(t, rec.calls)
}

func TestComplete_CannotBeCompletedIsRetried(t *testing.T) {
	rec := newRecorder()
	rec.errors["block-job-complete"] = assertErr("cannot be completed yet")
	mon := NewMonitor(rec, &fakeDetacher{})
	job := &Job{JobID: "job0", DeviceID: "drive0", Completion: ModeComplete, ready: true}
	mon.Track(job)

	require.NoError(t, mon.Complete(ModeComplete))
	assert.False(t, job.completionSent)
}

func TestCancelAllBestEffort_ClearsTracked(t *testing.T) {
	rec := newRecorder()
	rec.errors["query-block-jobs"] = assertErr("connection lost")
	mon := NewMonitor(rec, &fakeDetacher{})
	mon.Track(&Job{JobID: "job0", DeviceID: "drive0"})
	mon.Track(&Job{JobID: "job1", DeviceID: "drive1"})

	_, err := mon.PollOnce()
	assert.Error(t, err)
	assert.Empty(t, mon.Tracked())

	var cancels int
	for _, c := range rec.calls {
		if c.execute == "block-job-cancel" {
			cancels++
		}
	}
	assert.Equal(t, 2, cancels)
}
