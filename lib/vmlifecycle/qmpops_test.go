package vmlifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetVM_IssuesSystemReset(t *testing.T) {
	rec := newRecorder()
	require.NoError(t, resetVM(rec))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "system_reset", rec.calls[0].execute)
}

func TestResumeVM_IssuesCont(t *testing.T) {
	rec := newRecorder()
	require.NoError(t, resumeVM(rec))
	assert.Equal(t, "cont", rec.calls[0].execute)
}

func TestSendKey_BuildsQcodeKeyList(t *testing.T) {
	rec := newRecorder()
	require.NoError(t, sendKey(rec, []string{"ctrl", "alt", "delete"}))
	require.Len(t, rec.calls, 1)
	keys, ok := rec.calls[0].args["keys"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, keys, 3)
	assert.Equal(t, "qcode", keys[0]["type"])
	assert.Equal(t, "ctrl", keys[0]["data"])
}

func TestRunSavevm_CompletesOnStatusCompleted(t *testing.T) {
	rec := newRecorder()
	rec.responseOverride = map[string]json.RawMessage{
		"query-savevm": json.RawMessage(`{"status":"completed"}`),
	}
	require.NoError(t, runSavevm(rec, "/var/lib/vz/vmstate/100"))

	var executes []string
	for _, c := range rec.calls {
		executes = append(executes, c.execute)
	}
	assert.Equal(t, []string{"savevm-start", "query-savevm"}, executes)
}

func TestRunSavevm_FailsOnStatusFailed(t *testing.T) {
	rec := newRecorder()
	rec.responseOverride = map[string]json.RawMessage{
		"query-savevm": json.RawMessage(`{"status":"failed"}`),
	}
	err := runSavevm(rec, t.TempDir()+"/vmstate")
	assert.Error(t, err)
}

func TestRunSavevm_PropagatesSavevmStartError(t *testing.T) {
	rec := newRecorder()
	rec.errors["savevm-start"] = assertErr("no space left on device")
	err := runSavevm(rec, "/tmp/vmstate")
	assert.Error(t, err)
}
