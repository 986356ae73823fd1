package qmp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmnode/vmcore/lib/vmerr"
)

func TestRawCommand_Marshal(t *testing.T) {
	tests := []struct {
		name     string
		cmd      rawCommand
		expected string
	}{
		{
			name:     "no arguments",
			cmd:      rawCommand{Execute: "query-status"},
			expected: `{"execute":"query-status"}`,
		},
		{
			name:     "with arguments",
			cmd:      rawCommand{Execute: "blockdev-del", Arguments: map[string]any{"node-name": "drive-scsi0"}},
			expected: `{"execute":"blockdev-del","arguments":{"node-name":"drive-scsi0"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(b))
		})
	}
}

func TestRawResponse_Unmarshal(t *testing.T) {
	var ok rawResponse
	require.NoError(t, json.Unmarshal([]byte(`{"return":{"running":true,"status":"running"}}`), &ok))
	assert.Nil(t, ok.Error)
	assert.JSONEq(t, `{"running":true,"status":"running"}`, string(ok.Return))

	var bad rawResponse
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"class":"GenericError","desc":"boom"}}`), &bad))
	require.NotNil(t, bad.Error)
	assert.Equal(t, "boom", bad.Error.Desc)
}

func TestParseTimeout(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseTimeout(float64(2)))
	assert.Equal(t, 5*time.Second, parseTimeout(5))
	assert.Equal(t, time.Duration(0), parseTimeout("nope"))
}

func TestGuestPrefixed(t *testing.T) {
	assert.True(t, guestPrefixed("guest-ping"))
	assert.False(t, guestPrefixed("query-status"))
	assert.False(t, guestPrefixed("guest"))
}

type fakeResolver struct{}

func (fakeResolver) QMPSocket(vmid string) string { return "/run/vmcore/" + vmid + ".qmp" }
func (fakeResolver) QGASocket(vmid string) string { return "/run/vmcore/" + vmid + ".qga" }
func (fakeResolver) QSDSocket(vmid string) string { return "/run/vmcore/" + vmid + ".qsd" }

func TestCmd_NotRunningWhenSocketMissing(t *testing.T) {
	c := NewClient("100", fakeResolver{})
	_, err := c.Cmd(PeerQMP, "query-status", nil)
	require.Error(t, err)
	assert.Equal(t, vmerr.NotRunning, vmerr.KindOf(err))
}
