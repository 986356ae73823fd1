package qemuver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Version
	}{
		{"banner", "QEMU emulator version 8.2.1", Version{8, 2, 1}},
		{"machine type", "pc-q35-10.0", Version{10, 0, 0}},
		{"bare", "7.2", Version{7, 2, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Parse(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestParse_NoMatch(t *testing.T) {
	_, ok := Parse("not a version")
	assert.False(t, ok)
}

func TestVersion_Compare(t *testing.T) {
	assert.Equal(t, -1, Version{8, 1, 0}.Compare(Version{8, 2, 0}))
	assert.Equal(t, 0, Version{8, 2, 0}.Compare(Version{8, 2, 0}))
	assert.Equal(t, 1, Version{9, 0, 0}.Compare(Version{8, 2, 0}))
}

func TestGuard_SupportsBlockdev(t *testing.T) {
	assert.True(t, NewGuard(Version{10, 0, 0}).SupportsBlockdev())
	assert.False(t, NewGuard(Version{9, 2, 0}).SupportsBlockdev())
}

func TestGuard_SupportsActiveModeChange(t *testing.T) {
	assert.True(t, NewGuard(Version{8, 2, 0}).SupportsActiveModeChange())
	assert.True(t, NewGuard(Version{9, 0, 0}).SupportsActiveModeChange())
	assert.False(t, NewGuard(Version{8, 1, 0}).SupportsActiveModeChange())
}

func TestIsRunningLocally_NoPidfile(t *testing.T) {
	assert.False(t, IsRunningLocally("/nonexistent/path.pid"))
}
