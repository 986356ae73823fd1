package vmlifecycle

import (
	"testing"

	"github.com/vmnode/vmcore/lib/vmconfig"
)

func newTestSection(t *testing.T, kv map[string]string) *vmconfig.Section {
	t.Helper()
	sec := vmconfig.NewSection()
	for k, v := range kv {
		sec.Set(k, v)
	}
	return sec
}
