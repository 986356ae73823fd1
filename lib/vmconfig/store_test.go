package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmnode/vmcore/lib/vmerr"
)

type fakePaths struct {
	dir string
}

func (p *fakePaths) ConfigFile(vmid string) (string, error) {
	return p.dir + "/" + vmid + ".conf", nil
}

func (p *fakePaths) ConfigTempFile(vmid string) (string, error) {
	return p.dir + "/." + vmid + ".conf.tmp", nil
}

func TestStore_WriteThenLoadRoundTrips(t *testing.T) {
	s := NewStore(&fakePaths{dir: t.TempDir()})

	cfg := New("100")
	cfg.Current.Set("cores", "4")
	require.NoError(t, s.Write(cfg, ""))

	loaded, err := s.Load("100")
	require.NoError(t, err)
	v, _ := loaded.Current.Get("cores")
	assert.Equal(t, "4", v)
}

func TestStore_Write_DigestMismatchRejected(t *testing.T) {
	s := NewStore(&fakePaths{dir: t.TempDir()})

	cfg := New("100")
	cfg.Current.Set("cores", "4")
	require.NoError(t, s.Write(cfg, ""))

	loaded, err := s.Load("100")
	require.NoError(t, err)

	// Someone else writes concurrently.
	other := New("100")
	other.Current.Set("cores", "8")
	require.NoError(t, s.Write(other, loaded.Digest))

	// Now the stale digest must be rejected.
	loaded.Current.Set("memory", "4096")
	err = s.Write(loaded, loaded.Digest)
	require.Error(t, err)
	assert.Equal(t, vmerr.DigestMismatch, vmerr.KindOf(err))
}

func TestStore_Write_NoDigestSkipsCheck(t *testing.T) {
	s := NewStore(&fakePaths{dir: t.TempDir()})
	cfg := New("100")
	require.NoError(t, s.Write(cfg, ""))
	cfg.Current.Set("cores", "2")
	require.NoError(t, s.Write(cfg, ""))
}

func TestStore_LockConfig_RunsFnAndReleases(t *testing.T) {
	s := NewStore(&fakePaths{dir: t.TempDir()})
	var ran bool
	require.NoError(t, s.LockConfig("100", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	// A second, sequential lock must still succeed (no deadlock from the
	// first call's release).
	require.NoError(t, s.LockConfig("100", func() error { return nil }))
}

func TestStore_Exists(t *testing.T) {
	s := NewStore(&fakePaths{dir: t.TempDir()})
	assert.False(t, s.Exists("100"))
	require.NoError(t, s.Write(New("100"), ""))
	assert.True(t, s.Exists("100"))
}
