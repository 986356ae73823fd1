package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CurrentAndSnapshotSections(t *testing.T) {
	data := []byte("cores: 4\nmemory: 2048\n[s1]\ncores: 4\nmemory: 1024\nsnapstate: \n")
	cfg, err := Parse("100", data)
	require.NoError(t, err)

	v, ok := cfg.Current.Get("cores")
	require.True(t, ok)
	assert.Equal(t, "4", v)

	require.Contains(t, cfg.Snapshots, "s1")
	sv, _ := cfg.Snapshots["s1"].Get("memory")
	assert.Equal(t, "1024", sv)
	assert.Equal(t, []string{"s1"}, cfg.SnapshotOrder)
	assert.NotEmpty(t, cfg.Digest)
}

func TestParse_RejectsSnapshotNamedCurrent(t *testing.T) {
	_, err := Parse("100", []byte("cores: 2\n[current]\ncores: 2\n"))
	assert.Error(t, err)
}

func TestParse_RejectsMalformedLine(t *testing.T) {
	_, err := Parse("100", []byte("not a valid line without colon delimiter\n"))
	assert.Error(t, err)
}

func TestSerialize_RoundTrip(t *testing.T) {
	cfg := New("100")
	cfg.Current.Set("cores", "4")
	cfg.Current.Set("memory", "2048")
	cfg.Snapshots["s1"] = NewSection()
	cfg.Snapshots["s1"].Set("cores", "4")
	cfg.SnapshotOrder = []string{"s1"}

	data := Serialize(cfg)
	reparsed, err := Parse("100", data)
	require.NoError(t, err)

	v, _ := reparsed.Current.Get("memory")
	assert.Equal(t, "2048", v)
	assert.Contains(t, reparsed.Snapshots, "s1")
}

func TestComputeDigest_ExcludesDigestKey(t *testing.T) {
	s1 := NewSection()
	s1.Set("cores", "4")
	d1 := ComputeDigest(s1)

	s2 := s1.Clone()
	s2.Set("digest", "irrelevant")
	d2 := ComputeDigest(s2)

	assert.Equal(t, d1, d2)
}

func TestComputeDigest_ChangesWithContent(t *testing.T) {
	s1 := NewSection()
	s1.Set("cores", "4")
	s2 := NewSection()
	s2.Set("cores", "8")
	assert.NotEqual(t, ComputeDigest(s1), ComputeDigest(s2))
}
