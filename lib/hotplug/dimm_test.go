package hotplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxMemMiB(t *testing.T) {
	assert.Equal(t, MaxMemCapMiB, MaxMemMiB(46))  // 1<<(46-21) exceeds the 4 TiB cap
	assert.Equal(t, MaxMemCapMiB, MaxMemMiB(63))  // capped
	assert.Equal(t, uint64(0), MaxMemMiB(20))
}

func TestStaticFloor(t *testing.T) {
	assert.Equal(t, uint64(1024), StaticFloor(1, false))
	assert.Equal(t, uint64(1024), StaticFloor(2, false))
	assert.Equal(t, uint64(2048), StaticFloor(2, true))
}

func TestPlanDimms_SingleBankRoundRobin(t *testing.T) {
	dimms := PlanDimms(512*4, 2, false)
	require := assert.New(t)
	require.Len(dimms, 4)
	for i, d := range dimms {
		require.Equal(uint64(512), d.SizeMiB)
		require.Equal(i%2, d.Node)
		require.Equal(0, d.Bank)
	}
}

func TestPlanDimms_DoublesAcrossBanks(t *testing.T) {
	// 32 slots at 512 MiB = 16384 MiB exactly fills bank 0; one more DIMM
	// must start bank 1 at double the size (1024 MiB).
	dimms := PlanDimms(512*32+1024, 1, false)
	if len(dimms) != 33 {
		t.Fatalf("expected 33 dimms, got %d", len(dimms))
	}
	assert.Equal(t, 0, dimms[31].Bank)
	assert.Equal(t, uint64(512), dimms[31].SizeMiB)
	assert.Equal(t, 1, dimms[32].Bank)
	assert.Equal(t, uint64(1024), dimms[32].SizeMiB)
}

func TestPlanDimms_LastDimmTruncatedToRemainder(t *testing.T) {
	dimms := PlanDimms(512+200, 1, false)
	require := assert.New(t)
	require.Len(dimms, 2)
	require.Equal(uint64(512), dimms[0].SizeMiB)
	require.Equal(uint64(200), dimms[1].SizeMiB)
}

func TestDimmsToRemove_HighestNumberedFirst(t *testing.T) {
	planned := PlanDimms(512*4, 1, false)
	toRemove := DimmsToRemove(planned, 1024)
	require := assert.New(t)
	require.Len(toRemove, 2)
	require.Equal(3, toRemove[0].Slot)
	require.Equal(2, toRemove[1].Slot)
}

func TestResolvePhysBits_Explicit(t *testing.T) {
	bits, err := ResolvePhysBits("46", 0)
	assert.NoError(t, err)
	assert.Equal(t, 46, bits)
}

func TestResolvePhysBits_InvalidValue(t *testing.T) {
	_, err := ResolvePhysBits("not-a-number", 0)
	assert.Error(t, err)
}
