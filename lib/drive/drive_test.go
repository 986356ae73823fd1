package drive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Basic(t *testing.T) {
	d, err := Parse("scsi0", "local-lvm:vm-100-disk-0,cache=writeback,discard=on,size=32G")
	require.NoError(t, err)
	assert.Equal(t, InterfaceSCSI, d.Interface)
	assert.Equal(t, 0, d.Index)
	assert.Equal(t, "local-lvm:vm-100-disk-0", d.File)
	assert.Equal(t, CacheWriteBack, d.Cache)
	assert.Equal(t, DiscardOn, d.Discard)
	assert.EqualValues(t, 32*1024*1024*1024, d.Size)
}

func TestParse_CDROM(t *testing.T) {
	d, err := Parse("ide2", "cdrom,media=cdrom")
	require.NoError(t, err)
	assert.True(t, d.IsCDROM())
	assert.True(t, d.ReadOnlyFromGuest(false))
}

func TestParse_UnrecognizedID(t *testing.T) {
	_, err := Parse("nvme0", "local:vm-1-disk-0")
	assert.Error(t, err)
}

func TestParse_DetectZeroesRequiresDiscard(t *testing.T) {
	_, err := Parse("scsi0", "local:vm-1-disk-0,discard=ignore,detect-zeroes=unmap")
	assert.Error(t, err)
}

func TestBusIndex_Q35IDE(t *testing.T) {
	d, err := Parse("ide3", "local:vm-1-disk-0")
	require.NoError(t, err)
	bus, unit := d.BusIndex(true)
	assert.Equal(t, 1, bus)
	assert.Equal(t, 0, unit)
}

func TestBusIndex_LegacyIDE(t *testing.T) {
	d, err := Parse("ide3", "local:vm-1-disk-0")
	require.NoError(t, err)
	bus, unit := d.BusIndex(false)
	assert.Equal(t, 1, bus)
	assert.Equal(t, 1, unit)
}

func TestResolveAIO(t *testing.T) {
	d := Drive{Cache: CacheNone}
	assert.Equal(t, AIOIOUring, d.ResolveAIO(true))
	assert.Equal(t, AIOThreads, d.ResolveAIO(false))

	explicit := Drive{AIO: AIONative}
	assert.Equal(t, AIONative, explicit.ResolveAIO(true))
}

func TestFileNodeDiscard(t *testing.T) {
	assert.Equal(t, "unmap", Drive{Discard: DiscardOn}.FileNodeDiscard())
	assert.Equal(t, "ignore", Drive{Discard: DiscardIgnore}.FileNodeDiscard())
}

func TestString_RoundTripsSemantics(t *testing.T) {
	orig, err := Parse("scsi0", "local:vm-1-disk-0,cache=writeback,discard=on,ssd=1,size=4G")
	require.NoError(t, err)

	printed := orig.String()
	reparsed, err := Parse("scsi0", printed)
	require.NoError(t, err)

	assert.Equal(t, orig.Cache, reparsed.Cache)
	assert.Equal(t, orig.Discard, reparsed.Discard)
	assert.Equal(t, orig.SSD, reparsed.SSD)
	assert.Equal(t, orig.Size, reparsed.Size)
}

func TestValidate_IndexOutOfRange(t *testing.T) {
	d := Drive{Interface: InterfaceSATA, Index: 6}
	assert.Error(t, d.Validate())
}
