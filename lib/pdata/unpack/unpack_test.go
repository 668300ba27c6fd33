package unpack_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
)

func TestCommonHeaderSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 32, binpack.StaticSize(unpack.CommonHeader{}))
}

func TestSuperblockRoundTrip(t *testing.T) {
	t.Parallel()
	in := unpack.Superblock{
		Flags:                42,
		Version:              2,
		TransactionID:        7,
		CreationTime:         100,
		CurrentTime:          101,
		DataSpaceMapRoot:     200,
		MetadataSpaceMapRoot: 201,
		DataMappingRoot:      202,
		DeviceDetailsRoot:    203,
		DataBlockSize:        128,
	}
	buf, err := binpack.Marshal(in)
	require.NoError(t, err)
	require.Len(t, buf, binpack.StaticSize(unpack.Superblock{}))

	var out unpack.Superblock
	n, err := binpack.Unmarshal(buf, &out)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, in.TransactionID, out.TransactionID)
	assert.Equal(t, in.DataMappingRoot, out.DataMappingRoot)
	assert.Equal(t, in.DataBlockSize, out.DataBlockSize)
}

func TestSuperblockNeedsCheck(t *testing.T) {
	t.Parallel()
	sb := unpack.Superblock{Flags: binpack.U32le(unpack.NeedsCheck)}
	assert.True(t, sb.NeedsCheck())
	sb.Flags = 0
	assert.False(t, sb.NeedsCheck())
}

func TestBlockTimePacking(t *testing.T) {
	t.Parallel()
	bt := unpack.BlockTime{DataBlock: 0xABCDEF, Time: 0x123456}
	packed := unpack.PackBlockTime(bt)
	assert.Equal(t, bt, unpack.UnpackBlockTime(packed))
}

func TestBlockTimeMasksTime(t *testing.T) {
	t.Parallel()
	// Time must be masked to 24 bits even if given a larger value.
	bt := unpack.BlockTime{DataBlock: 1, Time: 0xFFFFFFFF}
	packed := unpack.PackBlockTime(bt)
	got := unpack.UnpackBlockTime(packed)
	assert.Equal(t, uint32(0xFFFFFF), got.Time)
	assert.Equal(t, uint64(1), got.DataBlock)
}

func TestDeviceDetailRoundTrip(t *testing.T) {
	t.Parallel()
	in := unpack.DeviceDetail{
		MappedBlocks:    10,
		TransactionID:   3,
		CreationTime:    5,
		SnapshottedTime: 1,
	}
	buf, err := binpack.Marshal(in)
	require.NoError(t, err)
	var out unpack.DeviceDetail
	_, err = binpack.Unmarshal(buf, &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSMRootRoundTrip(t *testing.T) {
	t.Parallel()
	in := unpack.SMRoot{
		NrBlocks:     1024,
		NrAllocated:  512,
		BitmapRoot:   7,
		RefCountRoot: 8,
	}
	buf, err := binpack.Marshal(in)
	require.NoError(t, err)
	out, err := unpack.UnpackSMRoot(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnpackBitmap(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 4096)
	body := buf[unpack.NodeHeaderSize:]
	// entry 0 = free(0), entry 1 = alloc-ref1(1), entry 2 = alloc-ref2(2), entry 3 = overflow(3)
	body[0] = 0b11_10_01_00
	bm, err := unpack.UnpackBitmap(buf)
	require.NoError(t, err)
	require.True(t, len(bm.Entries) >= 4)
	assert.Equal(t, unpack.BitmapFree, bm.Entries[0])
	assert.Equal(t, unpack.BitmapAllocRef1, bm.Entries[1])
	assert.Equal(t, unpack.BitmapAllocRef2, bm.Entries[2])
	assert.Equal(t, unpack.BitmapOverflow, bm.Entries[3])
}

func TestNodeHeaderIsLeaf(t *testing.T) {
	t.Parallel()
	buf := make([]byte, unpack.NodeHeaderSize)
	binary.LittleEndian.PutUint32(buf[16:], 1) // flags offset 0x10 within CommonHeader
	var h unpack.NodeHeader
	_, err := binpack.Unmarshal(buf, &h)
	require.NoError(t, err)
	assert.True(t, h.IsLeaf())
}
