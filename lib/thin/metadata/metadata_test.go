package metadata_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/metadata"
)

type fakeEngine struct {
	blocks map[uint64][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{blocks: make(map[uint64][]byte)} }

func (e *fakeEngine) Read(_ context.Context, loc uint64) ([]byte, error) {
	buf, ok := e.blocks[loc]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return buf, nil
}

func (e *fakeEngine) ReadMany(ctx context.Context, locs []uint64) ([]ioengine.Result, error) {
	out := make([]ioengine.Result, len(locs))
	for i, loc := range locs {
		d, err := e.Read(ctx, loc)
		out[i] = ioengine.Result{Loc: loc, Data: d, Err: err}
	}
	return out, nil
}

func (e *fakeEngine) BatchSize() int   { return 1 }
func (e *fakeEngine) NrBlocks() uint64 { return uint64(len(e.blocks)) }
func (e *fakeEngine) Close() error     { return nil }

func u64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func putNode(e *fakeEngine, loc uint64, isLeaf bool, valueSize int, keys []uint64, values [][]byte) {
	buf := make([]byte, checksum.BlockSize)
	header := unpack.NodeHeader{
		NrEntries:  binpack.U32le(len(keys)),
		MaxEntries: binpack.U32le(1000),
		ValueSize:  binpack.U32le(valueSize),
	}
	if isLeaf {
		header.Header.Flags = 1
	}
	hbuf, err := binpack.Marshal(header)
	if err != nil {
		panic(err)
	}
	copy(buf, hbuf)
	off := unpack.NodeHeaderSize
	for _, k := range keys {
		binary.LittleEndian.PutUint64(buf[off:], k)
		off += unpack.KeySize
	}
	for _, v := range values {
		copy(buf[off:], v)
		off += valueSize
	}
	if err := checksum.Stamp(loc, buf, checksum.Node); err != nil {
		panic(err)
	}
	e.blocks[loc] = buf
}

func putDeviceDetail(e *fakeEngine, loc uint64, keys []uint64, details []unpack.DeviceDetail) {
	values := make([][]byte, len(details))
	for i, dd := range details {
		b, err := binpack.Marshal(dd)
		if err != nil {
			panic(err)
		}
		values[i] = b
	}
	putNode(e, loc, true, int(binpack.StaticSize(unpack.DeviceDetail{})), keys, values)
}

// buildTree sets up:
//
//	mapping top (loc 1, leaf): thin_id 0 -> loc 10, thin_id 1 -> loc 11
//	loc 10 (internal): key 0 -> loc 50 (shared leaf), key 5 -> loc 51 (owned leaf)
//	loc 11 (internal): key 0 -> loc 50 (shared leaf), key 9 -> loc 52 (owned leaf)
//	loc 50 (leaf): mapping entries
//	loc 51, loc 52 (leaf): mapping entries
//	details (loc 2, leaf): thin_id 0 and 1
func buildTree(e *fakeEngine) {
	putNode(e, 50, true, 8, []uint64{0, 1}, [][]byte{u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 100})), u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 101}))})
	putNode(e, 51, true, 8, []uint64{5}, [][]byte{u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 200}))})
	putNode(e, 52, true, 8, []uint64{9}, [][]byte{u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 300}))})
	putNode(e, 10, false, 8, []uint64{0, 5}, [][]byte{u64Bytes(50), u64Bytes(51)})
	putNode(e, 11, false, 8, []uint64{0, 9}, [][]byte{u64Bytes(50), u64Bytes(52)})
	putNode(e, 1, true, 8, []uint64{0, 1}, [][]byte{u64Bytes(10), u64Bytes(11)})
	putDeviceDetail(e, 2, []uint64{0, 1}, []unpack.DeviceDetail{
		{MappedBlocks: 2, TransactionID: 7, CreationTime: 1000, SnapshottedTime: 0},
		{MappedBlocks: 2, TransactionID: 8, CreationTime: 1001, SnapshottedTime: 1000},
	})
}

func TestBuildWithDevicesOrderingAndSharing(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	buildTree(eng)

	m, err := metadata.BuildWithDevices(context.Background(), eng, 1, 2)
	require.NoError(t, err)

	require.Len(t, m.Devs, 2)
	assert.Equal(t, uint64(0), m.Devs[0].ThinID)
	assert.Equal(t, uint64(1), m.Devs[1].ThinID)
	assert.Equal(t, uint64(7), m.Devs[0].TransactionID)
	assert.Equal(t, uint64(8), m.Devs[1].TransactionID)

	require.Len(t, m.Defs, 1)
	assert.Equal(t, 0, m.Defs[0].DefID)
	require.Len(t, m.Defs[0].Entries, 1)
	assert.Equal(t, btree.EntryLeaf, m.Defs[0].Entries[0].Kind)
	assert.Equal(t, uint64(50), m.Defs[0].Entries[0].Loc)

	// each device's entries: [Ref(shared def), Leaf(own)]
	require.Len(t, m.Devs[0].Entries, 2)
	assert.Equal(t, btree.EntryRef, m.Devs[0].Entries[0].Kind)
	assert.Equal(t, 0, m.Devs[0].Entries[0].DefID)
	assert.Equal(t, btree.EntryLeaf, m.Devs[0].Entries[1].Kind)
	assert.Equal(t, uint64(51), m.Devs[0].Entries[1].Loc)

	require.Len(t, m.Devs[1].Entries, 2)
	assert.Equal(t, btree.EntryRef, m.Devs[1].Entries[0].Kind)
	assert.Equal(t, uint64(52), m.Devs[1].Entries[1].Loc)
}

func TestBuildWithoutMappings(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	buildTree(eng)

	m, err := metadata.BuildWithoutMappings(context.Background(), eng, 2)
	require.NoError(t, err)
	require.Len(t, m.Devs, 2)
	assert.Nil(t, m.Devs[0].Entries)
	assert.Empty(t, m.Defs)
}

func TestOptimiseMetadataDropsSingleUseDef(t *testing.T) {
	t.Parallel()
	// A SharedDef referenced by exactly one device should be inlined
	// and removed; a def referenced twice should survive untouched.
	m := metadata.Metadata{
		Defs: []btree.SharedDef{
			{DefID: 0, Entries: []btree.Entry{{Kind: btree.EntryLeaf, Loc: 50}}},
			{DefID: 1, Entries: []btree.Entry{{Kind: btree.EntryLeaf, Loc: 60}}},
		},
		Devs: []metadata.Device{
			{ThinID: 0, Entries: []btree.Entry{{Kind: btree.EntryRef, DefID: 0}}},
			{ThinID: 1, Entries: []btree.Entry{{Kind: btree.EntryRef, DefID: 1}}},
			{ThinID: 2, Entries: []btree.Entry{{Kind: btree.EntryRef, DefID: 1}}},
		},
	}
	out := metadata.OptimiseMetadata(m)
	require.Len(t, out.Defs, 1)
	assert.Equal(t, 0, out.Defs[0].DefID)
	assert.Equal(t, uint64(60), out.Defs[0].Entries[0].Loc)

	require.Len(t, out.Devs[0].Entries, 1)
	assert.Equal(t, btree.EntryLeaf, out.Devs[0].Entries[0].Kind)
	assert.Equal(t, uint64(50), out.Devs[0].Entries[0].Loc)

	require.Len(t, out.Devs[1].Entries, 1)
	assert.Equal(t, btree.EntryRef, out.Devs[1].Entries[0].Kind)
	assert.Equal(t, 0, out.Devs[1].Entries[0].DefID)
	require.Len(t, out.Devs[2].Entries, 1)
	assert.Equal(t, btree.EntryRef, out.Devs[2].Entries[0].Kind)
	assert.Equal(t, 0, out.Devs[2].Entries[0].DefID)
}

func TestOptimiseMetadataDropsUnreferencedDef(t *testing.T) {
	t.Parallel()
	// A def with no referrer at all (its only referring device was
	// filtered out upstream, e.g. by FilterDevices) must be dropped
	// too, not just the single-referrer case: otherwise it survives as
	// a lone <def> with no <ref_shared> anywhere, violating the
	// invariant that every emitted def_id is referenced somewhere.
	m := metadata.Metadata{
		Defs: []btree.SharedDef{
			{DefID: 0, Entries: []btree.Entry{{Kind: btree.EntryLeaf, Loc: 50}}},
		},
		Devs: []metadata.Device{
			{ThinID: 1, Entries: nil},
		},
	}
	out := metadata.OptimiseMetadata(m)
	assert.Empty(t, out.Defs)
}
