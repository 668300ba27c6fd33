package migrate_test

import (
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/migrate"
)

type fakeEngine struct {
	blocks map[uint64][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{blocks: make(map[uint64][]byte)}
}

func (e *fakeEngine) Read(_ context.Context, loc uint64) ([]byte, error) {
	return e.blocks[loc], nil
}

func (e *fakeEngine) ReadMany(ctx context.Context, locs []uint64) ([]ioengine.Result, error) {
	out := make([]ioengine.Result, len(locs))
	for i, loc := range locs {
		d, err := e.Read(ctx, loc)
		out[i] = ioengine.Result{Loc: loc, Data: d, Err: err}
	}
	return out, nil
}

func (e *fakeEngine) BatchSize() int   { return 4 }
func (e *fakeEngine) NrBlocks() uint64 { return uint64(len(e.blocks)) }
func (e *fakeEngine) Close() error     { return nil }

func u64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func putLeaf(e *fakeEngine, loc uint64, keys []uint64, values [][]byte) {
	buf := make([]byte, checksum.BlockSize)
	header := unpack.NodeHeader{
		NrEntries:  binpack.U32le(len(keys)),
		MaxEntries: binpack.U32le(1000),
		ValueSize:  binpack.U32le(8),
	}
	header.Header.Flags = 1
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
		off += 8
	}
	if err := checksum.Stamp(loc, buf, checksum.Node); err != nil {
		panic(err)
	}
	e.blocks[loc] = buf
}

func TestThinStreamProducesSkipCopySkip(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	// thin_blocks 0,1 mapped contiguously to data 10,11; thin_block 5
	// mapped alone to data 50; virtual size is 8 blocks, so there's a
	// hole [2,5) and a trailing hole [6,8).
	putLeaf(eng, 1, []uint64{0, 1, 5},
		[][]byte{
			u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 10, Time: 1})),
			u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 11, Time: 1})),
			u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 50, Time: 1})),
		})

	stream, err := migrate.NewThinStream(context.Background(), eng, 1, 4096, 8)
	require.NoError(t, err)

	var got []migrate.Chunk
	for {
		c, err := stream.NextChunk(context.Background())
		require.NoError(t, err)
		if c == nil {
			break
		}
		got = append(got, *c)
	}

	require.Len(t, got, 4)
	assert.Equal(t, migrate.ChunkCopy, got[0].Contents)
	assert.Equal(t, uint64(0), got[0].Offset)
	assert.Equal(t, uint64(2*4096), got[0].Len)

	assert.Equal(t, migrate.ChunkSkip, got[1].Contents)
	assert.Equal(t, uint64(2*4096), got[1].Offset)
	assert.Equal(t, uint64(3*4096), got[1].Len)

	assert.Equal(t, migrate.ChunkCopy, got[2].Contents)
	assert.Equal(t, uint64(5*4096), got[2].Offset)
	assert.Equal(t, uint64(1*4096), got[2].Len)

	assert.Equal(t, migrate.ChunkSkip, got[3].Contents)
	assert.Equal(t, uint64(6*4096), got[3].Offset)
	assert.Equal(t, uint64(2*4096), got[3].Len)

	assert.Equal(t, uint64(8*4096), stream.SizeHint())
}

func TestCopyOpBatcherFlushesAtBatchSize(t *testing.T) {
	t.Parallel()
	ch := make(chan []migrate.CopyOp, 1)
	batcher := migrate.NewCopyOpBatcher(2, ch)
	ctx := context.Background()

	require.NoError(t, batcher.Push(ctx, migrate.CopyOp{Src: 0, Dst: 0}))
	select {
	case <-ch:
		t.Fatal("flushed before batch size reached")
	default:
	}

	require.NoError(t, batcher.Push(ctx, migrate.CopyOp{Src: 1, Dst: 1}))
	batch := <-ch
	assert.Len(t, batch, 2)

	require.NoError(t, batcher.Push(ctx, migrate.CopyOp{Src: 2, Dst: 2}))
	require.NoError(t, batcher.Complete(ctx))
	batch = <-ch
	assert.Len(t, batch, 1)
}

func TestSyncCopierCopiesBlockContents(t *testing.T) {
	t.Parallel()
	src, err := os.CreateTemp(t.TempDir(), "src")
	require.NoError(t, err)
	defer src.Close()
	dst, err := os.CreateTemp(t.TempDir(), "dst")
	require.NoError(t, err)
	defer dst.Close()

	blockSize := 512
	data := make([]byte, blockSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = src.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, dst.Truncate(int64(len(data))))

	copier := migrate.NewSyncCopier(blockSize, src, dst)
	err = copier.Copy(context.Background(), []migrate.CopyOp{{Src: 1, Dst: 0}, {Src: 0, Dst: 1}})
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = dst.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data[blockSize:], got[:blockSize])
	assert.Equal(t, data[:blockSize], got[blockSize:])
}

func TestMigrateCopiesLiveBlocksAndSkipsHoles(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	putLeaf(eng, 1, []uint64{0, 2},
		[][]byte{
			u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 0, Time: 1})),
			u64Bytes(unpack.PackBlockTime(unpack.BlockTime{DataBlock: 1, Time: 1})),
		})

	blockSize := uint64(512)
	virtualBlocks := uint64(4)
	totalLen := int64(virtualBlocks * blockSize)

	srcPath := t.TempDir() + "/src"
	src, err := os.Create(srcPath)
	require.NoError(t, err)
	pattern := make([]byte, totalLen)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	_, err = src.WriteAt(pattern, 0)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	dstPath := t.TempDir() + "/dst"

	err = migrate.Migrate(context.Background(), migrate.Options{
		MetadataEngine: eng,
		MappingRoot:    1,
		DataBlockSize:  blockSize,
		VirtualBlocks:  virtualBlocks,
		SourcePath:     srcPath,
		Dest:           migrate.Dest{Kind: migrate.DestFile, Path: dstPath, Create: true},
		BufferSize:     blockSize, // one block per batch
	})
	require.NoError(t, err)

	dst, err := os.Open(dstPath)
	require.NoError(t, err)
	defer dst.Close()
	got := make([]byte, totalLen)
	_, err = dst.ReadAt(got, 0)
	require.NoError(t, err)

	// thin_blocks 0 and 2 are mapped, so those blocks of the source were
	// copied to the same offsets; thin_blocks 1 and 3 were holes and
	// stay zero in the freshly created destination.
	assert.Equal(t, pattern[0:blockSize], got[0:blockSize])
	assert.Equal(t, make([]byte, blockSize), got[blockSize:2*blockSize])
	assert.Equal(t, pattern[2*blockSize:3*blockSize], got[2*blockSize:3*blockSize])
	assert.Equal(t, make([]byte, blockSize), got[3*blockSize:4*blockSize])
}
