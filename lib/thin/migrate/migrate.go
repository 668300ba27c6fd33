// Package migrate copies the data blocks of one thin device out to a
// new location (another device or a plain file), skipping holes in
// its mapping tree, with a bounded-channel producer/consumer pipeline
// providing backpressure between the block-range producer and a
// dedicated copier goroutine.
package migrate

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/containers"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/textui"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/coalesce"
)

// ErrDiscardUnsupported is returned when a stream produces a
// ChunkDiscard range; delta migration is reserved for a future
// feature and isn't exercised by the baseline copy path, matching
// original_source's todo!() in copy_regions.
var ErrDiscardUnsupported = fmt.Errorf("migrate: delta migration (discard chunks) is not supported")

// ChunkContents classifies a byte range of a thin device's virtual
// address space.
type ChunkContents int

const (
	// ChunkCopy ranges hold live data that must be copied.
	ChunkCopy ChunkContents = iota
	// ChunkSkip ranges are unmapped; the destination is left untouched.
	ChunkSkip
	// ChunkDiscard ranges were mapped in a delta's "before" snapshot
	// but not its "after" snapshot. Delta migration is out of scope
	// for the baseline driver (spec.md §4.9); producing one is an
	// error, not a panic.
	ChunkDiscard
)

// Chunk is one byte-range segment of a thin device's virtual address
// space, as produced by a Stream.
type Chunk struct {
	Offset   uint64
	Len      uint64
	Contents ChunkContents
}

// Stream produces the Chunk sequence of one thin device's mapping
// tree in ascending offset order.
type Stream interface {
	// NextChunk returns the next chunk, or (nil, nil) once the stream
	// is exhausted.
	NextChunk(ctx context.Context) (*Chunk, error)
	// SizeHint is the total byte length of the device's virtual
	// address space, used to size the progress reporter.
	SizeHint() uint64
}

func decodeBlockTime(buf []byte) (unpack.BlockTime, error) {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return unpack.UnpackBlockTime(v), nil
}

// ThinStream walks one thin device's mapping subtree once at
// construction time, coalesces its entries into runs with
// lib/thin/coalesce, and precomputes the full Skip/Copy/trailing-skip
// chunk sequence so NextChunk is a plain queue pop.
type ThinStream struct {
	chunks   []Chunk
	sizeHint uint64
}

// NewThinStream builds a ThinStream for the subtree rooted at
// mappingRoot. blockSize is the device's data block size in bytes;
// virtualBlocks is the thin device's size in blocks (0 if unknown, in
// which case no trailing skip chunk is produced past the last
// mapping).
func NewThinStream(ctx context.Context, eng ioengine.Engine, mappingRoot uint64, blockSize, virtualBlocks uint64) (*ThinStream, error) {
	builder := coalesce.NewRunBuilder()
	var runs []coalesce.Run
	err := btree.WalkLeaves[unpack.BlockTime](ctx, eng, mappingRoot, decodeBlockTime,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []unpack.BlockTime) btree.Visit {
			for i, k := range keys {
				if run, ok := builder.Next(k, values[i].DataBlock, values[i].Time); ok {
					runs = append(runs, run)
				}
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return nil, fmt.Errorf("migrate: walk mapping subtree: %w", err)
	}
	if run, ok := builder.Complete(); ok {
		runs = append(runs, run)
	}

	var chunks []Chunk
	var last uint64
	for _, run := range runs {
		if run.ThinBegin > last {
			chunks = append(chunks, Chunk{Offset: last * blockSize, Len: (run.ThinBegin - last) * blockSize, Contents: ChunkSkip})
		}
		chunks = append(chunks, Chunk{Offset: run.ThinBegin * blockSize, Len: run.Len * blockSize, Contents: ChunkCopy})
		last = run.ThinBegin + run.Len
	}
	if virtualBlocks > last {
		chunks = append(chunks, Chunk{Offset: last * blockSize, Len: (virtualBlocks - last) * blockSize, Contents: ChunkSkip})
	}

	sizeHint := virtualBlocks * blockSize
	if sizeHint == 0 && last > 0 {
		sizeHint = last * blockSize
	}
	return &ThinStream{chunks: chunks, sizeHint: sizeHint}, nil
}

var _ Stream = (*ThinStream)(nil)

func (s *ThinStream) NextChunk(ctx context.Context) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.chunks) == 0 {
		return nil, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return &c, nil
}

func (s *ThinStream) SizeHint() uint64 { return s.sizeHint }

// CopyOp is one block-granularity copy instruction: read block Src of
// the source, write it to block Dst of the destination.
type CopyOp struct {
	Src uint64
	Dst uint64
}

// CopyOpBatcher accumulates CopyOps and flushes full batches onto a
// bounded channel, providing the backpressure point between the
// producer loop and the copier goroutine (spec.md §4.9, §5): Push
// blocks on channel send only once a batch fills, so the producer
// runs ahead by at most one pending batch.
type CopyOpBatcher struct {
	batchSize int
	buf       []CopyOp
	out       chan<- []CopyOp
}

// NewCopyOpBatcher creates a batcher that flushes every batchSize ops
// onto out.
func NewCopyOpBatcher(batchSize int, out chan<- []CopyOp) *CopyOpBatcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &CopyOpBatcher{batchSize: batchSize, out: out}
}

// Push appends op to the pending batch, flushing it onto the channel
// once it reaches batchSize.
func (b *CopyOpBatcher) Push(ctx context.Context, op CopyOp) error {
	b.buf = append(b.buf, op)
	if len(b.buf) >= b.batchSize {
		return b.flush(ctx)
	}
	return nil
}

func (b *CopyOpBatcher) flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = nil
	select {
	case b.out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete flushes any partial batch still buffered.
func (b *CopyOpBatcher) Complete(ctx context.Context) error {
	return b.flush(ctx)
}

// Copier performs the actual block transfer for one batch of CopyOps.
type Copier interface {
	Copy(ctx context.Context, ops []CopyOp) error
}

// SyncCopier copies blocks with positional reads and writes
// (pread/pwrite via golang.org/x/sys/unix, so no shared file offset is
// disturbed across concurrent batches), reusing a pooled buffer per
// Copy call the way lib/containers/slicepool.go's typedsync-backed
// pool is used elsewhere for read buffers.
type SyncCopier struct {
	src, dst  *os.File
	blockSize int
	pool      *containers.SlicePool[byte]
}

var _ Copier = (*SyncCopier)(nil)

// NewSyncCopier creates a copier transferring blockSize-byte blocks
// between src and dst.
func NewSyncCopier(blockSize int, src, dst *os.File) *SyncCopier {
	return &SyncCopier{src: src, dst: dst, blockSize: blockSize, pool: new(containers.SlicePool[byte])}
}

func (c *SyncCopier) Copy(ctx context.Context, ops []CopyOp) error {
	buf := c.pool.Get(c.blockSize)
	defer c.pool.Put(buf)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Pread(int(c.src.Fd()), buf, int64(op.Src)*int64(c.blockSize))
		if err != nil {
			return fmt.Errorf("migrate: read block %d: %w", op.Src, err)
		}
		if n != c.blockSize {
			return fmt.Errorf("migrate: short read of block %d: %d of %d bytes", op.Src, n, c.blockSize)
		}
		if _, err := unix.Pwrite(int(c.dst.Fd()), buf, int64(op.Dst)*int64(c.blockSize)); err != nil {
			return fmt.Errorf("migrate: write block %d: %w", op.Dst, err)
		}
	}
	return nil
}

// Stats reports copier progress; it satisfies lib/textui.Stats so it
// can drive a Progress[Stats] ticker.
type Stats struct {
	Done  uint64
	Total uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("migrate: copied %d/%d blocks", s.Done, s.Total)
}

// ThreadedCopier runs a Copier on a single dedicated goroutine,
// consuming batches from a channel and reporting progress after each
// one, grounded on original_source's ThreadedCopier wrapper around a
// SyncCopier.
type ThreadedCopier struct {
	inner Copier
}

// NewThreadedCopier wraps inner to run on its own goroutine.
func NewThreadedCopier(inner Copier) *ThreadedCopier {
	return &ThreadedCopier{inner: inner}
}

// Run starts the copier goroutine over in and returns a channel that
// receives at most one error: nil (via close) on success, or the
// first Copy failure. The goroutine exits (without draining further
// batches) on the first error, causing the next batcher Push/Complete
// to observe the channel close on ctx.Done() (the caller is expected
// to cancel ctx when it sees an error on the returned channel).
func (tc *ThreadedCopier) Run(ctx context.Context, in <-chan []CopyOp, totalBlocks uint64, progress *textui.Progress[Stats]) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var done uint64
		for batch := range in {
			if err := tc.inner.Copy(ctx, batch); err != nil {
				errCh <- err
				return
			}
			done += uint64(len(batch))
			if progress != nil {
				progress.Set(Stats{Done: done, Total: totalBlocks})
			}
		}
	}()
	return errCh
}

// DestKind selects how Migrate's destination was supplied.
type DestKind int

const (
	DestDevice DestKind = iota
	DestFile
)

// Dest describes the migration's destination.
type Dest struct {
	Kind   DestKind
	Path   string
	Create bool // only meaningful when Kind == DestFile
}

// Options configures a migration run.
type Options struct {
	MetadataEngine ioengine.Engine // already-open engine over the pool's metadata device
	MappingRoot    uint64          // per-device mapping subtree root for the thin device being migrated
	DataBlockSize  uint64          // bytes
	VirtualBlocks  uint64          // size of the thin device's virtual address space, in blocks

	SourcePath string
	Dest       Dest

	// BufferSize is the batch size in bytes; 0 selects
	// max(DataBlockSize, defaultBufferSize).
	BufferSize uint64
	// Direct adds O_DIRECT when opening the source and a device
	// destination; those two are opened O_EXCL whether or not it is
	// set. A file destination is opened with neither flag. Off by
	// default for ease of testing against plain files.
	Direct bool

	Progress *textui.Progress[Stats]
}

const defaultBufferSize = 64 * 1024 * 1024 // 64 MiB, matches DEFAULT_BUFFER_SIZE (131072 sectors)

func openFlags(write, direct bool) int {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	flags |= unix.O_EXCL
	if direct {
		flags |= unix.O_DIRECT
	}
	return flags
}

func openSource(path string, direct bool) (*os.File, int64, error) {
	f, err := os.OpenFile(path, openFlags(false, direct), 0)
	if err != nil {
		return nil, 0, fmt.Errorf("migrate: open source %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("migrate: stat source %s: %w", path, err)
	}
	return f, info.Size(), nil
}

func openDest(dst Dest, expectedLen int64, direct bool) (*os.File, error) {
	switch dst.Kind {
	case DestDevice:
		f, err := os.OpenFile(dst.Path, openFlags(true, direct), 0)
		if err != nil {
			return nil, fmt.Errorf("migrate: open destination %s: %w", dst.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size() != expectedLen {
			f.Close()
			return nil, fmt.Errorf("migrate: lengths differ: input(%d) != output(%d)", expectedLen, info.Size())
		}
		return f, nil
	case DestFile:
		if dst.Create {
			f, err := os.OpenFile(dst.Path, os.O_RDWR|os.O_CREATE, 0o644)
			if err != nil {
				return nil, fmt.Errorf("migrate: create destination %s: %w", dst.Path, err)
			}
			if err := f.Truncate(expectedLen); err != nil {
				f.Close()
				return nil, err
			}
			return f, nil
		}
		f, err := os.OpenFile(dst.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("migrate: open destination %s: %w", dst.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size() != expectedLen {
			f.Close()
			return nil, fmt.Errorf("migrate: lengths differ: input(%d) != output(%d)", expectedLen, info.Size())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("migrate: unknown destination kind %d", dst.Kind)
	}
}

// Migrate copies a thin device's live data blocks to opts.Dest,
// skipping holes, per spec.md §4.9.
func Migrate(ctx context.Context, opts Options) error {
	stream, err := NewThinStream(ctx, opts.MetadataEngine, opts.MappingRoot, opts.DataBlockSize, opts.VirtualBlocks)
	if err != nil {
		return err
	}

	srcFile, expectedLen, err := openSource(opts.SourcePath, opts.Direct)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := openDest(opts.Dest, expectedLen, opts.Direct)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	bufferSize := opts.BufferSize
	if bufferSize == 0 {
		bufferSize = opts.DataBlockSize
		if bufferSize < defaultBufferSize {
			bufferSize = defaultBufferSize
		}
	}
	blocksPerBatch := int(bufferSize / opts.DataBlockSize)
	if blocksPerBatch < 1 {
		blocksPerBatch = 1
	}

	ch := make(chan []CopyOp, 1)
	batcher := NewCopyOpBatcher(blocksPerBatch, ch)
	copier := NewThreadedCopier(NewSyncCopier(int(opts.DataBlockSize), srcFile, dstFile))
	totalBlocks := stream.SizeHint() / opts.DataBlockSize
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := copier.Run(ctx, ch, totalBlocks, opts.Progress)
	errCh := make(chan error, 1)
	go func() {
		err := <-runErrCh
		if err != nil {
			cancel()
		}
		errCh <- err
	}()

	produceErr := func() error {
		for {
			chunk, err := stream.NextChunk(ctx)
			if err != nil {
				return err
			}
			if chunk == nil {
				return nil
			}
			switch chunk.Contents {
			case ChunkSkip:
				// destination bytes untouched
			case ChunkCopy:
				begin := chunk.Offset / opts.DataBlockSize
				end := (chunk.Offset + chunk.Len) / opts.DataBlockSize
				for b := begin; b < end; b++ {
					if err := batcher.Push(ctx, CopyOp{Src: b, Dst: b}); err != nil {
						return err
					}
				}
			case ChunkDiscard:
				return ErrDiscardUnsupported
			}
		}
	}()

	if produceErr != nil {
		close(ch)
		if err := <-errCh; err != nil {
			return err
		}
		return produceErr
	}
	if err := batcher.Complete(ctx); err != nil {
		close(ch)
		if copyErr := <-errCh; copyErr != nil {
			return copyErr
		}
		return err
	}
	close(ch)
	if err := <-errCh; err != nil {
		return err
	}
	return nil
}
