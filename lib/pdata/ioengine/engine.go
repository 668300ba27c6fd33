// Package ioengine provides the block I/O engine that reads fixed-size
// 4 KiB metadata blocks from a file or block device, with optional
// direct I/O and an optional read cache.
package ioengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/containers"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
)

// InvalidInput reports that path can't be binary thin-provisioning
// metadata at all: it's shorter than one block, or its head matches
// one of the XML dump formats this tool reads in a different way.
type InvalidInput struct {
	Path   string
	Reason string
}

func (e *InvalidInput) Error() string {
	return fmt.Sprintf("ioengine: %s: %s", e.Path, e.Reason)
}

// xmlPrefixes are the line prefixes original_source's is_xml checks
// for in a file's first 16 bytes.
var xmlPrefixes = [][]byte{[]byte("<superblock"), []byte("?xml"), []byte("<!DOCTYPE")}

func looksLikeXML(head []byte) bool {
	for _, prefix := range xmlPrefixes {
		if bytes.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// Engine reads fixed-size blocks from a metadata device. It is safe
// for concurrent use from multiple goroutines.
type Engine interface {
	// Read reads the block at loc.
	Read(ctx context.Context, loc uint64) ([]byte, error)
	// ReadMany reads several blocks. Results are positionally
	// aligned with locs; an individual failure is reported in
	// that slot's error rather than aborting the whole batch.
	ReadMany(ctx context.Context, locs []uint64) ([]Result, error)
	// BatchSize is the preferred multi-read fan-out.
	BatchSize() int
	// NrBlocks is the device size in blocks.
	NrBlocks() uint64
	Close() error
}

// Result is one slot of a ReadMany response.
type Result struct {
	Loc  uint64
	Data []byte
	Err  error
}

// SyncEngine is a straightforward os.File-backed Engine.
type SyncEngine struct {
	file      *os.File
	batchSize int
	direct    bool
}

var _ Engine = (*SyncEngine)(nil)

// Options configures how a metadata device is opened.
type Options struct {
	// Direct requests O_DIRECT. Callers pass no buffers: the
	// engine reads into sector-aligned buffers it allocates
	// itself.
	Direct bool
	// BatchSize is the preferred read fan-out; 0 selects a
	// reasonable default.
	BatchSize int
	// Write opens the device read-write instead of read-only.
	Write bool
}

const defaultBatchSize = 16

// alignment used for O_DIRECT buffers; matches the common Linux
// logical sector size.
const directAlignment = 512

// Open opens path as a metadata device.
func Open(ctx context.Context, path string, opts Options) (*SyncEngine, error) {
	flags := os.O_RDONLY
	if opts.Write {
		flags = os.O_RDWR
	}
	if opts.Direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("ioengine: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ioengine: stat %s: %w", path, err)
	}
	if info.Size() < checksum.BlockSize {
		f.Close()
		return nil, &InvalidInput{Path: path, Reason: "metadata device/file too small; is this binary metadata?"}
	}
	eng := &SyncEngine{file: f, direct: opts.Direct}
	head := eng.alignedBuffer()
	if _, err := f.ReadAt(head, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("ioengine: read %s: %w", path, err)
	}
	if looksLikeXML(head[:16]) {
		f.Close()
		return nil, &InvalidInput{Path: path, Reason: "this looks like XML; only the binary metadata format is supported"}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	dlog.Debugf(ctx, "ioengine: opened %s (direct=%v, batchSize=%d)", path, opts.Direct, batchSize)
	eng.batchSize = batchSize
	return eng, nil
}

func (e *SyncEngine) BatchSize() int { return e.batchSize }

func (e *SyncEngine) NrBlocks() uint64 {
	info, err := e.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / checksum.BlockSize
}

func (e *SyncEngine) Close() error { return e.file.Close() }

// alignedBuffer returns a checksum.BlockSize buffer. When direct I/O
// is in use, the returned slice starts at a directAlignment-aligned
// address, as O_DIRECT requires.
func (e *SyncEngine) alignedBuffer() []byte {
	if !e.direct {
		return make([]byte, checksum.BlockSize)
	}
	base := make([]byte, checksum.BlockSize+directAlignment)
	start := directAlignment - (int(uintptr(unsafe.Pointer(&base[0]))) % directAlignment)
	if start == directAlignment {
		start = 0
	}
	return base[start : start+checksum.BlockSize]
}

func (e *SyncEngine) Read(ctx context.Context, loc uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := e.alignedBuffer()
	n, err := e.file.ReadAt(buf, int64(loc*checksum.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("ioengine: read block %d: %w", loc, err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("ioengine: read block %d: short read: %d of %d bytes", loc, n, len(buf))
	}
	return buf, nil
}

// ReadMany reads each block sequentially. Results may be reordered by
// a more sophisticated engine; SyncEngine returns them in input order,
// which trivially satisfies the "positionally aligned" contract.
func (e *SyncEngine) ReadMany(ctx context.Context, locs []uint64) ([]Result, error) {
	out := make([]Result, len(locs))
	for i, loc := range locs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		dat, err := e.Read(ctx, loc)
		out[i] = Result{Loc: loc, Data: dat, Err: err}
	}
	return out, nil
}

// CachedEngine decorates an Engine with a read cache, grounded on the
// same ARC-backed LRUCache used for btrfs block buffering.
type CachedEngine struct {
	inner Engine
	cache *containers.LRUCache[uint64, []byte]
}

var _ Engine = (*CachedEngine)(nil)

// NewCachedEngine wraps inner with an LRU cache holding up to size
// recently read blocks.
func NewCachedEngine(inner Engine, size int) *CachedEngine {
	return &CachedEngine{
		inner: inner,
		cache: containers.NewLRUCache[uint64, []byte](size),
	}
}

func (e *CachedEngine) BatchSize() int    { return e.inner.BatchSize() }
func (e *CachedEngine) NrBlocks() uint64  { return e.inner.NrBlocks() }
func (e *CachedEngine) Close() error      { return e.inner.Close() }

func (e *CachedEngine) Read(ctx context.Context, loc uint64) ([]byte, error) {
	if dat, ok := e.cache.Get(loc); ok {
		return dat, nil
	}
	dat, err := e.inner.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	e.cache.Add(loc, dat)
	return dat, nil
}

func (e *CachedEngine) ReadMany(ctx context.Context, locs []uint64) ([]Result, error) {
	out := make([]Result, len(locs))
	var misses []uint64
	var missIdx []int
	for i, loc := range locs {
		if dat, ok := e.cache.Get(loc); ok {
			out[i] = Result{Loc: loc, Data: dat}
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, loc)
	}
	if len(misses) > 0 {
		results, err := e.inner.ReadMany(ctx, misses)
		if err != nil {
			return out, err
		}
		for j, r := range results {
			if r.Err == nil {
				e.cache.Add(r.Loc, r.Data)
			}
			out[missIdx[j]] = r
		}
	}
	return out, nil
}

