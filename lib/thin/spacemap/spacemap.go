// Package spacemap walks a thin-provisioning metadata device's
// space-map index and bitmap blocks to produce the set of currently
// allocated data blocks.
package spacemap

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
)

// indexInfo pairs an index-tree key with the bitmap block it points
// to, so bitmap blocks can be visited in ascending blocknr order for
// sequential I/O regardless of index-key order.
type indexInfo struct {
	key uint64
	loc uint64
}

func decodeIndexEntry(buf []byte) (unpack.IndexEntry, error) {
	return unpack.UnpackIndexEntry(buf)
}

// AllocatedBlocks decodes the SMRoot at smRootLoc, walks its index
// tree to find every bitmap block, and returns the sparse set of data
// blocks whose bitmap entry is non-zero (allocated with refcount 1,
// refcount 2, or overflowing into the reference-count tree). Overflow
// entries are counted as allocated; this routine does not reconstruct
// exact reference counts.
func AllocatedBlocks(ctx context.Context, eng ioengine.Engine, smRootLoc uint64, nrBlocks uint64) (*roaring.Bitmap, error) {
	buf, err := eng.Read(ctx, smRootLoc)
	if err != nil {
		return nil, fmt.Errorf("spacemap: read root %d: %w", smRootLoc, err)
	}
	typ, err := checksum.Classify(smRootLoc, buf)
	if err != nil {
		return nil, fmt.Errorf("spacemap: root %d: %w", smRootLoc, err)
	}
	if typ != checksum.SpaceMapIndex {
		return nil, fmt.Errorf("spacemap: root %d: not a space-map index block (type=%v)", smRootLoc, typ)
	}
	// The common header occupies the first 32 bytes of every block;
	// the SMRoot record follows immediately.
	smRoot, err := unpack.UnpackSMRoot(buf[32:])
	if err != nil {
		return nil, fmt.Errorf("spacemap: root %d: %w", smRootLoc, err)
	}

	var infos []indexInfo
	handler := func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []unpack.IndexEntry) btree.Visit {
		for i, key := range keys {
			infos = append(infos, indexInfo{key: key, loc: uint64(values[i].Blocknr)})
		}
		return btree.VisitContinue
	}
	if err := btree.WalkLeaves[unpack.IndexEntry](ctx, eng, uint64(smRoot.BitmapRoot), decodeIndexEntry, handler, btree.Options{}); err != nil {
		return nil, fmt.Errorf("spacemap: walk index tree at %d: %w", smRoot.BitmapRoot, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].loc < infos[j].loc })

	bits := roaring.New()
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bmBuf, err := eng.Read(ctx, info.loc)
		if err != nil {
			return nil, fmt.Errorf("spacemap: read bitmap block %d: %w", info.loc, err)
		}
		bmType, err := checksum.Classify(info.loc, bmBuf)
		if err != nil {
			return nil, fmt.Errorf("spacemap: bitmap block %d: %w", info.loc, err)
		}
		if bmType != checksum.SpaceMapBitmap {
			return nil, fmt.Errorf("spacemap: bitmap block %d: not a bitmap block (type=%v)", info.loc, bmType)
		}
		bm, err := unpack.UnpackBitmap(bmBuf)
		if err != nil {
			return nil, fmt.Errorf("spacemap: decode bitmap block %d: %w", info.loc, err)
		}
		base := info.key * unpack.EntriesPerBitmap
		for i, entry := range bm.Entries {
			if entry == unpack.BitmapFree {
				continue
			}
			blockNr := base + uint64(i)
			if blockNr >= nrBlocks {
				continue
			}
			bits.Add(uint32(blockNr))
		}
	}
	return bits, nil
}
