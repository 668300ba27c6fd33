// Package repair reconstructs the superblock and top-level tree roots
// of a thin-provisioning metadata device that is missing, damaged, or
// marked needs_check, so that it can be dumped as if intact.
package repair

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/containers"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/dump"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
)

// BlockIndex is the result of a full-device scan: the locations of
// every block that classified as a valid node, keyed by the set of
// locations in containers.Set so membership tests during root
// reconstruction are O(1).
type BlockIndex struct {
	Nodes       containers.Set[uint64]
	Superblocks containers.Set[uint64]
}

// ScanBlocks reads every block of eng in order, classifying each one
// and recording the locations of valid nodes and superblocks. A block
// that fails to classify (bad magic, mismatched checksum or blocknr)
// is skipped, mirroring ScanForNodes's "continue past anything that
// doesn't look like a node" behaviour rather than aborting the scan.
func ScanBlocks(ctx context.Context, eng ioengine.Engine) (*BlockIndex, error) {
	idx := &BlockIndex{
		Nodes:       containers.NewSet[uint64](),
		Superblocks: containers.NewSet[uint64](),
	}
	nr := eng.NrBlocks()
	for loc := uint64(0); loc < nr; loc++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := eng.Read(ctx, loc)
		if err != nil {
			continue
		}
		typ, err := checksum.Classify(loc, buf)
		if err != nil {
			continue
		}
		switch typ {
		case checksum.Node:
			idx.Nodes.Insert(loc)
		case checksum.SuperblockThin:
			idx.Superblocks.Insert(loc)
		}
	}
	return idx, nil
}

func decodeChildLoc(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("repair: short mapping-root value: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func decodeDeviceDetail(buf []byte) (unpack.DeviceDetail, error) {
	var dd unpack.DeviceDetail
	if _, err := binpack.Unmarshal(buf, &dd); err != nil {
		return unpack.DeviceDetail{}, err
	}
	return dd, nil
}

// mappingTop is one candidate top-level mapping tree root: the
// per-device subtree location keyed by thin_id, in the order its
// leaves were visited.
type mappingTop struct {
	root    uint64
	subtree map[uint64]uint64 // thin_id -> subtree root loc
}

// tryMappingRoot walks loc as a top-level mapping tree. The walk
// itself re-validates every node it visits via the engine's checksum
// classification (btree.WalkLeaves calls readNode, which rejects
// anything but a well-formed Node block), so a successful walk is
// already evidence of "following well-typed edges" per spec.md §4.8.
func tryMappingRoot(ctx context.Context, eng ioengine.Engine, loc uint64) (*mappingTop, error) {
	top := &mappingTop{root: loc, subtree: make(map[uint64]uint64)}
	err := btree.WalkLeaves[uint64](ctx, eng, loc, decodeChildLoc,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []uint64) btree.Visit {
			for i, k := range keys {
				top.subtree[k] = values[i]
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return nil, err
	}
	return top, nil
}

// tryDetailsRoot walks loc as a device-details tree, returning the set
// of thin_ids it describes and the highest snapshotted_time observed.
func tryDetailsRoot(ctx context.Context, eng ioengine.Engine, loc uint64) (containers.Set[uint64], uint32, error) {
	ids := containers.NewSet[uint64]()
	var maxSnapTime uint32
	err := btree.WalkLeaves[unpack.DeviceDetail](ctx, eng, loc, decodeDeviceDetail,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []unpack.DeviceDetail) btree.Visit {
			for i, k := range keys {
				ids.Insert(k)
				if t := uint32(values[i].SnapshottedTime); t > maxSnapTime {
					maxSnapTime = t
				}
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return nil, 0, err
	}
	return ids, maxSnapTime, nil
}

// RootPair is a (mapping top, details) root pair that passed
// consistency checking: every thin_id named by the mapping tree has a
// matching device-details entry, and every per-device subtree it
// points at is itself a block classified as a valid node.
type RootPair struct {
	MappingRoot uint64
	DetailsRoot uint64
	NrDevices   int
	MaxSnapTime uint32
}

// CandidateRoots tries every scanned node as both a mapping-tree root
// and a details-tree root, and returns every pair satisfying spec.md
// §4.8 point 3, ranked by NrDevices descending (most devices
// recovered wins) then by ascending MappingRoot for a deterministic
// tie-break.
func CandidateRoots(ctx context.Context, eng ioengine.Engine, idx *BlockIndex) ([]RootPair, error) {
	locs := make([]uint64, 0, len(idx.Nodes))
	for loc := range idx.Nodes {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })

	var mappingTops []*mappingTop
	type detailsCandidate struct {
		loc         uint64
		ids         containers.Set[uint64]
		maxSnapTime uint32
	}
	var detailsCandidates []detailsCandidate

	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if top, err := tryMappingRoot(ctx, eng, loc); err == nil && len(top.subtree) > 0 {
			mappingTops = append(mappingTops, top)
		}
		if ids, maxSnap, err := tryDetailsRoot(ctx, eng, loc); err == nil && len(ids) > 0 {
			detailsCandidates = append(detailsCandidates, detailsCandidate{loc: loc, ids: ids, maxSnapTime: maxSnap})
		}
	}

	var pairs []RootPair
	for _, top := range mappingTops {
		for _, dc := range detailsCandidates {
			consistent := true
			for thinID, subLoc := range top.subtree {
				if !dc.ids.Has(thinID) || !idx.Nodes.Has(subLoc) {
					consistent = false
					break
				}
			}
			if !consistent {
				continue
			}
			pairs = append(pairs, RootPair{
				MappingRoot: top.root,
				DetailsRoot: dc.loc,
				NrDevices:   len(top.subtree),
				MaxSnapTime: dc.maxSnapTime,
			})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].NrDevices != pairs[j].NrDevices {
			return pairs[i].NrDevices > pairs[j].NrDevices
		}
		return pairs[i].MappingRoot < pairs[j].MappingRoot
	})
	return pairs, nil
}

// Options configures a repair run. Overrides reuses dump's override
// type directly: repair's reconstructed superblock is handed straight
// to dump.DumpMetadata, and the fields a repair cannot infer are
// exactly the fields dump.ReadSuperblock already knows how to
// override.
type Options struct {
	Overrides dump.SuperblockOverrides
}

// MissingOverrideError reports that the superblock could not be read
// and a mandatory override was not supplied.
type MissingOverrideError struct {
	Field string
}

func (e *MissingOverrideError) Error() string {
	return fmt.Sprintf("repair: superblock unreadable and no --%s override given", e.Field)
}

// NeedsRepair reports whether the superblock at block 0 is missing,
// mis-checksummed, or marked needs_check.
func NeedsRepair(ctx context.Context, eng ioengine.Engine) (bool, error) {
	buf, err := eng.Read(ctx, 0)
	if err != nil {
		return true, nil
	}
	typ, err := checksum.Classify(0, buf)
	if err != nil || typ != checksum.SuperblockThin {
		return true, nil
	}
	var sb unpack.Superblock
	if _, err := binpack.Unmarshal(buf, &sb); err != nil {
		return true, nil
	}
	return sb.NeedsCheck(), nil
}

// Result is a reconstructed superblock plus the root pair it was
// built from, ready to pass to metadata.BuildWithDevices followed by
// dump.DumpMetadata.
type Result struct {
	Superblock  *ir.Superblock
	MappingRoot uint64
	DetailsRoot uint64
}

// Repair scans eng, selects the best-scoring candidate root pair, and
// reconstructs a superblock for it. When the existing superblock is
// readable its transaction_id and data_block_size are kept unless
// overridden; when it is not, both must come from opts.Overrides.
// nr_data_blocks always comes from opts.Overrides, even when the
// existing superblock is readable. A missing value makes Repair fail
// with *MissingOverrideError. The resulting time is
// max(existing_time, max_snapshotted_time+1): an existing time that is
// already past every snapshotted_time is kept unchanged.
func Repair(ctx context.Context, eng ioengine.Engine, opts Options) (*Result, error) {
	idx, err := ScanBlocks(ctx, eng)
	if err != nil {
		return nil, fmt.Errorf("repair: scan: %w", err)
	}
	pairs, err := CandidateRoots(ctx, eng, idx)
	if err != nil {
		return nil, fmt.Errorf("repair: candidate roots: %w", err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("repair: no consistent (mapping, details) root pair found")
	}
	best := pairs[0]

	var existingTime uint64
	var transactionID, dataBlockSize, nrDataBlocks *uint64
	if buf, err := eng.Read(ctx, 0); err == nil {
		if typ, err := checksum.Classify(0, buf); err == nil && typ == checksum.SuperblockThin {
			var sb unpack.Superblock
			if _, err := binpack.Unmarshal(buf, &sb); err == nil {
				existingTime = uint64(sb.CurrentTime)
				txn, dbs := uint64(sb.TransactionID), uint64(sb.DataBlockSize)
				transactionID, dataBlockSize = &txn, &dbs
			}
		}
	}
	if opts.Overrides.TransactionID != nil {
		transactionID = opts.Overrides.TransactionID
	}
	if opts.Overrides.DataBlockSize != nil {
		v := uint64(*opts.Overrides.DataBlockSize)
		dataBlockSize = &v
	}
	if opts.Overrides.NrDataBlocks != nil {
		nrDataBlocks = opts.Overrides.NrDataBlocks
	}
	if transactionID == nil {
		return nil, &MissingOverrideError{Field: "transaction-id"}
	}
	if dataBlockSize == nil {
		return nil, &MissingOverrideError{Field: "data-block-size"}
	}
	if nrDataBlocks == nil {
		return nil, &MissingOverrideError{Field: "nr-data-blocks"}
	}

	newTime := existingTime
	if minTime := uint64(best.MaxSnapTime) + 1; minTime > newTime {
		newTime = minTime
	}

	return &Result{
		Superblock: &ir.Superblock{
			Time:          uint32(newTime),
			Transaction:   *transactionID,
			Version:       2,
			DataBlockSize: uint32(*dataBlockSize),
			NrDataBlocks:  *nrDataBlocks,
		},
		MappingRoot: best.MappingRoot,
		DetailsRoot: best.DetailsRoot,
	}, nil
}
