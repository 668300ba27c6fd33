// Package dump walks a thin-provisioning metadata device's logical
// model and emits it through a MetadataVisitor, coalescing per-block
// mappings into runs as it goes.
package dump

import (
	"context"
	"fmt"
	"sync"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/coalesce"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/metadata"
)

// mappingVisitor coalesces the (thin_block, data_block, time) triples
// of one or more leaves into runs and forwards them to out. The
// embedded mutex serializes concurrent leaf processing so emitted
// runs stay totally ordered, the way original_source's MVInner/
// Mutex<MVInner> pair guards its RunBuilder and output visitor
// together.
type mappingVisitor struct {
	sync.Mutex
	out     ir.MetadataVisitor
	builder *coalesce.RunBuilder
}

func newMappingVisitor(out ir.MetadataVisitor) *mappingVisitor {
	return &mappingVisitor{out: out, builder: coalesce.NewRunBuilder()}
}

func (v *mappingVisitor) visit(keys []uint64, values []unpack.BlockTime) error {
	v.Lock()
	defer v.Unlock()
	for i, k := range keys {
		if run, ok := v.builder.Next(k, values[i].DataBlock, values[i].Time); ok {
			if _, err := v.out.Map(&ir.Map{ThinBegin: run.ThinBegin, DataBegin: run.DataBegin, Time: run.Time, Len: run.Len}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *mappingVisitor) endWalk() error {
	v.Lock()
	defer v.Unlock()
	if run, ok := v.builder.Complete(); ok {
		if _, err := v.out.Map(&ir.Map{ThinBegin: run.ThinBegin, DataBegin: run.DataBegin, Time: run.Time, Len: run.Len}); err != nil {
			return err
		}
	}
	return nil
}

func decodeBlockTime(buf []byte) (unpack.BlockTime, error) {
	if len(buf) < 8 {
		return unpack.BlockTime{}, fmt.Errorf("dump: short mapping value: %d bytes", len(buf))
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return unpack.UnpackBlockTime(v), nil
}

// emitLeaf reads the leaf at loc and feeds its mappings to v.
func emitLeaf(ctx context.Context, eng ioengine.Engine, v *mappingVisitor, loc uint64) error {
	keys, values, err := btree.ReadLeaf[unpack.BlockTime](ctx, eng, loc, decodeBlockTime)
	if err != nil {
		return fmt.Errorf("dump: leaf %d: %w", loc, err)
	}
	return v.visit(keys, values)
}

// emitLeaves reads leaves in engine-preferred batches and flushes the
// run builder once all of them have been processed.
func emitLeaves(ctx context.Context, eng ioengine.Engine, out ir.MetadataVisitor, leaves []uint64) error {
	v := newMappingVisitor(out)
	batchSize := eng.BatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(leaves); start += batchSize {
		end := start + batchSize
		if end > len(leaves) {
			end = len(leaves)
		}
		results, err := eng.ReadMany(ctx, leaves[start:end])
		if err != nil {
			return fmt.Errorf("dump: read_many failed: %w", err)
		}
		for _, res := range results {
			if res.Err != nil {
				return fmt.Errorf("dump: read of leaf %d failed: %w", res.Loc, res.Err)
			}
			typ, err := checksum.Classify(res.Loc, res.Data)
			if err != nil {
				return fmt.Errorf("dump: checksum failed for node %d: %w", res.Loc, err)
			}
			if typ != checksum.Node {
				return fmt.Errorf("dump: block %d is not a node (type=%v)", res.Loc, typ)
			}
			if err := emitLeaf(ctx, eng, v, res.Loc); err != nil {
				return err
			}
		}
	}
	return v.endWalk()
}

// emitEntries walks a flattened entry list, batching consecutive
// owned leaves into one emitLeaves call and emitting a ref_shared
// tag for each Ref, preserving entry order.
func emitEntries(ctx context.Context, eng ioengine.Engine, out ir.MetadataVisitor, entries []btree.Entry) error {
	var leaves []uint64
	flush := func() error {
		if len(leaves) == 0 {
			return nil
		}
		err := emitLeaves(ctx, eng, out, leaves)
		leaves = leaves[:0]
		return err
	}
	for _, e := range entries {
		switch e.Kind {
		case btree.EntryLeaf:
			leaves = append(leaves, e.Loc)
		case btree.EntryRef:
			if err := flush(); err != nil {
				return err
			}
			if _, err := out.RefShared(fmt.Sprintf("%d", e.DefID)); err != nil {
				return err
			}
		}
	}
	return flush()
}

// DumpMetadata emits sb and md through out, in the fixed order of
// spec.md §4.7: superblock_b, defs (ascending def_id), devices
// (ascending thin_id), superblock_e, eof.
func DumpMetadata(ctx context.Context, eng ioengine.Engine, out ir.MetadataVisitor, sb *ir.Superblock, md metadata.Metadata) error {
	if _, err := out.SuperblockB(sb); err != nil {
		return err
	}
	for _, def := range md.Defs {
		if _, err := out.DefSharedB(fmt.Sprintf("%d", def.DefID)); err != nil {
			return err
		}
		if err := emitEntries(ctx, eng, out, def.Entries); err != nil {
			return err
		}
		if _, err := out.DefSharedE(); err != nil {
			return err
		}
	}
	for _, dev := range md.Devs {
		device := ir.Device{
			DevID:        dev.ThinID,
			MappedBlocks: dev.MappedBlocks,
			Transaction:  dev.TransactionID,
			CreationTime: dev.CreationTime,
			SnapTime:     dev.SnapshottedTime,
		}
		if _, err := out.DeviceB(&device); err != nil {
			return err
		}
		if err := emitEntries(ctx, eng, out, dev.Entries); err != nil {
			return err
		}
		if _, err := out.DeviceE(); err != nil {
			return err
		}
	}
	if _, err := out.SuperblockE(); err != nil {
		return err
	}
	_, err := out.Eof()
	return err
}

// SuperblockOverrides supplies values the repair path cannot infer
// from a damaged metadata device.
type SuperblockOverrides struct {
	TransactionID *uint64
	DataBlockSize *uint32
	NrDataBlocks  *uint64
}

// ThinDumpOptions configures a dump run.
type ThinDumpOptions struct {
	SkipMappings bool
	SelectedDevs []uint64 // nil means all devices
	Overrides    SuperblockOverrides
	// MetadataSnapLocation, when non-zero, reads the superblock (and
	// its mapping/details roots) from this block instead of block 0,
	// for dumping a held metadata snapshot rather than live metadata.
	MetadataSnapLocation uint64
}

const superblockLocation = 0

func decodeSuperblock(buf []byte) (unpack.Superblock, error) {
	var sb unpack.Superblock
	n, err := binpack.Unmarshal(buf, &sb)
	if err != nil {
		return unpack.Superblock{}, err
	}
	if n != binpack.StaticSize(unpack.Superblock{}) {
		return unpack.Superblock{}, fmt.Errorf("consumed %d of %d bytes", n, binpack.StaticSize(unpack.Superblock{}))
	}
	return sb, nil
}

// ReadSuperblock decodes the on-disk superblock at block 0 (or at
// opts.MetadataSnapLocation when that is non-zero) into its IR form,
// applying any overrides supplied in opts.
func ReadSuperblock(ctx context.Context, eng ioengine.Engine, opts ThinDumpOptions) (*ir.Superblock, error) {
	loc := opts.MetadataSnapLocation
	if loc == 0 {
		loc = superblockLocation
	}
	buf, err := eng.Read(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("dump: read superblock: %w", err)
	}
	typ, err := checksum.Classify(loc, buf)
	if err != nil {
		return nil, fmt.Errorf("dump: superblock: %w", err)
	}
	if typ != checksum.SuperblockThin {
		return nil, fmt.Errorf("dump: block 0 is not a thin superblock (type=%v)", typ)
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return nil, fmt.Errorf("dump: decode superblock: %w", err)
	}

	var nrDataBlocks uint64
	if smBuf, err := eng.Read(ctx, uint64(sb.DataSpaceMapRoot)); err == nil {
		if dataRoot, err := unpack.UnpackSMRoot(smBuf[32:]); err == nil {
			nrDataBlocks = uint64(dataRoot.NrBlocks)
		}
	}

	transactionID := uint64(sb.TransactionID)
	dataBlockSize := uint32(sb.DataBlockSize)
	if opts.Overrides.TransactionID != nil {
		transactionID = *opts.Overrides.TransactionID
	}
	if opts.Overrides.DataBlockSize != nil {
		dataBlockSize = *opts.Overrides.DataBlockSize
	}
	if opts.Overrides.NrDataBlocks != nil {
		nrDataBlocks = *opts.Overrides.NrDataBlocks
	}

	var flags *uint32
	if sb.NeedsCheck() {
		f := uint32(1)
		flags = &f
	}

	return &ir.Superblock{
		Time:          uint32(sb.CurrentTime),
		Transaction:   transactionID,
		Flags:         flags,
		Version:       uint32(sb.Version),
		DataBlockSize: dataBlockSize,
		NrDataBlocks:  nrDataBlocks,
	}, nil
}

// Dump reads the on-disk superblock and metadata tree from eng and
// emits them through out.
func Dump(ctx context.Context, eng ioengine.Engine, out ir.MetadataVisitor, opts ThinDumpOptions) error {
	sb, err := ReadSuperblock(ctx, eng, opts)
	if err != nil {
		return err
	}
	sbLoc := opts.MetadataSnapLocation
	if sbLoc == 0 {
		sbLoc = superblockLocation
	}
	buf, err := eng.Read(ctx, sbLoc)
	if err != nil {
		return err
	}
	rawSB, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}

	var md metadata.Metadata
	if opts.SkipMappings {
		md, err = metadata.BuildWithoutMappings(ctx, eng, uint64(rawSB.DeviceDetailsRoot))
	} else {
		md, err = metadata.BuildWithDevices(ctx, eng, uint64(rawSB.DataMappingRoot), uint64(rawSB.DeviceDetailsRoot))
		if err == nil {
			md = metadata.OptimiseMetadata(FilterDevices(md, opts.SelectedDevs))
		}
	}
	if err != nil {
		return fmt.Errorf("dump: build metadata: %w", err)
	}
	return DumpMetadata(ctx, eng, out, sb, md)
}

// FilterDevices restricts m to the devices named in selected (nil
// means keep all). Shared defs are left untouched here; a def that
// ends up with no remaining referrer is dropped later by
// OptimiseMetadata, not by this function.
func FilterDevices(m metadata.Metadata, selected []uint64) metadata.Metadata {
	if selected == nil {
		return m
	}
	want := make(map[uint64]bool, len(selected))
	for _, id := range selected {
		want[id] = true
	}
	devs := make([]metadata.Device, 0, len(m.Devs))
	for _, d := range m.Devs {
		if want[d.ThinID] {
			devs = append(devs, d)
		}
	}
	return metadata.Metadata{Defs: m.Defs, Devs: devs}
}
