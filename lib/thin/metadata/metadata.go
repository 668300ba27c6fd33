// Package metadata builds the logical model of a thin-provisioning
// pool's mapping state: one Device per thin device plus the
// SharedDefs referenced by more than one device, ready to hand to a
// coalescer and emitter.
package metadata

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
)

// Device is the descriptor synthesized for one thin_id, joining its
// device-details record with its flattened mapping entries.
type Device struct {
	ThinID          uint64
	MappedBlocks    uint64
	TransactionID   uint64
	CreationTime    uint32
	SnapshottedTime uint32
	Entries         []btree.Entry
}

// Metadata is the full logical model of a dump: every SharedDef in
// ascending def_id order, followed by every Device in ascending
// thin_id order.
type Metadata struct {
	Defs []btree.SharedDef
	Devs []Device
}

// decodeChildLoc decodes a top-level-tree leaf value: the block
// address of a per-device mapping subtree root (spec.md §3).
func decodeChildLoc(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("metadata: short mapping-root value: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func decodeDeviceDetail(buf []byte) (unpack.DeviceDetail, error) {
	var dd unpack.DeviceDetail
	if _, err := binpack.Unmarshal(buf, &dd); err != nil {
		return unpack.DeviceDetail{}, fmt.Errorf("metadata: decode device detail: %w", err)
	}
	return dd, nil
}

// BuildWithDevices reads the top-level mapping tree and the
// device-details tree rooted at mappingRoot/detailsRoot, and builds a
// Metadata value covering every thin device present, in ascending
// thin_id order with shared subtrees flattened into Defs (spec.md
// §4.5).
func BuildWithDevices(ctx context.Context, eng ioengine.Engine, mappingRoot, detailsRoot uint64) (Metadata, error) {
	type rootEntry struct {
		thinID uint64
		loc    uint64
	}
	var roots []rootEntry
	err := btree.WalkLeaves[uint64](ctx, eng, mappingRoot, decodeChildLoc,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []uint64) btree.Visit {
			for i, k := range keys {
				roots = append(roots, rootEntry{thinID: k, loc: values[i]})
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: walk top-level mapping tree: %w", err)
	}

	details := make(map[uint64]unpack.DeviceDetail)
	err = btree.WalkLeaves[unpack.DeviceDetail](ctx, eng, detailsRoot, decodeDeviceDetail,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []unpack.DeviceDetail) btree.Visit {
			for i, k := range keys {
				details[k] = values[i]
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: walk device-details tree: %w", err)
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].thinID < roots[j].thinID })

	sw := btree.NewSharingWalker(eng)
	for _, r := range roots {
		if err := sw.CountRefs(ctx, r.loc); err != nil {
			return Metadata{}, fmt.Errorf("metadata: count refs for thin_id %d: %w", r.thinID, err)
		}
	}

	devs := make([]Device, 0, len(roots))
	for _, r := range roots {
		entries, err := sw.WalkRoot(ctx, r.loc)
		if err != nil {
			return Metadata{}, fmt.Errorf("metadata: walk mapping subtree for thin_id %d: %w", r.thinID, err)
		}
		dd, ok := details[r.thinID]
		if !ok {
			return Metadata{}, fmt.Errorf("metadata: thin_id %d has no device-details entry", r.thinID)
		}
		devs = append(devs, Device{
			ThinID:          r.thinID,
			MappedBlocks:    uint64(dd.MappedBlocks),
			TransactionID:   uint64(dd.TransactionID),
			CreationTime:    uint32(dd.CreationTime),
			SnapshottedTime: uint32(dd.SnapshottedTime),
			Entries:         entries,
		})
	}

	return Metadata{Defs: sw.Defs(), Devs: devs}, nil
}

// BuildWithoutMappings builds a Metadata value containing only device
// descriptors (ThinID/MappedBlocks/TransactionID/CreationTime/
// SnapshottedTime), with no Entries and no Defs, for callers that need
// device inventory without walking any mapping subtree.
func BuildWithoutMappings(ctx context.Context, eng ioengine.Engine, detailsRoot uint64) (Metadata, error) {
	var devs []Device
	err := btree.WalkLeaves[unpack.DeviceDetail](ctx, eng, detailsRoot, decodeDeviceDetail,
		func(path btree.Path, kr btree.KeyRange, header unpack.NodeHeader, keys []uint64, values []unpack.DeviceDetail) btree.Visit {
			for i, k := range keys {
				dd := values[i]
				devs = append(devs, Device{
					ThinID:          k,
					MappedBlocks:    uint64(dd.MappedBlocks),
					TransactionID:   uint64(dd.TransactionID),
					CreationTime:    uint32(dd.CreationTime),
					SnapshottedTime: uint32(dd.SnapshottedTime),
				})
			}
			return btree.VisitContinue
		}, btree.Options{})
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: walk device-details tree: %w", err)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ThinID < devs[j].ThinID })
	return Metadata{Devs: devs}, nil
}

// OptimiseMetadata runs the post-build optimisation pass of spec.md
// §4.5: any SharedDef referenced by exactly one Ref across the whole
// model is dropped, its entries inlined at that single referring
// position; a SharedDef referenced by no Ref at all (its only
// referrer was filtered out upstream) is dropped outright, since an
// unreferenced def would otherwise be emitted with no ref_shared
// anywhere in the output. def_ids are renumbered densely to stay
// stable within the dump.
func OptimiseMetadata(m Metadata) Metadata {
	refCounts := make(map[int]int)
	countRefs := func(entries []btree.Entry) {
		for _, e := range entries {
			if e.Kind == btree.EntryRef {
				refCounts[e.DefID]++
			}
		}
	}
	for _, def := range m.Defs {
		countRefs(def.Entries)
	}
	for _, dev := range m.Devs {
		countRefs(dev.Entries)
	}

	inline := func(entries []btree.Entry) []btree.Entry {
		out := make([]btree.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Kind == btree.EntryRef && refCounts[e.DefID] == 1 {
				out = append(out, m.Defs[e.DefID].Entries...)
				continue
			}
			out = append(out, e)
		}
		return out
	}

	keptDefs := make([]btree.SharedDef, 0, len(m.Defs))
	remap := make(map[int]int, len(m.Defs))
	for _, def := range m.Defs {
		// A def referenced exactly once gets inlined at its sole
		// referrer by the loop above; one referenced by nobody (its
		// only referrer was filtered out upstream) has nothing to
		// inline into and is just dropped. Either way it's omitted
		// here so every surviving def keeps at least one ref_shared.
		if refCounts[def.DefID] <= 1 {
			continue
		}
		newID := len(keptDefs)
		remap[def.DefID] = newID
		keptDefs = append(keptDefs, btree.SharedDef{DefID: newID, Entries: inline(def.Entries)})
	}
	for i := range keptDefs {
		keptDefs[i].Entries = remapRefs(keptDefs[i].Entries, remap)
	}

	newDevs := make([]Device, len(m.Devs))
	for i, dev := range m.Devs {
		dev.Entries = remapRefs(inline(dev.Entries), remap)
		newDevs[i] = dev
	}

	return Metadata{Defs: keptDefs, Devs: newDevs}
}

func remapRefs(entries []btree.Entry, remap map[int]int) []btree.Entry {
	out := make([]btree.Entry, len(entries))
	for i, e := range entries {
		if e.Kind == btree.EntryRef {
			e.DefID = remap[e.DefID]
		}
		out[i] = e
	}
	return out
}
