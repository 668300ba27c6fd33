// Package btree walks the on-disk B+-trees of a thin-provisioning
// metadata device: the top-level mapping tree, per-device mapping
// subtrees (with sharing detection), and the device-details tree.
package btree

import (
	"context"
	"encoding/binary"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
)

// LeafHandler is invoked once per leaf reached during a walk, in
// ascending key order. Returning VisitStop ends the walk cleanly
// after the current leaf.
type LeafHandler[V any] func(path Path, keyRange KeyRange, header unpack.NodeHeader, keys []uint64, values []V) Visit

// DecodeValue decodes one leaf value from its raw on-disk bytes.
type DecodeValue[V any] func([]byte) (V, error)

// Options controls walk tolerance.
type Options struct {
	IgnoreNonFatal bool
}

// WalkLeaves performs a depth-first, ascending-key-order walk of the
// tree rooted at rootLoc, calling visit for each leaf. It does not
// perform sharing detection; use SharingWalker for the per-device
// mapping subtrees where shared nodes must be detected and emitted
// once (spec.md §4.3, §4.9).
func WalkLeaves[V any](ctx context.Context, eng ioengine.Engine, rootLoc uint64, decode DecodeValue[V], visit LeafHandler[V], opts Options) error {
	_, err := walkLeaves(ctx, eng, nil, rootLoc, true, decode, visit, opts)
	return err
}

func walkLeaves[V any](ctx context.Context, eng ioengine.Engine, path Path, loc uint64, isRoot bool, decode DecodeValue[V], visit LeafHandler[V], opts Options) (Visit, error) {
	if err := ctx.Err(); err != nil {
		return VisitStop, err
	}
	node, err := readNode(ctx, eng, path, loc, isRoot, opts.IgnoreNonFatal)
	if err != nil {
		if opts.IgnoreNonFatal {
			return VisitContinue, nil
		}
		return VisitStop, err
	}

	myPath := append(append(Path{}, path...), PathElem{Loc: loc})

	if node.Header.IsLeaf() {
		values := make([]V, len(node.Values))
		for i, raw := range node.Values {
			v, err := decode(raw)
			if err != nil {
				if opts.IgnoreNonFatal {
					continue
				}
				return VisitStop, &BadNodeError{Path: myPath, Loc: loc, Reason: "decode value", Err: err}
			}
			values[i] = v
		}
		kr := KeyRange{}
		if len(node.Keys) > 0 {
			kr = KeyRange{Low: node.Keys[0], High: node.Keys[len(node.Keys)-1] + 1}
		}
		return visit(myPath, kr, node.Header, node.Keys, values), nil
	}

	for i, childLoc64 := range decodeChildLocs(node.Values) {
		childPath := append(append(Path{}, path...), PathElem{Loc: loc, Key: node.Keys[i]})
		v, err := walkLeaves(ctx, eng, childPath, childLoc64, false, decode, visit, opts)
		if err != nil {
			return VisitStop, err
		}
		if v == VisitStop {
			return VisitStop, nil
		}
	}
	return VisitContinue, nil
}

func decodeChildLocs(values [][]byte) []uint64 {
	out := make([]uint64, len(values))
	for i, raw := range values {
		out[i] = binary.LittleEndian.Uint64(raw)
	}
	return out
}
