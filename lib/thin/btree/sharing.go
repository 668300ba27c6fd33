package btree

import (
	"context"
	"fmt"
	"sync"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
)

// EntryKind distinguishes an owned leaf from a reference to a
// previously emitted shared subtree.
type EntryKind int

const (
	EntryLeaf EntryKind = iota
	EntryRef
)

// Entry is one item of a flattened mapping-subtree walk: either an
// owned leaf at Loc, or a Ref to a SharedDef by DefID.
type Entry struct {
	Kind  EntryKind
	Loc   uint64
	DefID int
}

// SharedDef is a subtree observed at more than one position across
// all walked roots, recorded once with its flattened entries.
type SharedDef struct {
	DefID   int
	Entries []Entry
}

// SharingWalker walks one or more per-device mapping subtrees,
// assigning a dense, stable def_id to any node location reached more
// than once across all walked roots and emitting it as a SharedDef
// exactly once, per the two-pass strategy in spec.md §4.3/§4.9: pass
// one (CountRefs) computes a reference count per location via
// memoized recursion, pass two (WalkRoot) assigns def_ids to
// locations with count > 1 and emits Entry{Leaf} or Entry{Ref}
// accordingly.
type SharingWalker struct {
	eng ioengine.Engine

	mu        sync.Mutex
	refcount  map[uint64]int
	defIndex  map[uint64]int
	defs      []SharedDef
}

// NewSharingWalker creates a walker over eng. Call CountRefs once per
// root to walk before calling WalkRoot for any root.
func NewSharingWalker(eng ioengine.Engine) *SharingWalker {
	return &SharingWalker{
		eng:      eng,
		refcount: make(map[uint64]int),
		defIndex: make(map[uint64]int),
	}
}

// CountRefs performs pass one over the subtree rooted at loc,
// incrementing the reference count of every internal and leaf
// location reached. It recurses into a location's children only the
// first time that location is seen, since a shared location's
// children are identical on every occurrence.
func (w *SharingWalker) CountRefs(ctx context.Context, loc uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.refcount[loc]++
	firstTime := w.refcount[loc] == 1
	w.mu.Unlock()
	if !firstTime {
		return nil
	}

	node, err := readNode(ctx, w.eng, nil, loc, true, false)
	if err != nil {
		return err
	}
	if node.Header.IsLeaf() {
		return nil
	}
	for _, raw := range node.Values {
		childLoc := decodeChildLocs([][]byte{raw})[0]
		if err := w.CountRefs(ctx, childLoc); err != nil {
			return err
		}
	}
	return nil
}

// WalkRoot performs pass two over the subtree rooted at loc, per the
// reference counts gathered during CountRefs, and returns the
// flattened entry list for that root.
func (w *SharingWalker) WalkRoot(ctx context.Context, loc uint64) ([]Entry, error) {
	return w.walk(ctx, loc)
}

// Defs returns the shared definitions assembled so far, in ascending
// def_id order.
func (w *SharingWalker) Defs() []SharedDef {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SharedDef, len(w.defs))
	copy(out, w.defs)
	return out
}

func (w *SharingWalker) walk(ctx context.Context, loc uint64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	count := w.refcount[loc]
	if count > 1 {
		if idx, ok := w.defIndex[loc]; ok {
			w.mu.Unlock()
			return []Entry{{Kind: EntryRef, DefID: idx}}, nil
		}
		idx := len(w.defs)
		w.defIndex[loc] = idx
		w.defs = append(w.defs, SharedDef{DefID: idx})
		w.mu.Unlock()

		entries, err := w.collectEntries(ctx, loc)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.defs[idx].Entries = entries
		w.mu.Unlock()
		return []Entry{{Kind: EntryRef, DefID: idx}}, nil
	}
	w.mu.Unlock()

	return w.collectEntries(ctx, loc)
}

// collectEntries walks loc without re-checking its own sharing status
// (the caller has already decided loc is either unshared or is the
// first visit to a shared location) and returns its flattened entries,
// recursing through walk so any nested shared nodes get their own
// SharedDef.
func (w *SharingWalker) collectEntries(ctx context.Context, loc uint64) ([]Entry, error) {
	node, err := readNode(ctx, w.eng, nil, loc, true, false)
	if err != nil {
		return nil, err
	}
	if node.Header.IsLeaf() {
		return []Entry{{Kind: EntryLeaf, Loc: loc}}, nil
	}
	var out []Entry
	for _, raw := range node.Values {
		childLoc := decodeChildLocs([][]byte{raw})[0]
		childEntries, err := w.walk(ctx, childLoc)
		if err != nil {
			return nil, fmt.Errorf("subtree at %d: %w", childLoc, err)
		}
		out = append(out, childEntries...)
	}
	return out, nil
}

// ReadLeaf reads and decodes the keys/values of the leaf at loc,
// for use by the coalescer once a mapping-subtree walk has produced
// an Entry{Kind: EntryLeaf}.
func ReadLeaf[V any](ctx context.Context, eng ioengine.Engine, loc uint64, decode DecodeValue[V]) (keys []uint64, values []V, err error) {
	node, err := readNode(ctx, eng, nil, loc, true, false)
	if err != nil {
		return nil, nil, err
	}
	if !node.Header.IsLeaf() {
		return nil, nil, fmt.Errorf("btree: ReadLeaf: %d is not a leaf", loc)
	}
	values = make([]V, len(node.Values))
	for i, raw := range node.Values {
		v, err := decode(raw)
		if err != nil {
			return nil, nil, &BadNodeError{Loc: loc, Reason: "decode value", Err: err}
		}
		values[i] = v
	}
	return node.Keys, values, nil
}
