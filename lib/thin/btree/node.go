package btree

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
)

// rawNode is a validated, decoded B-tree node: its header plus raw
// key and value byte arrays, not yet interpreted as a particular
// value type.
type rawNode struct {
	Header unpack.NodeHeader
	Keys   []uint64
	Values [][]byte // len(Values) == len(Keys); each is Header.ValueSize bytes
}

// readNode reads the block at loc, verifies its checksum and blocknr
// mirror via checksum.Classify, and decodes it as a B-tree node
// header plus its keys and raw value bytes. ignoreNonFatal controls
// whether an empty non-root node is tolerated instead of reported; an
// entry count above max_entries is reported either way.
func readNode(ctx context.Context, eng ioengine.Engine, path Path, loc uint64, isRoot, ignoreNonFatal bool) (rawNode, error) {
	buf, err := eng.Read(ctx, loc)
	if err != nil {
		return rawNode{}, fmt.Errorf("btree: read node %d: %w", loc, err)
	}
	typ, err := checksum.Classify(loc, buf)
	if err != nil {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: "checksum", Err: err}
	}
	if typ != checksum.Node {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: fmt.Sprintf("not a node block (type=%v)", typ)}
	}

	var header unpack.NodeHeader
	if _, err := binpack.Unmarshal(buf, &header); err != nil {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: "decode header", Err: err}
	}

	nrEntries := int(header.NrEntries)
	maxEntries := int(header.MaxEntries)
	valueSize := int(header.ValueSize)

	if nrEntries > maxEntries {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: fmt.Sprintf("nr_entries=%d exceeds max_entries=%d", nrEntries, maxEntries)}
	}
	if nrEntries == 0 && !isRoot && !ignoreNonFatal {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: "empty non-root node"}
	}

	body := buf[unpack.NodeHeaderSize:]
	need := nrEntries*unpack.KeySize + nrEntries*valueSize
	if need > len(body) {
		return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: fmt.Sprintf("node body too small for %d entries of size %d", nrEntries, valueSize)}
	}

	keys := make([]uint64, nrEntries)
	for i := 0; i < nrEntries; i++ {
		keys[i] = binary.LittleEndian.Uint64(body[i*unpack.KeySize:])
	}
	for i := 1; i < nrEntries; i++ {
		if keys[i] <= keys[i-1] {
			return rawNode{}, &BadNodeError{Path: path, Loc: loc, Reason: fmt.Sprintf("keys not strictly increasing at slot %d", i)}
		}
	}

	valuesOff := nrEntries * unpack.KeySize
	values := make([][]byte, nrEntries)
	for i := 0; i < nrEntries; i++ {
		values[i] = body[valuesOff+i*valueSize : valuesOff+(i+1)*valueSize]
	}

	return rawNode{Header: header, Keys: keys, Values: values}, nil
}
