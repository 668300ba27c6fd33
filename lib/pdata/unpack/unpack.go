// Package unpack decodes the on-disk record types of a
// thin-provisioning metadata device: the common block header, the
// superblock, B-tree node headers, packed mapping values, device
// details, the space-map root, and bitmap blocks.
//
// Fixed-width fields are decoded with lib/binpack's struct-tag driven
// marshaler, the way the teacher decodes its own on-disk node and
// superblock types.
package unpack

import (
	"fmt"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
)

// CommonHeader is the 32-byte header present at the start of every
// metadata block: a salted CRC32C checksum, a type magic, a blocknr
// mirror of the block's own address, a flags word, a padding word,
// and 8 reserved bytes (see DESIGN.md "Open Questions" for why the
// header totals 32 bytes though the named fields alone sum to 24).
type CommonHeader struct {
	CSum          binpack.U32le `bin:"off=0x0,  siz=0x4"`
	Magic         binpack.U32le `bin:"off=0x4,  siz=0x4"`
	Blocknr       binpack.U64le `bin:"off=0x8,  siz=0x8"`
	Flags         binpack.U32le `bin:"off=0x10, siz=0x4"`
	Pad           binpack.U32le `bin:"off=0x14, siz=0x4"`
	Reserved      [8]byte       `bin:"off=0x18, siz=0x8"`
	binpack.End   `bin:"off=0x20"`
}

// SuperblockFlags is the superblock's flags word.
type SuperblockFlags uint32

const NeedsCheck = SuperblockFlags(1 << 0)

func (f SuperblockFlags) Has(req SuperblockFlags) bool { return f&req == req }

// Superblock holds the fields of the thin-provisioning superblock
// that the core reads, per spec.md §3.
type Superblock struct {
	Header               CommonHeader    `bin:"off=0x0,  siz=0x20"`
	UUID                 [16]byte        `bin:"off=0x20, siz=0x10"`
	Flags                binpack.U32le   `bin:"off=0x30, siz=0x4"`
	Version              binpack.U32le   `bin:"off=0x34, siz=0x4"`
	TransactionID        binpack.U64le   `bin:"off=0x38, siz=0x8"`
	CreationTime         binpack.U32le   `bin:"off=0x40, siz=0x4"`
	CurrentTime          binpack.U32le   `bin:"off=0x44, siz=0x4"`
	DataSpaceMapRoot     binpack.U64le   `bin:"off=0x48, siz=0x8"`
	MetadataSpaceMapRoot binpack.U64le   `bin:"off=0x50, siz=0x8"`
	DataMappingRoot      binpack.U64le   `bin:"off=0x58, siz=0x8"`
	DeviceDetailsRoot    binpack.U64le   `bin:"off=0x60, siz=0x8"`
	DataBlockSize        binpack.U32le   `bin:"off=0x68, siz=0x4"` // in 512-byte sectors
	binpack.End          `bin:"off=0x6c"`
}

func (sb Superblock) NeedsCheck() bool {
	return SuperblockFlags(sb.Flags).Has(NeedsCheck)
}

// NodeHeader is the header of a B-tree node: the common header
// (whose Flags bit 0 distinguishes internal from leaf) plus the
// node's entry bookkeeping.
type NodeHeader struct {
	Header        CommonHeader  `bin:"off=0x0,  siz=0x20"`
	NrEntries     binpack.U32le `bin:"off=0x20, siz=0x4"`
	MaxEntries    binpack.U32le `bin:"off=0x24, siz=0x4"`
	ValueSize     binpack.U32le `bin:"off=0x28, siz=0x4"`
	Padding       binpack.U32le `bin:"off=0x2c, siz=0x4"`
	binpack.End   `bin:"off=0x30"`
}

const nodeFlagInternal = uint32(0)
const nodeFlagLeaf = uint32(1 << 0)

// IsLeaf reports whether the node's Flags bit marks it a leaf.
func (h NodeHeader) IsLeaf() bool {
	return uint32(h.Header.Flags)&nodeFlagLeaf != 0
}

// NodeHeaderSize is the on-disk size of a NodeHeader.
const NodeHeaderSize = 0x30

// KeySize is the on-disk size of a B-tree node key.
const KeySize = 8

// BlockTime is the decoded form of a mapping tree leaf value: a data
// block address and a 24-bit timestamp, packed on disk per spec.md §6
// as `u64 v = (data_block << 24) | (time & 0xFFFFFF)`.
type BlockTime struct {
	DataBlock uint64
	Time      uint32
}

// PackBlockTime encodes bt as the on-disk u64.
func PackBlockTime(bt BlockTime) uint64 {
	return (bt.DataBlock << 24) | (uint64(bt.Time) & 0xFFFFFF)
}

// UnpackBlockTime decodes the on-disk u64 mapping value.
func UnpackBlockTime(v uint64) BlockTime {
	return BlockTime{
		DataBlock: v >> 24,
		Time:      uint32(v & 0xFFFFFF),
	}
}

// DeviceDetail is the per-thin_id value in the device-details tree.
type DeviceDetail struct {
	MappedBlocks    binpack.U64le `bin:"off=0x0,  siz=0x8"`
	TransactionID   binpack.U64le `bin:"off=0x8,  siz=0x8"`
	CreationTime    binpack.U32le `bin:"off=0x10, siz=0x4"`
	SnapshottedTime binpack.U32le `bin:"off=0x14, siz=0x4"`
	binpack.End     `bin:"off=0x18"`
}

// SMRoot is the packed space-map root record found in the body of the
// block located by the superblock's DataSpaceMapRoot /
// MetadataSpaceMapRoot fields, immediately after that block's
// CommonHeader.
type SMRoot struct {
	NrBlocks      binpack.U64le `bin:"off=0x0,  siz=0x8"`
	NrAllocated   binpack.U64le `bin:"off=0x8,  siz=0x8"`
	BitmapRoot    binpack.U64le `bin:"off=0x10, siz=0x8"`
	RefCountRoot  binpack.U64le `bin:"off=0x18, siz=0x8"`
	binpack.End   `bin:"off=0x20"`
}

// UnpackSMRoot decodes a packed SMRoot from the body bytes of its
// containing block (the caller has already skipped the CommonHeader).
func UnpackSMRoot(buf []byte) (SMRoot, error) {
	var root SMRoot
	n, err := binpack.Unmarshal(buf, &root)
	if err != nil {
		return SMRoot{}, fmt.Errorf("unpack space map root: %w", err)
	}
	if n != binpack.StaticSize(SMRoot{}) {
		return SMRoot{}, fmt.Errorf("unpack space map root: consumed %d of %d bytes", n, binpack.StaticSize(SMRoot{}))
	}
	return root, nil
}

// IndexEntry is one leaf value of the space-map index tree: the
// location of a bitmap block, how many free entries it has, and the
// lowest entry index known to be free (a scan hint, unused by the
// allocated-blocks reader).
type IndexEntry struct {
	Blocknr        binpack.U64le `bin:"off=0x0, siz=0x8"`
	NrFree         binpack.U32le `bin:"off=0x8, siz=0x4"`
	NoneFreeBefore binpack.U32le `bin:"off=0xc, siz=0x4"`
	binpack.End    `bin:"off=0x10"`
}

// UnpackIndexEntry decodes a packed IndexEntry from a B-tree leaf
// value.
func UnpackIndexEntry(buf []byte) (IndexEntry, error) {
	var e IndexEntry
	n, err := binpack.Unmarshal(buf, &e)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("unpack index entry: %w", err)
	}
	if n != binpack.StaticSize(IndexEntry{}) {
		return IndexEntry{}, fmt.Errorf("unpack index entry: consumed %d of %d bytes", n, binpack.StaticSize(IndexEntry{}))
	}
	return e, nil
}

// BitmapEntry is the 2-bit per-data-block allocation state encoded in
// a space-map bitmap block.
type BitmapEntry uint8

const (
	BitmapFree BitmapEntry = iota
	BitmapAllocRef1
	BitmapAllocRef2
	BitmapOverflow
)

// EntriesPerBitmap is the number of 2-bit entries that fit in one
// bitmap block after its header.
const EntriesPerBitmap = (4096 - NodeHeaderSize) * 4

// Bitmap is a decoded space-map bitmap block.
type Bitmap struct {
	Header  NodeHeader
	Entries []BitmapEntry
}

// UnpackBitmap decodes a bitmap block's header and its packed 2-bit
// entries.
func UnpackBitmap(buf []byte) (Bitmap, error) {
	var bm Bitmap
	n, err := binpack.Unmarshal(buf, &bm.Header)
	if err != nil {
		return Bitmap{}, fmt.Errorf("unpack bitmap header: %w", err)
	}
	body := buf[n:]
	bm.Entries = make([]BitmapEntry, 0, EntriesPerBitmap)
	for i := 0; i < EntriesPerBitmap && i/4 < len(body); i++ {
		byteIdx := i / 4
		shift := uint((i % 4) * 2)
		entry := BitmapEntry((body[byteIdx] >> shift) & 0x3)
		bm.Entries = append(bm.Entries, entry)
	}
	return bm, nil
}
