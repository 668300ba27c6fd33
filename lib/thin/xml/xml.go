// Package xml writes the bit-stable thin-provisioning metadata XML
// format described in spec.md §6: fixed attribute order, decimal
// numbers with no leading zeros, one tag per mapping run or
// shared-def reference.
package xml

import (
	"bufio"
	"fmt"
	"io"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
)

// Writer emits the XML metadata format to an underlying io.Writer.
// Stdlib encoding/xml is deliberately not used: its map-driven
// attribute ordering and struct-tag encoding cannot guarantee the
// byte-for-byte attribute order and formatting the output format
// requires, so this writer controls every byte directly, the way the
// teacher's lib/textui and lib/fmtutil packages do their own
// formatting rather than reach for a generic library.
type Writer struct {
	w   *bufio.Writer
	err error
}

var _ ir.MetadataVisitor = (*Writer)(nil)

// New wraps w in a Writer. Callers should check the error from Eof
// (or Flush) to catch any write failure, since intermediate calls
// return ir.VisitStop instead of propagating the error directly.
func New(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (x *Writer) fail(err error) (ir.Visit, error) {
	if x.err == nil {
		x.err = err
	}
	return ir.VisitStop, err
}

func (x *Writer) printf(format string, args ...any) (ir.Visit, error) {
	if x.err != nil {
		return ir.VisitStop, x.err
	}
	if _, err := fmt.Fprintf(x.w, format, args...); err != nil {
		return x.fail(err)
	}
	return ir.VisitContinue, nil
}

func (x *Writer) SuperblockB(sb *ir.Superblock) (ir.Visit, error) {
	flags := ""
	if sb.Flags != nil {
		flags = fmt.Sprintf(" flags=\"%d\"", *sb.Flags)
	}
	return x.printf("<superblock uuid=\"%s\" time=\"%d\" transaction=\"%d\"%s version=\"%d\" data_block_size=\"%d\" nr_data_blocks=\"%d\">\n",
		sb.UUID, sb.Time, sb.Transaction, flags, sb.Version, sb.DataBlockSize, sb.NrDataBlocks)
}

func (x *Writer) SuperblockE() (ir.Visit, error) {
	return x.printf("</superblock>\n")
}

func (x *Writer) DefSharedB(name string) (ir.Visit, error) {
	return x.printf("<def id=\"%s\">\n", name)
}

func (x *Writer) DefSharedE() (ir.Visit, error) {
	return x.printf("</def>\n")
}

func (x *Writer) DeviceB(d *ir.Device) (ir.Visit, error) {
	return x.printf("<device dev_id=\"%d\" mapped_blocks=\"%d\" transaction=\"%d\" creation_time=\"%d\" snap_time=\"%d\">\n",
		d.DevID, d.MappedBlocks, d.Transaction, d.CreationTime, d.SnapTime)
}

func (x *Writer) DeviceE() (ir.Visit, error) {
	return x.printf("</device>\n")
}

func (x *Writer) Map(m *ir.Map) (ir.Visit, error) {
	if m.Len == 1 {
		return x.printf("<single_mapping origin_block=\"%d\" data_block=\"%d\" time=\"%d\"/>\n",
			m.ThinBegin, m.DataBegin, m.Time)
	}
	return x.printf("<range_mapping origin_begin=\"%d\" data_begin=\"%d\" length=\"%d\" time=\"%d\"/>\n",
		m.ThinBegin, m.DataBegin, m.Len, m.Time)
}

func (x *Writer) RefShared(name string) (ir.Visit, error) {
	return x.printf("<ref id=\"%s\"/>\n", name)
}

func (x *Writer) Eof() (ir.Visit, error) {
	if x.err != nil {
		return ir.VisitStop, x.err
	}
	if err := x.w.Flush(); err != nil {
		return x.fail(err)
	}
	return ir.VisitContinue, nil
}
