// Package human writes a compact, ad-hoc human-readable rendering of
// the metadata event stream, used for diffing and inspection. Output
// is canonical: stable ordering, no locale dependence.
package human

import (
	"bufio"
	"fmt"
	"io"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
)

// Writer emits the human-readable format to an underlying io.Writer.
type Writer struct {
	w     *bufio.Writer
	err   error
	depth int
}

var _ ir.MetadataVisitor = (*Writer)(nil)

// New wraps w in a Writer.
func New(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (h *Writer) fail(err error) (ir.Visit, error) {
	if h.err == nil {
		h.err = err
	}
	return ir.VisitStop, err
}

func (h *Writer) line(format string, args ...any) (ir.Visit, error) {
	if h.err != nil {
		return ir.VisitStop, h.err
	}
	for i := 0; i < h.depth; i++ {
		if _, err := h.w.WriteString("  "); err != nil {
			return h.fail(err)
		}
	}
	if _, err := fmt.Fprintf(h.w, format, args...); err != nil {
		return h.fail(err)
	}
	if err := h.w.WriteByte('\n'); err != nil {
		return h.fail(err)
	}
	return ir.VisitContinue, nil
}

func (h *Writer) SuperblockB(sb *ir.Superblock) (ir.Visit, error) {
	v, err := h.line("superblock transaction=%d time=%d version=%d data_block_size=%d nr_data_blocks=%d",
		sb.Transaction, sb.Time, sb.Version, sb.DataBlockSize, sb.NrDataBlocks)
	h.depth++
	return v, err
}

func (h *Writer) SuperblockE() (ir.Visit, error) {
	h.depth--
	return h.line("end superblock")
}

func (h *Writer) DefSharedB(name string) (ir.Visit, error) {
	v, err := h.line("def %s", name)
	h.depth++
	return v, err
}

func (h *Writer) DefSharedE() (ir.Visit, error) {
	h.depth--
	return h.line("end def")
}

func (h *Writer) DeviceB(d *ir.Device) (ir.Visit, error) {
	v, err := h.line("device dev_id=%d mapped_blocks=%d transaction=%d creation_time=%d snap_time=%d",
		d.DevID, d.MappedBlocks, d.Transaction, d.CreationTime, d.SnapTime)
	h.depth++
	return v, err
}

func (h *Writer) DeviceE() (ir.Visit, error) {
	h.depth--
	return h.line("end device")
}

func (h *Writer) Map(m *ir.Map) (ir.Visit, error) {
	if m.Len == 1 {
		return h.line("single origin=%d data=%d time=%d", m.ThinBegin, m.DataBegin, m.Time)
	}
	return h.line("range origin=%d data=%d length=%d time=%d", m.ThinBegin, m.DataBegin, m.Len, m.Time)
}

func (h *Writer) RefShared(name string) (ir.Visit, error) {
	return h.line("ref %s", name)
}

func (h *Writer) Eof() (ir.Visit, error) {
	if h.err != nil {
		return ir.VisitStop, h.err
	}
	if err := h.w.Flush(); err != nil {
		return h.fail(err)
	}
	return ir.VisitContinue, nil
}
