package xml_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/xml"
)

func TestWriterEmitsBitStableOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := xml.New(&buf)

	flags := uint32(1)
	_, err := w.SuperblockB(&ir.Superblock{
		UUID: "", Time: 42, Transaction: 7, Flags: &flags,
		Version: 2, DataBlockSize: 128, NrDataBlocks: 1000,
	})
	require.NoError(t, err)

	_, err = w.DefSharedB("0")
	require.NoError(t, err)
	_, err = w.Map(&ir.Map{ThinBegin: 0, DataBegin: 100, Time: 1, Len: 1})
	require.NoError(t, err)
	_, err = w.Map(&ir.Map{ThinBegin: 1, DataBegin: 101, Time: 1, Len: 5})
	require.NoError(t, err)
	_, err = w.DefSharedE()
	require.NoError(t, err)

	_, err = w.DeviceB(&ir.Device{DevID: 3, MappedBlocks: 6, Transaction: 7, CreationTime: 10, SnapTime: 0})
	require.NoError(t, err)
	_, err = w.RefShared("0")
	require.NoError(t, err)
	_, err = w.DeviceE()
	require.NoError(t, err)

	_, err = w.SuperblockE()
	require.NoError(t, err)
	_, err = w.Eof()
	require.NoError(t, err)

	want := `<superblock uuid="" time="42" transaction="7" flags="1" version="2" data_block_size="128" nr_data_blocks="1000">
<def id="0">
<single_mapping origin_block="0" data_block="100" time="1"/>
<range_mapping origin_begin="1" data_begin="101" length="5" time="1"/>
</def>
<device dev_id="3" mapped_blocks="6" transaction="7" creation_time="10" snap_time="0">
<ref id="0"/>
</device>
</superblock>
`
	assert.Equal(t, want, buf.String())
}

func TestWriterOmitsFlagsWhenNil(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := xml.New(&buf)
	_, err := w.SuperblockB(&ir.Superblock{Time: 1, Transaction: 1, Version: 2, DataBlockSize: 1, NrDataBlocks: 1})
	require.NoError(t, err)
	_, err = w.Eof()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `transaction="1" version="2"`)
	assert.NotContains(t, buf.String(), "flags=")
}
