package human_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/human"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
)

func TestWriterIndentsNestedSections(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := human.New(&buf)

	_, err := w.SuperblockB(&ir.Superblock{Transaction: 1, Time: 2, Version: 3, DataBlockSize: 4, NrDataBlocks: 5})
	require.NoError(t, err)
	_, err = w.DeviceB(&ir.Device{DevID: 0, MappedBlocks: 1, Transaction: 1, CreationTime: 2, SnapTime: 0})
	require.NoError(t, err)
	_, err = w.Map(&ir.Map{ThinBegin: 0, DataBegin: 10, Time: 1, Len: 1})
	require.NoError(t, err)
	_, err = w.DeviceE()
	require.NoError(t, err)
	_, err = w.SuperblockE()
	require.NoError(t, err)
	_, err = w.Eof()
	require.NoError(t, err)

	want := "superblock transaction=1 time=2 version=3 data_block_size=4 nr_data_blocks=5\n" +
		"  device dev_id=0 mapped_blocks=1 transaction=1 creation_time=2 snap_time=0\n" +
		"    single origin=0 data=10 time=1\n" +
		"  end device\n" +
		"end superblock\n"
	assert.Equal(t, want, buf.String())
}
