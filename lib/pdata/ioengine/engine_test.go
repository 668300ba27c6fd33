package ioengine_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
)

func writeTempDevice(t *testing.T, nrBlocks int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "metadata")
	require.NoError(t, err)
	defer f.Close()
	for i := 0; i < nrBlocks; i++ {
		buf := make([]byte, checksum.BlockSize)
		buf[0] = byte(i)
		_, err := f.Write(buf)
		require.NoError(t, err)
	}
	return f.Name()
}

func TestOpenRejectsFileSmallerThanOneBlock(t *testing.T) {
	t.Parallel()
	f, err := os.CreateTemp(t.TempDir(), "tiny")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, checksum.BlockSize-1))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ioengine.Open(context.Background(), f.Name(), ioengine.Options{})
	require.Error(t, err)
	var invalid *ioengine.InvalidInput
	require.ErrorAs(t, err, &invalid)
}

func TestOpenRejectsXMLDump(t *testing.T) {
	t.Parallel()
	for _, head := range []string{"<superblock", "?xml version", "<!DOCTYPE foo"} {
		path := func() string {
			f, err := os.CreateTemp(t.TempDir(), "xml")
			require.NoError(t, err)
			defer f.Close()
			buf := make([]byte, checksum.BlockSize*2)
			copy(buf, head)
			_, err = f.Write(buf)
			require.NoError(t, err)
			return f.Name()
		}()

		_, err := ioengine.Open(context.Background(), path, ioengine.Options{})
		require.Error(t, err)
		var invalid *ioengine.InvalidInput
		require.ErrorAs(t, err, &invalid)
	}
}

func TestSyncEngineReadAndNrBlocks(t *testing.T) {
	t.Parallel()
	path := writeTempDevice(t, 4)
	eng, err := ioengine.Open(context.Background(), path, ioengine.Options{})
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, uint64(4), eng.NrBlocks())

	buf, err := eng.Read(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, buf, checksum.BlockSize)
	assert.Equal(t, byte(2), buf[0])
}

func TestSyncEngineReadManyPreservesOrder(t *testing.T) {
	t.Parallel()
	path := writeTempDevice(t, 5)
	eng, err := ioengine.Open(context.Background(), path, ioengine.Options{})
	require.NoError(t, err)
	defer eng.Close()

	results, err := eng.ReadMany(context.Background(), []uint64{3, 0, 4})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint64(3), results[0].Loc)
	assert.Equal(t, byte(3), results[0].Data[0])
	assert.Equal(t, uint64(0), results[1].Loc)
	assert.Equal(t, uint64(4), results[2].Loc)
}

func TestCachedEngineServesFromCache(t *testing.T) {
	t.Parallel()
	path := writeTempDevice(t, 2)
	inner, err := ioengine.Open(context.Background(), path, ioengine.Options{})
	require.NoError(t, err)
	defer inner.Close()

	cached := ioengine.NewCachedEngine(inner, 8)
	first, err := cached.Read(context.Background(), 1)
	require.NoError(t, err)

	// Closing the inner file makes further direct reads fail, so a
	// second read only succeeding proves it came from the cache.
	require.NoError(t, inner.Close())
	second, err := cached.Read(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCachedEngineReadManyMixedHitMiss(t *testing.T) {
	t.Parallel()
	path := writeTempDevice(t, 3)
	inner, err := ioengine.Open(context.Background(), path, ioengine.Options{})
	require.NoError(t, err)
	defer inner.Close()

	cached := ioengine.NewCachedEngine(inner, 8)
	_, err = cached.Read(context.Background(), 0)
	require.NoError(t, err)

	results, err := cached.ReadMany(context.Background(), []uint64{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, uint64(i), r.Loc)
		assert.NoError(t, r.Err)
	}
}
