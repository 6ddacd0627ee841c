package fat32_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fatErrors "github.com/Godones/fat32/errors"
	"github.com/Godones/fat32/fat32"
)

func mountTest(t *testing.T, totalDataClusters int) *fat32.Fs {
	t.Helper()
	dev := newTestImage(t, totalDataClusters)
	fs, err := fat32.Mount(dev, fat32.MountOptions{CacheCapacity: 32})
	require.NoError(t, err)
	return fs
}

func TestMountParsesGeometry(t *testing.T) {
	fs := mountTest(t, 32)
	require.NotNil(t, fs.Root())

	names, err := fs.Root().List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateFileAllocatesAndLinksCluster(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	f, err := root.CreateFile("a.txt")
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCreateFileTwiceFails(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	_, err := root.CreateFile("dup.txt")
	require.NoError(t, err)

	_, err = root.CreateFile("dup.txt")
	assert.ErrorIs(t, err, fatErrors.FileExist)
}

func TestDeleteFileFreesClusterForReuse(t *testing.T) {
	fs := mountTest(t, 3)
	root := fs.Root()

	_, err := root.CreateFile("only.txt")
	require.NoError(t, err)

	// With only 3 data clusters (root already occupies one), a third
	// distinct file should fail until one of the first two is deleted.
	_, err = root.CreateFile("second.txt")
	require.NoError(t, err)

	_, err = root.CreateFile("third.txt")
	assert.ErrorIs(t, err, fatErrors.NoEnoughSpace)

	require.NoError(t, root.DeleteFile("second.txt"))

	_, err = root.CreateFile("third.txt")
	assert.NoError(t, err)
}
