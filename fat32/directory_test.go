package fat32_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fatErrors "github.com/Godones/fat32/errors"
)

// Scenario 1: create a file, write bytes, read them back, check size.
func TestScenarioWriteThenReadFile(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	f, err := root.CreateFile("a.txt")
	require.NoError(t, err)

	n, err := f.Write(0, []byte("Hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := f.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), data)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), size)
}

// Scenario 2: create a directory, cd into it, list contains "." and "..",
// create a nested directory, delete the top-level directory, then cd fails.
func TestScenarioDirectoryCreateCdDelete(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	_, err := root.CreateDir("d")
	require.NoError(t, err)

	d, err := root.Cd("d")
	require.NoError(t, err)

	names, err := d.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", ".."}, names)

	_, err = d.CreateDir("inner")
	require.NoError(t, err)

	names, err = d.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", "..", "inner"}, names)

	require.NoError(t, root.DeleteDir("d"))

	_, err = root.Cd("d")
	assert.ErrorIs(t, err, fatErrors.DirNotFound)
}

// Scenario 3: create 100 files, delete them all, recreate the first one.
func TestScenarioManyFilesCreateDeleteRecreate(t *testing.T) {
	fs := mountTest(t, 300)
	root := fs.Root()

	for i := 0; i < 100; i++ {
		_, err := root.CreateFile(fmt.Sprintf("f%d", i))
		require.NoError(t, err)
	}

	names, err := root.List()
	require.NoError(t, err)
	assert.Len(t, names, 100)

	for i := 0; i < 100; i++ {
		require.NoError(t, root.DeleteFile(fmt.Sprintf("f%d", i)))
	}

	names, err = root.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	f, err := root.CreateFile("f0")
	require.NoError(t, err)
	size, err := f.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

// Scenario 4: creating the same long-stemmed name twice fails with FileExist.
// The rejection comes from the logical-name lookup; a collision on the
// generated short name alone is resolved by bumping the "~N" tail instead.
func TestScenarioDuplicateLongNameOnCreate(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	_, err := root.CreateFile("hello1234.txt")
	require.NoError(t, err)

	_, err = root.CreateFile("hello1234.txt")
	assert.ErrorIs(t, err, fatErrors.FileExist)
}

// Scenario 5: write several clusters' worth of data, clear, and confirm the
// file reads back empty.
func TestScenarioWriteThenClear(t *testing.T) {
	fs := mountTest(t, 64)
	root := fs.Root()

	f, err := root.CreateFile("long_file_name.txt")
	require.NoError(t, err)

	payload := make([]byte, 5120)
	for i := range payload {
		payload[i] = 0x12
	}
	_, err = f.Write(0, payload)
	require.NoError(t, err)

	require.NoError(t, f.Clear())

	data, err := f.Read(0, 512)
	require.NoError(t, err)
	assert.Empty(t, data)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

// Scenario: renaming a file preserves its contents under the new name.
func TestScenarioRenameFilePreservesContents(t *testing.T) {
	fs := mountTest(t, 32)
	root := fs.Root()

	f, err := root.CreateFile("a")
	require.NoError(t, err)
	_, err = f.Write(0, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, root.RenameFile("a", "b"))

	_, err = root.Open("a")
	assert.ErrorIs(t, err, fatErrors.FileNotFound)

	renamed, err := root.Open("b")
	require.NoError(t, err)
	data, err := renamed.Read(0, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

// Directory creation beyond a single cluster's worth of entries exercises
// the multi-slot placement algorithm's chain-extension path, since each
// long-named file here needs more than one 32-byte slot and the root
// directory starts with exactly one cluster.
func TestCreateManyLongNamedFilesForcesDirectoryGrowth(t *testing.T) {
	fs := mountTest(t, 300)
	root := fs.Root()

	for i := 0; i < 50; i++ {
		_, err := root.CreateFile(fmt.Sprintf("a-rather-long-file-name-%d.txt", i))
		require.NoError(t, err)
	}

	names, err := root.List()
	require.NoError(t, err)
	assert.Len(t, names, 50)
}
