package fat32

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeShortEntryRoundTrip(t *testing.T) {
	nameExt, err := encodeShortName("HELLO.TXT")
	require.NoError(t, err)
	assert.Equal(t, "HELLO   TXT", string(nameExt[:]))

	buf := encodeShortEntry(nameExt, AttrArchive, 12345, 999)
	decoded := decodeShortEntry(buf)

	assert.Equal(t, ClusterID(12345), decoded.StartCluster)
	assert.Equal(t, uint32(999), decoded.FileSize)
	assert.Equal(t, "HELLO.TXT", shortDisplayName(decoded.NameExt))
}

func TestShortNameChecksumIsStable(t *testing.T) {
	nameExt, err := encodeShortName("HELLO1~1.TXT")
	require.NoError(t, err)

	c1 := shortNameChecksum(nameExt)
	c2 := shortNameChecksum(nameExt)
	assert.Equal(t, c1, c2)
}

func TestLongNameGroupRoundTrip(t *testing.T) {
	longName := "a_name_that_is_definitely_longer_than_eight_characters.txt"
	short := generateShortName(longName, nil)

	nameExt, err := encodeShortName(short)
	require.NoError(t, err)
	checksum := shortNameChecksum(nameExt)

	physical, err := encodeLongNameGroup(longName, checksum)
	require.NoError(t, err)
	require.NotEmpty(t, physical)

	// Physical order is reverse-logical: the first entry written carries
	// the 0x40 "last" bit.
	first := decodeLongEntry(physical[0])
	assert.True(t, first.IsLast)

	// Reassemble in read (physical) order, exactly as decodeAll does.
	var frags []longEntry
	for _, raw := range physical {
		frags = append(frags, decodeLongEntry(raw))
		assert.Equal(t, checksum, frags[len(frags)-1].Checksum)
	}

	assembled, err := assembleLongName(frags)
	require.NoError(t, err)
	assert.Equal(t, longName, assembled)
}

func TestLongNameGroupExactMultipleOfChunkSize(t *testing.T) {
	// Exactly 13 characters: one full chunk, no terminator needed.
	longName := "abcdefghijklm"
	physical, err := encodeLongNameGroup(longName, 0x42)
	require.NoError(t, err)
	require.Len(t, physical, 1)

	frags := []longEntry{decodeLongEntry(physical[0])}
	assembled, err := assembleLongName(frags)
	require.NoError(t, err)
	assert.Equal(t, longName, assembled)
}

func TestSplitExt(t *testing.T) {
	stem, ext := splitExt("archive.tar.gz")
	assert.Equal(t, "archive.tar", stem)
	assert.Equal(t, "gz", ext)

	stem, ext = splitExt("noext")
	assert.Equal(t, "noext", stem)
	assert.Equal(t, "", ext)
}
