package fat32_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Godones/fat32/blockdev"
)

const (
	testSectorsPerCluster = 1
	testReservedSectors   = 2
	testNumberOfFATs      = 1
	testSectorsPerFAT32   = 4 // 512 entries, plenty for these tests
)

// newTestImage builds a minimal, valid FAT32 image in memory with
// totalDataClusters data clusters (numbered from 2) and an empty root
// directory occupying cluster 2.
func newTestImage(t *testing.T, totalDataClusters int) *blockdev.MemDevice {
	t.Helper()

	fatStart := testReservedSectors
	rootDirStart := fatStart + testNumberOfFATs*testSectorsPerFAT32
	dataSectors := totalDataClusters * testSectorsPerCluster
	totalSectors32 := rootDirStart + dataSectors

	dev := blockdev.NewMemDevice(totalSectors32 + 16)

	boot := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint16(boot[11:13], blockdev.SectorSize)
	boot[13] = testSectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], uint16(testReservedSectors))
	boot[16] = testNumberOfFATs
	binary.LittleEndian.PutUint32(boot[32:36], uint32(totalSectors32))
	binary.LittleEndian.PutUint32(boot[36:40], uint32(testSectorsPerFAT32))
	binary.LittleEndian.PutUint32(boot[44:48], 2)
	binary.LittleEndian.PutUint16(boot[48:50], 1)
	require.NoError(t, dev.WriteSector(0, boot))

	fsinfo := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(fsinfo[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(fsinfo[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(fsinfo[488:492], uint32(totalDataClusters-1))
	binary.LittleEndian.PutUint32(fsinfo[492:496], 3)
	binary.LittleEndian.PutUint32(fsinfo[508:512], 0xAA550000)
	require.NoError(t, dev.WriteSector(1, fsinfo))

	zero := make([]byte, blockdev.SectorSize)
	for i := 0; i < testSectorsPerFAT32; i++ {
		require.NoError(t, dev.WriteSector(blockdev.Sector(fatStart+i), zero))
	}

	fatSector0 := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(fatSector0[2*4:2*4+4], 0x0FFFFFF8)
	require.NoError(t, dev.WriteSector(blockdev.Sector(fatStart), fatSector0))

	rootSector := blockdev.Sector(rootDirStart)
	require.NoError(t, dev.WriteSector(rootSector, zero))

	return dev
}
