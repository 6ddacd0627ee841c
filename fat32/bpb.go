// Package fat32 implements the read/write FAT32 on-disk filesystem core:
// the block cache, FAT manager, directory-entry codec, and directory/file
// engine, wired together behind a Fs facade.
package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
)

// ClusterID identifies a FAT32 cluster. Cluster numbers start at 2.
type ClusterID uint32

// BPB holds the BIOS Parameter Block fields this design depends on. It is
// immutable after mount.
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumberOfFATs      uint8
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	RootDirCluster    ClusterID
	FSInfoSector      uint16
}

// FATStartSector is the sector where the first FAT begins.
func (b *BPB) FATStartSector() blockdev.Sector {
	return blockdev.Sector(b.ReservedSectors)
}

// RootDirStartSector is the first sector of the data area (cluster 2):
// fat_start + number_of_fats * sectors_per_fat_32.
func (b *BPB) RootDirStartSector() blockdev.Sector {
	return b.FATStartSector() + blockdev.Sector(uint32(b.NumberOfFATs)*b.SectorsPerFAT32)
}

// ClusterToSector converts a cluster number to its first sector.
func (b *BPB) ClusterToSector(cluster ClusterID) blockdev.Sector {
	return b.RootDirStartSector() + blockdev.Sector((uint32(cluster)-2)*uint32(b.SectorsPerCluster))
}

// BytesPerCluster returns the size of one cluster, in bytes.
func (b *BPB) BytesPerCluster() uint32 {
	return uint32(b.BytesPerSector) * uint32(b.SectorsPerCluster)
}

// TotalClusters returns one past the highest data cluster number: the
// number of data clusters plus 2, since numbering starts at cluster 2. It
// serves as the exclusive upper bound for cluster scans.
func (b *BPB) TotalClusters() uint32 {
	dataSectors := b.TotalSectors32 - uint32(b.RootDirStartSector())
	return dataSectors/uint32(b.SectorsPerCluster) + 2
}

// FSInfo holds the advisory free-cluster hints from the FAT32 FSInfo
// sector. Truth is always the FAT itself; these are only a starting point
// for allocation.
type FSInfo struct {
	FreeClusterCount uint32
	NextFreeCluster  uint32
}

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
)

// parseBPB decodes sector 0 of the device into a BPB, following the
// standard FAT32 BIOS Parameter Block layout (offsets are little-endian, in
// bytes from the start of the sector).
func parseBPB(sector0 []byte) (*BPB, error) {
	if len(sector0) < blockdev.SectorSize {
		return nil, fmt.Errorf("fat32: boot sector must be %d bytes, got %d", blockdev.SectorSize, len(sector0))
	}

	bpb := &BPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sector0[11:13]),
		SectorsPerCluster: sector0[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector0[14:16]),
		NumberOfFATs:      sector0[16],
		TotalSectors32:    binary.LittleEndian.Uint32(sector0[32:36]),
		SectorsPerFAT32:   binary.LittleEndian.Uint32(sector0[36:40]),
		RootDirCluster:    ClusterID(binary.LittleEndian.Uint32(sector0[44:48])),
		FSInfoSector:      binary.LittleEndian.Uint16(sector0[48:50]),
	}

	if bpb.BytesPerSector != blockdev.SectorSize {
		return nil, fmt.Errorf(
			"fat32: unsupported bytes_per_sector %d, this design requires %d",
			bpb.BytesPerSector, blockdev.SectorSize)
	}
	if bpb.NumberOfFATs < 1 {
		return nil, fmt.Errorf("fat32: number_of_fats must be at least 1, got %d", bpb.NumberOfFATs)
	}
	if bpb.SectorsPerCluster == 0 {
		return nil, fmt.Errorf("fat32: sectors_per_cluster must be nonzero")
	}

	return bpb, nil
}

// parseFSInfo decodes the FSInfo sector and validates its three signatures.
// Mount fails if any signature doesn't match.
func parseFSInfo(data []byte) (*FSInfo, error) {
	if len(data) < blockdev.SectorSize {
		return nil, fmt.Errorf("fat32: FSInfo sector must be %d bytes, got %d", blockdev.SectorSize, len(data))
	}

	lead := binary.LittleEndian.Uint32(data[0:4])
	structSig := binary.LittleEndian.Uint32(data[484:488])
	trail := binary.LittleEndian.Uint32(data[508:512])

	if lead != fsInfoLeadSig || structSig != fsInfoStructSig || trail != fsInfoTrailSig {
		return nil, fmt.Errorf(
			"fat32: invalid FSInfo signatures (lead=%#x struct=%#x trail=%#x)",
			lead, structSig, trail)
	}

	return &FSInfo{
		FreeClusterCount: binary.LittleEndian.Uint32(data[488:492]),
		NextFreeCluster:  binary.LittleEndian.Uint32(data[492:496]),
	}, nil
}

// encodeFSInfo serializes fsinfo back into a full 512-byte sector, used by
// Fs.Sync's FSInfo write-back.
func encodeFSInfo(fsinfo *FSInfo) []byte {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(buf[484:488], fsInfoStructSig)
	binary.LittleEndian.PutUint32(buf[488:492], fsinfo.FreeClusterCount)
	binary.LittleEndian.PutUint32(buf[492:496], fsinfo.NextFreeCluster)
	binary.LittleEndian.PutUint32(buf[508:512], fsInfoTrailSig)
	return buf
}

// readSector is a small helper used at mount time, before a Manager exists,
// to pull one sector straight from the cache.
func readSector(cache *blockcache.Cache, sector blockdev.Sector) ([]byte, error) {
	h, err := cache.Get(sector)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	buf := make([]byte, blockdev.SectorSize)
	h.Read(0, func(b []byte) { copy(buf, b[:blockdev.SectorSize]) })
	return buf, nil
}
