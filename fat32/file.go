package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
	"github.com/Godones/fat32/errors"
)

// File is an in-memory handle to one FAT32 file: its
// start cluster, and the (sector, offset) of its own short entry, which is
// where the size field lives. The size itself is never cached in memory.
type File struct {
	bpb    *BPB
	fat    *Manager
	cache  *blockcache.Cache
	logger *logrus.Logger

	startCluster ClusterID
	shortAddr    dirAddr

	// ioMu serializes this handle's own read/write calls against each
	// other; cross-handle coordination for the same on-disk file still
	// goes through the FAT writer lock and the cache's per-sector locks.
	ioMu sync.Mutex
}

// Size reads the file's size field directly from its short entry.
func (f *File) Size() (uint32, error) {
	h, err := f.cache.Get(f.shortAddr.sector)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	var size uint32
	h.Read(f.shortAddr.offset, func(b []byte) { size = binary.LittleEndian.Uint32(b[28:32]) })
	return size, nil
}

func (f *File) updateSize(n uint32) error {
	h, err := f.cache.Get(f.shortAddr.sector)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Write(f.shortAddr.offset, func(b []byte) { binary.LittleEndian.PutUint32(b[28:32], n) })
	return nil
}

// Read copies up to requestedSize bytes starting at offset. If offset is
// beyond the current size it returns an empty slice.
func (f *File) Read(offset int64, requestedSize int) ([]byte, error) {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if offset < 0 {
		return nil, errors.OffsetOutOfSize
	}

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if offset >= int64(size) {
		return []byte{}, nil
	}

	effective := requestedSize
	if remaining := int64(size) - offset; int64(effective) > remaining {
		effective = int(remaining)
	}
	if effective <= 0 {
		return []byte{}, nil
	}

	f.fat.RLock()
	chain, err := f.fat.GetClusterChain(f.startCluster)
	f.fat.RUnlock()
	if err != nil {
		return nil, err
	}

	bytesPerCluster := int64(f.bpb.BytesPerCluster())
	out := make([]byte, 0, effective)
	remaining := int64(effective)
	pos := offset

	for remaining > 0 {
		clusterIdx := int(pos / bytesPerCluster)
		if clusterIdx >= len(chain) {
			break
		}
		inCluster := pos % bytesPerCluster
		sectorIdx := inCluster / blockdev.SectorSize
		sectorOffset := int(inCluster % blockdev.SectorSize)

		sector := f.bpb.ClusterToSector(chain[clusterIdx]) + blockdev.Sector(sectorIdx)
		toCopy := blockdev.SectorSize - sectorOffset
		if int64(toCopy) > remaining {
			toCopy = int(remaining)
		}

		h, err := f.cache.Get(sector)
		if err != nil {
			return nil, err
		}
		h.Read(sectorOffset, func(b []byte) { out = append(out, b[:toCopy]...) })
		h.Release()

		pos += int64(toCopy)
		remaining -= int64(toCopy)
	}

	return out, nil
}

// Write copies data into the file starting at offset, growing the cluster
// chain on demand, and returns the number of bytes written. The whole mutation runs under the FAT writer lock.
func (f *File) Write(offset int64, data []byte) (int, error) {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if offset < 0 {
		return 0, errors.OffsetOutOfSize
	}
	if len(data) == 0 {
		return 0, nil
	}

	f.fat.Lock()
	defer f.fat.Unlock()

	size, err := f.Size()
	if err != nil {
		return 0, err
	}

	bytesPerCluster := int64(f.bpb.BytesPerCluster())
	ceilDiv := func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return (n + bytesPerCluster - 1) / bytesPerCluster
	}

	neededClusters := ceilDiv(offset + int64(len(data)))
	if neededClusters < 1 {
		neededClusters = 1
	}

	chain, err := f.fat.GetClusterChain(f.startCluster)
	if err != nil {
		return 0, err
	}

	for int64(len(chain)) < neededClusters {
		tail := chain[len(chain)-1]
		next, err := f.fat.ExtendChain(tail, KindFile)
		if err != nil {
			// Partial linkage from earlier iterations of this loop is left
			// in place rather than unwound; a failed mid-allocation write
			// grows the chain as far as it got.
			return 0, err
		}
		chain = append(chain, next)
	}

	remaining := data
	pos := offset

	for len(remaining) > 0 {
		clusterIdx := int(pos / bytesPerCluster)
		inCluster := pos % bytesPerCluster
		sectorIdx := inCluster / blockdev.SectorSize
		sectorOffset := int(inCluster % blockdev.SectorSize)

		sector := f.bpb.ClusterToSector(chain[clusterIdx]) + blockdev.Sector(sectorIdx)
		toCopy := blockdev.SectorSize - sectorOffset
		if toCopy > len(remaining) {
			toCopy = len(remaining)
		}

		h, err := f.cache.Get(sector)
		if err != nil {
			return 0, err
		}
		chunk := remaining[:toCopy]
		h.Write(sectorOffset, func(b []byte) { copy(b[:toCopy], chunk) })
		h.Release()

		pos += int64(toCopy)
		remaining = remaining[toCopy:]
	}

	newSize := size
	if end := uint32(offset + int64(len(data))); end > newSize {
		newSize = end
	}
	if err := f.updateSize(newSize); err != nil {
		return 0, err
	}

	return len(data), nil
}

// Clear frees every cluster but the head, resets the head to EOF, and sets
// size to zero.
func (f *File) Clear() error {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	f.fat.Lock()
	defer f.fat.Unlock()

	if err := f.fat.FreeChainExceptHead(f.startCluster, KindFile); err != nil {
		return err
	}
	return f.updateSize(0)
}
