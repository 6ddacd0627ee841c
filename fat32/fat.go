package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
	"github.com/Godones/fat32/errors"
)

// Cluster-value constants, masked to the low 28 bits of a FAT32 entry. The
// top 4 bits are reserved; this design masks them off on read and
// preserves whatever was already there on write.
const (
	clusterFree   ClusterID = 0x00000000
	clusterBadMin ClusterID = 0x0FFFFFF7
	clusterEOFMin ClusterID = 0x0FFFFFF8
	clusterMask   uint32    = 0x0FFFFFFF
)

// EntryKind selects which EOF marker a chain terminates with: 0x0FFFFFF8
// for directory chains, 0x0FFFFFFF for file chains. This module doesn't
// rely on the distinction for traversal, but preserves it on write since
// other FAT32 implementations do inspect it.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

func (k EntryKind) eofMarker() ClusterID {
	if k == KindDirectory {
		return clusterEOFMin
	}
	return 0x0FFFFFFF
}

// FatEntryType classifies a decoded FAT entry.
type FatEntryType int

const (
	EntryFree FatEntryType = iota
	EntryCluster
	EntryEOF
	EntryBad
)

// FatEntry is the decoded value of one FAT slot.
type FatEntry struct {
	Type FatEntryType
	Next ClusterID // valid only when Type == EntryCluster
}

// Manager is the FAT table: the one authoritative map from cluster number
// to "what comes next". Every cluster allocation and every chain walk
// goes through it.
//
// The FAT manager's lock is also the lock callers take to protect
// multi-step mutations that span several FAT entries plus directory-entry
// updates. RLock for pure reads (GetEntry, GetClusterChain); Lock for
// anything that allocates or frees.
type Manager struct {
	mu sync.RWMutex

	bpb    *BPB
	cache  *blockcache.Cache
	logger *logrus.Logger

	nextFree  ClusterID
	totalFree uint32

	// freeScan is a derived, best-effort bitmap of known-free clusters, used
	// only to speed up AllocCluster's scan; the FAT itself remains the
	// single source of truth.
	// Built lazily on first allocation and kept in sync incrementally by
	// SetEntry; a stale or absent bitmap only costs a slower linear scan,
	// never correctness, since AllocCluster always verifies with GetEntry
	// before committing a cluster.
	freeScan     bitmap.Bitmap
	freeScanSize int
}

// NewManager constructs a Manager over an already-mounted BPB and cache. The
// free-cluster hint is seeded from fsinfo when available.
func NewManager(bpb *BPB, cache *blockcache.Cache, fsinfo *FSInfo, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{bpb: bpb, cache: cache, logger: logger}
	if fsinfo != nil && fsinfo.NextFreeCluster >= 2 {
		m.nextFree = ClusterID(fsinfo.NextFreeCluster)
	} else {
		m.nextFree = 2
	}
	if fsinfo != nil && fsinfo.FreeClusterCount != 0xFFFFFFFF {
		m.totalFree = fsinfo.FreeClusterCount
	}
	return m
}

// Lock/Unlock/RLock/RUnlock expose the manager's lock directly so the
// directory and file engines can hold it across a whole multi-step mutation
// (allocate a cluster, link it, update a directory entry) rather than
// re-entering the manager per FAT slot.
func (m *Manager) Lock()    { m.mu.Lock() }
func (m *Manager) Unlock()  { m.mu.Unlock() }
func (m *Manager) RLock()   { m.mu.RLock() }
func (m *Manager) RUnlock() { m.mu.RUnlock() }

// slotLocation returns the sector and in-sector byte offset holding
// cluster's 4-byte FAT entry.
func (m *Manager) slotLocation(cluster ClusterID) (blockdev.Sector, int) {
	byteOffset := uint32(cluster) * 4
	sector := m.bpb.FATStartSector() + blockdev.Sector(byteOffset/blockdev.SectorSize)
	offset := int(byteOffset % blockdev.SectorSize)
	return sector, offset
}

// GetEntry reads and classifies the FAT entry for cluster. Callers must
// hold at least RLock.
func (m *Manager) GetEntry(cluster ClusterID) (FatEntry, error) {
	sector, offset := m.slotLocation(cluster)

	h, err := m.cache.Get(sector)
	if err != nil {
		return FatEntry{}, err
	}
	defer h.Release()

	var raw uint32
	h.Read(offset, func(b []byte) {
		raw = binary.LittleEndian.Uint32(b[:4])
	})
	raw &= clusterMask

	switch {
	case raw == uint32(clusterFree):
		return FatEntry{Type: EntryFree}, nil
	case raw >= uint32(clusterBadMin) && raw < uint32(clusterEOFMin):
		return FatEntry{Type: EntryBad}, nil
	case raw >= uint32(clusterEOFMin):
		return FatEntry{Type: EntryEOF}, nil
	default:
		return FatEntry{Type: EntryCluster, Next: ClusterID(raw)}, nil
	}
}

// SetEntry writes cluster's FAT slot. kind only matters when entry.Type ==
// EntryEOF, selecting which reserved marker to write. Callers must hold
// Lock (this mutates shared state).
func (m *Manager) SetEntry(cluster ClusterID, entry FatEntry, kind EntryKind) error {
	var value uint32
	switch entry.Type {
	case EntryFree:
		value = uint32(clusterFree)
		m.markFree(cluster)
		m.totalFree++
	case EntryBad:
		value = uint32(clusterBadMin)
	case EntryEOF:
		value = uint32(kind.eofMarker())
	case EntryCluster:
		value = uint32(entry.Next) & clusterMask
	}

	sector, offset := m.slotLocation(cluster)
	h, err := m.cache.Get(sector)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Write(offset, func(b []byte) {
		// Preserve the reserved top 4 bits already on disk rather than
		// zeroing them, per this module's choice to treat them as
		// opaque (see DESIGN.md).
		existing := binary.LittleEndian.Uint32(b[:4])
		merged := (existing &^ clusterMask) | (value & clusterMask)
		binary.LittleEndian.PutUint32(b[:4], merged)
	})

	if entry.Type != EntryFree {
		m.markUsed(cluster)
	}
	return nil
}

// AllocCluster finds one free cluster, marks it EOF (so it's immediately a
// valid one-cluster chain), and returns it. Callers must hold Lock.
func (m *Manager) AllocCluster(kind EntryKind) (ClusterID, error) {
	if m.totalFree == 0 {
		return 0, errors.NoEnoughSpace
	}

	total := m.bpb.TotalClusters()
	start := m.nextFree
	if start < 2 {
		start = 2
	}

	candidate, err := m.scanFree(start, total)
	if err != nil {
		return 0, err
	}

	if err := m.SetEntry(candidate, FatEntry{Type: EntryEOF}, kind); err != nil {
		return 0, err
	}
	m.totalFree--
	m.nextFree = candidate + 1
	if uint32(m.nextFree) >= total {
		m.nextFree = 2
	}
	return candidate, nil
}

// scanFree walks clusters starting at start, wrapping once back to 2, and
// returns the first one the FAT itself reports free. The bitmap hint only
// lets the scan skip clusters already known to be in use; GetEntry is still
// the final word for every cluster it does not skip.
func (m *Manager) scanFree(start ClusterID, total uint32) (ClusterID, error) {
	for pass := 0; pass < 2; pass++ {
		from := start
		to := ClusterID(total)
		if pass == 1 {
			from = 2
			to = start
		}
		for c := from; c < to; c++ {
			if m.bitmapSaysUsed(c) {
				continue
			}
			entry, err := m.GetEntry(c)
			if err != nil {
				return 0, err
			}
			if entry.Type == EntryFree {
				return c, nil
			}
			m.markUsed(c)
		}
	}
	errors.Corrupt("fat32: fsinfo free count %d is positive but no free cluster could be found", m.totalFree)
	return 0, nil // unreachable
}

func (m *Manager) ensureFreeScan(total uint32) {
	if m.freeScan != nil && m.freeScanSize == int(total) {
		return
	}
	m.freeScan = bitmap.New(int(total))
	m.freeScanSize = int(total)
}

func (m *Manager) bitmapSaysUsed(c ClusterID) bool {
	if m.freeScan == nil || int(c) >= m.freeScanSize {
		return false
	}
	return m.freeScan.Get(int(c))
}

func (m *Manager) markUsed(c ClusterID) {
	m.ensureFreeScan(m.bpb.TotalClusters())
	if int(c) < m.freeScanSize {
		m.freeScan.Set(int(c), true)
	}
}

func (m *Manager) markFree(c ClusterID) {
	m.ensureFreeScan(m.bpb.TotalClusters())
	if int(c) < m.freeScanSize {
		m.freeScan.Set(int(c), false)
	}
}

// GetClusterChain follows the chain starting at start and returns every
// cluster in it, including the terminal (EOF) cluster. Callers must hold at
// least RLock. Hitting Free or Bad mid-chain means the on-disk structure is
// broken in a way this module cannot recover from, so it panics via
// errors.Corrupt rather than returning an error.
func (m *Manager) GetClusterChain(start ClusterID) ([]ClusterID, error) {
	chain := []ClusterID{start}
	cur := start

	for {
		entry, err := m.GetEntry(cur)
		if err != nil {
			return nil, err
		}
		switch entry.Type {
		case EntryEOF:
			return chain, nil
		case EntryCluster:
			cur = entry.Next
			chain = append(chain, cur)
		case EntryFree, EntryBad:
			errors.Corrupt("fat32: cluster chain starting at %d hit a %v cluster at %d", start, entry.Type, cur)
		}
	}
}

// FreeChain releases every cluster in the chain starting at start. Clusters
// are freed from the tail back toward the head; the links of the clusters
// not yet freed are not rewritten, so a chain whose free is interrupted
// still links into clusters already marked Free. Callers must hold Lock.
func (m *Manager) FreeChain(start ClusterID) error {
	chain, err := m.GetClusterChain(start)
	if err != nil {
		return err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := m.SetEntry(chain[i], FatEntry{Type: EntryFree}, KindFile); err != nil {
			return err
		}
	}
	return nil
}

// FreeChainExceptHead releases every cluster after the first, then rewrites
// the head as a single-cluster EOF chain. Used by File.Clear, which must
// keep the file's start cluster stable while discarding its contents.
func (m *Manager) FreeChainExceptHead(start ClusterID, kind EntryKind) error {
	chain, err := m.GetClusterChain(start)
	if err != nil {
		return err
	}
	for i := len(chain) - 1; i >= 1; i-- {
		if err := m.SetEntry(chain[i], FatEntry{Type: EntryFree}, kind); err != nil {
			return err
		}
	}
	if len(chain) >= 1 {
		if err := m.SetEntry(chain[0], FatEntry{Type: EntryEOF}, kind); err != nil {
			return err
		}
	}
	return nil
}

// ExtendChain allocates one new cluster, links it onto the end of the chain
// whose current tail is tail, and returns the new cluster. Callers must
// hold Lock.
func (m *Manager) ExtendChain(tail ClusterID, kind EntryKind) (ClusterID, error) {
	next, err := m.AllocCluster(kind)
	if err != nil {
		return 0, err
	}
	if err := m.SetEntry(tail, FatEntry{Type: EntryCluster, Next: next}, kind); err != nil {
		return 0, err
	}
	return next, nil
}

// FreeClusterCount returns the manager's current free-cluster count, the
// same value Fs.Sync writes back into the FSInfo sector.
func (m *Manager) FreeClusterCount() uint32 {
	return m.totalFree
}

// NextFreeHint returns the manager's current allocation cursor, written
// back into FSInfo.NextFreeCluster on sync.
func (m *Manager) NextFreeHint() ClusterID {
	return m.nextFree
}
