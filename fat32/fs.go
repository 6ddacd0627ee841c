package fat32

import (
	"github.com/sirupsen/logrus"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
)

// Fs is the filesystem facade: it owns the mounted device's cache and FAT
// manager, and hands out the root directory. A filesystem handle is
// threaded explicitly into every
// Directory and File built from it, rather than living behind process-wide
// globals.
type Fs struct {
	bpb    *BPB
	cache  *blockcache.Cache
	fat    *Manager
	root   *Directory
	logger *logrus.Logger
}

// MountOptions configures Mount. CacheCapacity defaults to
// blockcache.DefaultCapacity when zero; Logger defaults to
// logrus.StandardLogger() when nil.
type MountOptions struct {
	CacheCapacity int
	Logger        *logrus.Logger
}

// Mount reads the BPB and FSInfo sectors from device, validates them,
// builds the block cache and FAT manager on top of device, and constructs
// the root directory at bpb.RootDirCluster.
func Mount(device blockdev.Device, opts MountOptions) (*Fs, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cache := blockcache.New(device, opts.CacheCapacity, logger)

	sector0, err := readSector(cache, 0)
	if err != nil {
		return nil, err
	}
	bpb, err := parseBPB(sector0)
	if err != nil {
		return nil, err
	}

	fsinfoRaw, err := readSector(cache, blockdev.Sector(bpb.FSInfoSector))
	if err != nil {
		return nil, err
	}
	fsinfo, err := parseFSInfo(fsinfoRaw)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"bytes_per_sector":    bpb.BytesPerSector,
		"sectors_per_cluster": bpb.SectorsPerCluster,
		"root_dir_cluster":    bpb.RootDirCluster,
		"free_clusters":       fsinfo.FreeClusterCount,
	}).Trace("fat32: mounted")

	fat := NewManager(bpb, cache, fsinfo, logger)
	root := NewRootDirectory(bpb, fat, cache, logger)

	return &Fs{bpb: bpb, cache: cache, fat: fat, root: root, logger: logger}, nil
}

// Root returns the filesystem's root directory.
func (fs *Fs) Root() *Directory { return fs.root }

// Sync writes every dirty cache entry back to the device and refreshes the
// FSInfo sector with the FAT manager's current free-cluster hints. FSInfo
// is updated here, on sync, rather than on every individual allocation.
func (fs *Fs) Sync() error {
	fs.fat.RLock()
	fsinfo := &FSInfo{
		FreeClusterCount: fs.fat.FreeClusterCount(),
		NextFreeCluster:  uint32(fs.fat.NextFreeHint()),
	}
	fs.fat.RUnlock()

	h, err := fs.cache.Get(blockdev.Sector(fs.bpb.FSInfoSector))
	if err != nil {
		return err
	}
	h.Write(0, func(b []byte) { copy(b[:blockdev.SectorSize], encodeFSInfo(fsinfo)) })
	if err := h.Release(); err != nil {
		return err
	}

	return fs.cache.Sync()
}

// Close is an alias for Sync, provided for callers that prefer an
// io.Closer-shaped teardown step.
func (fs *Fs) Close() error { return fs.Sync() }
