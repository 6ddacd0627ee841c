package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
	"github.com/Godones/fat32/errors"
)

const slotsPerSector = blockdev.SectorSize / DirEntrySize

// dirAddr is the on-disk address of one 32-byte directory entry slot.
type dirAddr struct {
	sector blockdev.Sector
	offset int
}

// childRef is what a Directory remembers about one child (file or
// sub-directory) between load and the next structural change: where its
// short entry lives, where its long-name fragments live (for deletion or
// rename), and its start cluster.
type childRef struct {
	startCluster ClusterID
	shortName    string
	shortAddr    dirAddr
	longAddrs    []dirAddr
}

// Directory is an in-memory view of one on-disk FAT32 directory. It holds
// no parent pointer: "cd .." is resolved by reading the on-disk ".." entry
// and reconstructing a fresh Directory, avoiding cyclic in-memory
// references.
type Directory struct {
	bpb    *BPB
	fat    *Manager
	cache  *blockcache.Cache
	logger *logrus.Logger

	startCluster ClusterID
	ownAddr      dirAddr // (0,0) sentinel for the root

	subMu   sync.RWMutex
	subdirs map[string]*childRef

	fileMu sync.RWMutex
	files  map[string]*childRef

	loadOnce sync.Once
	loadErr  error
}

// NewRootDirectory constructs the filesystem root, identified by
// bpb.RootDirCluster with the sentinel (0,0) parent address.
func NewRootDirectory(bpb *BPB, fat *Manager, cache *blockcache.Cache, logger *logrus.Logger) *Directory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Directory{
		bpb:          bpb,
		fat:          fat,
		cache:        cache,
		logger:       logger,
		startCluster: bpb.RootDirCluster,
		ownAddr:      dirAddr{0, 0},
	}
}

func (d *Directory) openChildDir(c *childRef) *Directory {
	return &Directory{
		bpb:          d.bpb,
		fat:          d.fat,
		cache:        d.cache,
		logger:       d.logger,
		startCluster: c.startCluster,
		ownAddr:      c.shortAddr,
	}
}

func (d *Directory) openChildFile(c *childRef) *File {
	return &File{
		bpb:          d.bpb,
		fat:          d.fat,
		cache:        d.cache,
		logger:       d.logger,
		startCluster: c.startCluster,
		shortAddr:    c.shortAddr,
	}
}

// StartCluster returns the directory's own start cluster.
func (d *Directory) StartCluster() ClusterID { return d.startCluster }

// ensureLoaded performs the one-shot load: the first access to a Directory
// decodes its cluster chain into the in-memory sub-directory and file maps.
func (d *Directory) ensureLoaded() error {
	d.loadOnce.Do(func() {
		d.loadErr = d.loadLocked()
	})
	return d.loadErr
}

func (d *Directory) loadLocked() error {
	d.fat.RLock()
	chain, err := d.fat.GetClusterChain(d.startCluster)
	d.fat.RUnlock()
	if err != nil {
		return err
	}

	records, err := d.decodeAll(chain)
	if err != nil {
		return err
	}

	d.subMu.Lock()
	d.fileMu.Lock()
	defer d.subMu.Unlock()
	defer d.fileMu.Unlock()

	d.subdirs = make(map[string]*childRef, len(records))
	d.files = make(map[string]*childRef, len(records))

	for _, rec := range records {
		if rec.attr&AttrVolumeID != 0 {
			continue
		}
		ref := &childRef{
			startCluster: rec.startCluster,
			shortName:    rec.shortName,
			shortAddr:    rec.shortAddr,
			longAddrs:    rec.longAddrs,
		}
		if rec.attr&AttrDirectory != 0 {
			d.subdirs[rec.name] = ref
		} else {
			d.files[rec.name] = ref
		}
	}
	return nil
}

// entryRecord is one decoded directory entry (short entry plus its
// reassembled long name, if any).
type entryRecord struct {
	name         string
	shortName    string
	attr         byte
	startCluster ClusterID
	size         uint32
	shortAddr    dirAddr
	longAddrs    []dirAddr
}

// decodeAll implements the directory-entry decoding loop over every sector
// of chain.
func (d *Directory) decodeAll(chain []ClusterID) ([]entryRecord, error) {
	sectors := sectorsOfChain(d.bpb, chain)

	var records []entryRecord
	var longFrags []longEntry
	var longAddrs []dirAddr

	for _, sector := range sectors {
		h, err := d.cache.Get(sector)
		if err != nil {
			return nil, err
		}

		stop := false
		for slot := 0; slot < slotsPerSector; slot++ {
			offset := slot * DirEntrySize
			var raw [DirEntrySize]byte
			h.Read(offset, func(b []byte) { copy(raw[:], b[:DirEntrySize]) })

			switch raw[0] {
			case freeMarker:
				stop = true
			case deletedMarker, deletedMarkerAlt:
				longFrags = nil
				longAddrs = nil
				continue
			}
			if stop {
				break
			}

			if raw[11] == AttrLongName {
				longFrags = append(longFrags, decodeLongEntry(raw[:]))
				longAddrs = append(longAddrs, dirAddr{sector, offset})
				continue
			}

			se := decodeShortEntry(raw[:])
			shortName := shortDisplayName(se.NameExt)
			name := shortName
			if len(longFrags) > 0 {
				if assembled, err := assembleLongName(longFrags); err == nil && assembled != "" {
					name = assembled
				}
			}

			records = append(records, entryRecord{
				name:         name,
				shortName:    shortName,
				attr:         se.Attr,
				startCluster: se.StartCluster,
				size:         se.FileSize,
				shortAddr:    dirAddr{sector, offset},
				longAddrs:    append([]dirAddr(nil), longAddrs...),
			})
			longFrags = nil
			longAddrs = nil
		}

		h.Release()
		if stop {
			break
		}
	}

	return records, nil
}

// assembleLongName concatenates a run of long-name fragments, which are
// passed in physical (on-disk, descending-sequence) read order, into the
// original logical name.
func assembleLongName(frags []longEntry) (string, error) {
	var units []uint16
	for i := len(frags) - 1; i >= 0; i-- {
		units = append(units, trimLongUnits(frags[i].Units)...)
	}
	return decodeUCS2(units)
}

func sectorsOfChain(bpb *BPB, chain []ClusterID) []blockdev.Sector {
	sectors := make([]blockdev.Sector, 0, len(chain)*int(bpb.SectorsPerCluster))
	for _, c := range chain {
		base := bpb.ClusterToSector(c)
		for i := uint8(0); i < bpb.SectorsPerCluster; i++ {
			sectors = append(sectors, base+blockdev.Sector(i))
		}
	}
	return sectors
}

// List returns the directory's currently loaded children, including "."
// and ".." for non-root directories (they're ordinary on-disk entries, so
// they fall out of decodeAll naturally).
func (d *Directory) List() ([]string, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}

	d.subMu.RLock()
	names := make([]string, 0, len(d.subdirs)+len(d.files))
	for n := range d.subdirs {
		names = append(names, n)
	}
	d.subMu.RUnlock()

	d.fileMu.RLock()
	for n := range d.files {
		names = append(names, n)
	}
	d.fileMu.RUnlock()

	return names, nil
}

// Cd looks up a sub-directory by name and reconstructs it.
func (d *Directory) Cd(name string) (*Directory, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	d.subMu.RLock()
	child, ok := d.subdirs[name]
	d.subMu.RUnlock()
	if !ok {
		return nil, errors.DirNotFound
	}
	return d.openChildDir(child), nil
}

// Open looks up a file by name.
func (d *Directory) Open(name string) (*File, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	d.fileMu.RLock()
	child, ok := d.files[name]
	d.fileMu.RUnlock()
	if !ok {
		return nil, errors.FileNotFound
	}
	return d.openChildFile(child), nil
}

// CreateDir allocates a new directory named name as a child of d.
func (d *Directory) CreateDir(name string) (*Directory, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()

	if _, exists := d.subdirs[name]; exists {
		return nil, errors.DirExist
	}

	siblings := make([]string, 0, len(d.subdirs))
	for _, c := range d.subdirs {
		siblings = append(siblings, c.shortName)
	}

	child, err := d.createChild(name, AttrDirectory, 0, siblings)
	if err != nil {
		return nil, err
	}

	newDir := d.openChildDir(child)
	if err := newDir.writeDotEntries(d.startCluster); err != nil {
		return nil, err
	}

	d.subdirs[name] = child
	return newDir, nil
}

// CreateFile allocates a new, empty file named name as a child of d.
func (d *Directory) CreateFile(name string) (*File, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}

	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	if _, exists := d.files[name]; exists {
		return nil, errors.FileExist
	}

	siblings := make([]string, 0, len(d.files))
	for _, c := range d.files {
		siblings = append(siblings, c.shortName)
	}

	child, err := d.createChild(name, AttrArchive, 0, siblings)
	if err != nil {
		return nil, err
	}

	d.files[name] = child
	return d.openChildFile(child), nil
}

// createChild allocates a head cluster for a new entry, builds its
// short/long entry group, finds room for it in d's own chain (extending
// the chain if needed), and writes it. Callers must hold the appropriate
// map lock (subMu for a directory, fileMu for a file) for the duration.
func (d *Directory) createChild(name string, attr byte, size uint32, siblingNames []string) (*childRef, error) {
	kind := KindFile
	if attr&AttrDirectory != 0 {
		kind = KindDirectory
	}

	d.fat.Lock()
	defer d.fat.Unlock()

	cluster, err := d.fat.AllocCluster(kind)
	if err != nil {
		return nil, err
	}

	if kind == KindDirectory {
		if err := d.zeroCluster(cluster); err != nil {
			return nil, err
		}
	}

	return d.placeNewEntry(name, attr, cluster, size, siblingNames)
}

// placeNewEntry builds an entry group for (name, cluster, size) and writes
// it into d's own chain. Callers must already hold the FAT writer lock,
// since finding room may require extending d's chain.
func (d *Directory) placeNewEntry(name string, attr byte, cluster ClusterID, size uint32, siblingNames []string) (*childRef, error) {
	short := name
	if needsLongName(name) {
		short = generateShortName(name, siblingNames)
	}

	nameExt, err := encodeShortName(short)
	if err != nil {
		return nil, err
	}
	normalizedShort := shortDisplayName(nameExt)

	longBytes, shortBytes, err := buildEntryGroup(name, short, attr, cluster, size)
	if err != nil {
		return nil, err
	}

	addrs, err := d.allocateSlotsLocked(len(longBytes) + 1)
	if err != nil {
		return nil, err
	}

	if err := d.writeGroupAt(addrs, longBytes, shortBytes); err != nil {
		return nil, err
	}

	return &childRef{
		startCluster: cluster,
		shortName:    normalizedShort,
		shortAddr:    addrs[len(addrs)-1],
		longAddrs:    append([]dirAddr(nil), addrs[:len(addrs)-1]...),
	}, nil
}

// buildEntryGroup packs the short entry and, if longName needs one, its
// preceding long-name fragments.
func buildEntryGroup(longName, shortName string, attr byte, cluster ClusterID, size uint32) ([][]byte, []byte, error) {
	nameExt, err := encodeShortName(shortName)
	if err != nil {
		return nil, nil, err
	}
	shortBytes := encodeShortEntry(nameExt, attr, cluster, size)

	var longBytes [][]byte
	if needsLongName(longName) {
		checksum := shortNameChecksum(nameExt)
		longBytes, err = encodeLongNameGroup(longName, checksum)
		if err != nil {
			return nil, nil, err
		}
	}
	return longBytes, shortBytes, nil
}

// allocateSlotsLocked scans d's cluster chain for a contiguous run of
// `need` free/deleted slots, extending the chain by one cluster and
// retrying if none is found.
// Callers must hold the FAT writer lock.
func (d *Directory) allocateSlotsLocked(need int) ([]dirAddr, error) {
	for {
		chain, err := d.fat.GetClusterChain(d.startCluster)
		if err != nil {
			return nil, err
		}
		sectors := sectorsOfChain(d.bpb, chain)

		addrs, ok, err := d.scanForRun(sectors, need)
		if err != nil {
			return nil, err
		}
		if ok {
			return addrs, nil
		}

		tail := chain[len(chain)-1]
		newCluster, err := d.fat.ExtendChain(tail, KindDirectory)
		if err != nil {
			return nil, err
		}
		if err := d.zeroCluster(newCluster); err != nil {
			return nil, err
		}
		// The new cluster is entirely zeroed, so the next pass is
		// guaranteed to find `need` contiguous free slots in it.
	}
}

func (d *Directory) scanForRun(sectors []blockdev.Sector, need int) ([]dirAddr, bool, error) {
	totalSlots := len(sectors) * slotsPerSector
	runLen := 0
	runStart := 0

	for idx := 0; idx < totalSlots; idx++ {
		sector := sectors[idx/slotsPerSector]
		offset := (idx % slotsPerSector) * DirEntrySize

		h, err := d.cache.Get(sector)
		if err != nil {
			return nil, false, err
		}
		var first byte
		h.Read(offset, func(b []byte) { first = b[0] })
		h.Release()

		if first == freeMarker || first == deletedMarker || first == deletedMarkerAlt {
			if runLen == 0 {
				runStart = idx
			}
			runLen++
			if runLen == need {
				addrs := make([]dirAddr, need)
				for i := 0; i < need; i++ {
					gi := runStart + i
					addrs[i] = dirAddr{sectors[gi/slotsPerSector], (gi % slotsPerSector) * DirEntrySize}
				}
				return addrs, true, nil
			}
		} else {
			runLen = 0
		}
	}
	return nil, false, nil
}

func (d *Directory) writeGroupAt(addrs []dirAddr, longBytes [][]byte, shortBytes []byte) error {
	for i, lb := range longBytes {
		if err := d.writeSlot(addrs[i], lb); err != nil {
			return err
		}
	}
	return d.writeSlot(addrs[len(addrs)-1], shortBytes)
}

func (d *Directory) writeSlot(addr dirAddr, data []byte) error {
	h, err := d.cache.Get(addr.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Write(addr.offset, func(b []byte) { copy(b[0:DirEntrySize], data) })
	return nil
}

func (d *Directory) zeroCluster(cluster ClusterID) error {
	base := d.bpb.ClusterToSector(cluster)
	for i := uint8(0); i < d.bpb.SectorsPerCluster; i++ {
		h, err := d.cache.Get(base + blockdev.Sector(i))
		if err != nil {
			return err
		}
		h.Write(0, func(b []byte) {
			for j := range b[:blockdev.SectorSize] {
				b[j] = 0
			}
		})
		h.Release()
	}
	return nil
}

// writeDotEntries writes the synthetic "." and ".." entries into nd's own
// first cluster. The cluster must already be zeroed.
func (nd *Directory) writeDotEntries(parentCluster ClusterID) error {
	dotExt, err := encodeShortName(".")
	if err != nil {
		return err
	}
	dotBytes := encodeShortEntry(dotExt, AttrDirectory, nd.startCluster, 0)

	dotdotExt, err := encodeShortName("..")
	if err != nil {
		return err
	}
	dotdotBytes := encodeShortEntry(dotdotExt, AttrDirectory, parentCluster, 0)

	sector := nd.bpb.ClusterToSector(nd.startCluster)
	h, err := nd.cache.Get(sector)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Write(0, func(b []byte) { copy(b[0:DirEntrySize], dotBytes) })
	h.Write(DirEntrySize, func(b []byte) { copy(b[0:DirEntrySize], dotdotBytes) })
	return nil
}

func (d *Directory) readSizeAt(addr dirAddr) (uint32, error) {
	h, err := d.cache.Get(addr.sector)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	var size uint32
	h.Read(addr.offset, func(b []byte) { size = binary.LittleEndian.Uint32(b[28:32]) })
	return size, nil
}

func (d *Directory) markDeleted(addr dirAddr) error {
	h, err := d.cache.Get(addr.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	h.Write(addr.offset, func(b []byte) { b[0] = deletedMarker })
	return nil
}

func (d *Directory) removeGroup(child *childRef) error {
	if err := d.markDeleted(child.shortAddr); err != nil {
		return err
	}
	for _, a := range child.longAddrs {
		if err := d.markDeleted(a); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFile removes name from d: frees its cluster chain and marks its
// entry group deleted.
func (d *Directory) DeleteFile(name string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	child, ok := d.files[name]
	if !ok {
		return errors.FileNotFound
	}

	d.fat.Lock()
	defer d.fat.Unlock()

	if err := d.fat.FreeChain(child.startCluster); err != nil {
		return err
	}
	if err := d.removeGroup(child); err != nil {
		return err
	}

	delete(d.files, name)
	return nil
}

// DeleteDir recursively deletes name's contents, then frees every cluster
// in its chain except the head (left allocated but orphaned, matching how
// this engine treats directory chains distinctly from file chains) and
// removes its entry group from d.
func (d *Directory) DeleteDir(name string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()

	child, ok := d.subdirs[name]
	if !ok {
		return errors.DirNotFound
	}

	target := d.openChildDir(child)
	if err := target.deleteAllChildren(); err != nil {
		return err
	}

	d.fat.Lock()
	defer d.fat.Unlock()

	if err := d.fat.FreeChainExceptHead(child.startCluster, KindDirectory); err != nil {
		return err
	}
	if err := d.removeGroup(child); err != nil {
		return err
	}

	delete(d.subdirs, name)
	return nil
}

// deleteAllChildren recursively removes every file and sub-directory in d,
// skipping "." and "..". Failures are aggregated so one bad child doesn't
// stop the rest from being attempted.
func (d *Directory) deleteAllChildren() error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.subMu.RLock()
	subNames := make([]string, 0, len(d.subdirs))
	for name := range d.subdirs {
		if name == "." || name == ".." {
			continue
		}
		subNames = append(subNames, name)
	}
	d.subMu.RUnlock()

	var result *multierror.Error
	for _, name := range subNames {
		if err := d.DeleteDir(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	d.fileMu.RLock()
	fileNames := make([]string, 0, len(d.files))
	for name := range d.files {
		fileNames = append(fileNames, name)
	}
	d.fileMu.RUnlock()

	for _, name := range fileNames {
		if err := d.DeleteFile(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// RenameFile moves oldName to newName, keeping the same start cluster and
// contents.
func (d *Directory) RenameFile(oldName, newName string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	child, ok := d.files[oldName]
	if !ok {
		return errors.FileNotFound
	}
	if _, exists := d.files[newName]; exists {
		return errors.FileExist
	}

	size, err := d.readSizeAt(child.shortAddr)
	if err != nil {
		return err
	}

	d.fat.Lock()
	defer d.fat.Unlock()

	if err := d.removeGroup(child); err != nil {
		return err
	}

	siblings := make([]string, 0, len(d.files))
	for _, c := range d.files {
		siblings = append(siblings, c.shortName)
	}

	newChild, err := d.placeNewEntry(newName, AttrArchive, child.startCluster, size, siblings)
	if err != nil {
		return err
	}

	delete(d.files, oldName)
	d.files[newName] = newChild
	return nil
}

// RenameDir moves oldName to newName, keeping the same start cluster and
// contents; the directory's own "." and ".." entries are untouched since
// they refer by cluster, not by name.
func (d *Directory) RenameDir(oldName, newName string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()

	child, ok := d.subdirs[oldName]
	if !ok {
		return errors.DirNotFound
	}
	if _, exists := d.subdirs[newName]; exists {
		return errors.DirExist
	}

	size, err := d.readSizeAt(child.shortAddr)
	if err != nil {
		return err
	}

	d.fat.Lock()
	defer d.fat.Unlock()

	if err := d.removeGroup(child); err != nil {
		return err
	}

	siblings := make([]string, 0, len(d.subdirs))
	for _, c := range d.subdirs {
		siblings = append(siblings, c.shortName)
	}

	newChild, err := d.placeNewEntry(newName, AttrDirectory, child.startCluster, size, siblings)
	if err != nil {
		return err
	}

	delete(d.subdirs, oldName)
	d.subdirs[newName] = newChild
	return nil
}
