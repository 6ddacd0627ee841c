// Package blockcache implements a bounded block cache: a fixed-size set of
// 512-byte sector buffers sitting between the directory/file engine and
// the block device, tracking dirty state and evicting under pressure. It
// is the only path to storage; every other component funnels its reads
// and writes through a Cache.
package blockcache

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Godones/fat32/blockdev"
	"github.com/Godones/fat32/errors"
)

// DefaultCapacity is a reasonable default cache size.
const DefaultCapacity = 100

// entry is one cached sector buffer. buf and dirty are guarded by mu, a
// readers-writer lock allowing concurrent readers and a single writer.
// refs is guarded by the owning Cache's index mutex, not by mu, since it's
// index bookkeeping rather than buffer data.
type entry struct {
	mu     sync.RWMutex
	sector blockdev.Sector
	buf    [blockdev.SectorSize]byte
	dirty  bool

	// refs starts at 1 when the entry is inserted, representing the cache's
	// own ownership of the slot. Each outstanding Handle adds 1. An entry is
	// evictable exactly when refs == 1: nobody but the cache holds it.
	refs int
}

// Cache is a bounded collection of at most `capacity` sector buffers.
type Cache struct {
	// idxMu guards slots and the refs field of every entry. It is held only
	// for map lookup/insert/evict bookkeeping, never across device I/O.
	idxMu     sync.Mutex
	slots     map[blockdev.Sector]*entry
	capacity  int
	device    blockdev.Device
	logger    *logrus.Logger
	evictions uint64
}

// New creates a Cache of the given capacity sitting on top of device. A nil
// logger defaults to logrus.StandardLogger(), consistent with every other
// entry point in this module.
func New(device blockdev.Device, capacity int, logger *logrus.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		slots:    make(map[blockdev.Sector]*entry, capacity),
		capacity: capacity,
		device:   device,
		logger:   logger,
	}
}

// Handle is a shared reference to one cached sector. The caller must call
// Release exactly once when done; Release writes the buffer back to the
// device immediately if it's dirty.
type Handle struct {
	cache *Cache
	e     *entry
}

// Sector returns the sector this handle refers to.
func (h *Handle) Sector() blockdev.Sector {
	return h.e.sector
}

// Read invokes f with a shared read-only view of the buffer, starting at
// byte offset. The caller must not read past the end of the sector; this
// method does not re-slice to protect against it.
func (h *Handle) Read(offset int, f func(buf []byte)) {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	f(h.e.buf[offset:])
}

// Write invokes f with an exclusive, writable view of the buffer starting
// at byte offset, then marks the entry dirty.
func (h *Handle) Write(offset int, f func(buf []byte)) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	f(h.e.buf[offset:])
	h.e.dirty = true
}

// Release drops this handle. If the entry is dirty it is written back to the
// device immediately, guaranteeing that any handle a caller releases
// eventually materializes to storage even without an explicit Sync.
func (h *Handle) Release() error {
	err := h.flushIfDirty()

	h.cache.idxMu.Lock()
	h.e.refs--
	h.cache.idxMu.Unlock()

	return err
}

func (h *Handle) flushIfDirty() error {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()

	if !h.e.dirty {
		return nil
	}

	err := h.cache.device.WriteSector(h.e.sector, h.e.buf[:])
	if err != nil {
		// Leave dirty set so a later retry (Sync, or another Release) can
		// still write the data out: the failure propagates but the buffer
		// stays recoverable.
		return err
	}
	h.e.dirty = false
	return nil
}

// Get returns a shared Handle to the cached buffer for sector. On a miss it
// loads the sector from the device, evicting an unreferenced entry first if
// the cache is already at capacity.
func (c *Cache) Get(sector blockdev.Sector) (*Handle, error) {
	c.idxMu.Lock()
	if e, ok := c.slots[sector]; ok {
		e.refs++
		c.idxMu.Unlock()
		return &Handle{cache: c, e: e}, nil
	}

	var victim *entry
	if len(c.slots) >= c.capacity {
		victim = c.pickVictimLocked()
		delete(c.slots, victim.sector)
		c.evictions++
	}
	c.idxMu.Unlock()

	if victim != nil {
		c.logger.WithFields(logrus.Fields{"victim": victim.sector, "incoming": sector}).
			Trace("blockcache: evicting sector")
		if err := flushEntry(c.device, victim); err != nil {
			return nil, err
		}
	}

	e := &entry{sector: sector, refs: 1}
	if err := c.device.ReadSector(sector, e.buf[:]); err != nil {
		return nil, err
	}

	c.idxMu.Lock()
	// Another goroutine may have raced us and loaded the same sector while
	// idxMu was released for I/O; prefer whichever is already installed so
	// we never have two live entries for the same sector.
	if existing, ok := c.slots[sector]; ok {
		existing.refs++
		c.idxMu.Unlock()
		return &Handle{cache: c, e: existing}, nil
	}
	c.slots[sector] = e
	e.refs++
	c.idxMu.Unlock()

	return &Handle{cache: c, e: e}, nil
}

// pickVictimLocked must be called with idxMu held. It returns an entry with
// refs == 1 (held only by the cache itself). If every entry is externally
// referenced, the cache cannot make progress; that's a caller bug, not a
// recoverable condition, so it releases idxMu and panics.
func (c *Cache) pickVictimLocked() *entry {
	for _, e := range c.slots {
		if e.refs == 1 {
			return e
		}
	}
	c.idxMu.Unlock()
	errors.Corrupt("blockcache: cache full (%d entries) and every entry is still held", c.capacity)
	return nil // unreachable
}

func flushEntry(device blockdev.Device, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dirty {
		return nil
	}
	if err := device.WriteSector(e.sector, e.buf[:]); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// Sync writes back every dirty entry and clears its dirty flag. Flush
// failures are collected and returned together so one bad sector doesn't
// stop the rest from being attempted.
func (c *Cache) Sync() error {
	c.idxMu.Lock()
	victims := make([]*entry, 0, len(c.slots))
	for _, e := range c.slots {
		victims = append(victims, e)
	}
	c.idxMu.Unlock()

	var result *multierror.Error
	for _, e := range victims {
		if err := flushEntry(c.device, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Stats reports the cache's current occupancy and how many evictions have
// occurred since creation.
type Stats struct {
	Occupied  int
	Capacity  int
	Evictions uint64
}

func (c *Cache) Stats() Stats {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	return Stats{Occupied: len(c.slots), Capacity: c.capacity, Evictions: c.evictions}
}
