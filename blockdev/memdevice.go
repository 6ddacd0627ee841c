package blockdev

import (
	"fmt"
	"sync"
)

// MemDevice is an in-memory Device backed by a single byte slice. It exists
// for tests and for embedders who want to mount an image already resident
// in memory; it is a concrete instance of the storage-agnostic Device
// contract, not part of it.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice creates a MemDevice with totalSectors sectors, all zeroed.
func NewMemDevice(totalSectors int) *MemDevice {
	return &MemDevice{data: make([]byte, totalSectors*SectorSize)}
}

// WrapMemDevice creates a MemDevice over an existing byte slice, whose
// length must be an exact multiple of SectorSize. Useful for mounting a
// pre-built disk image loaded from a file in a test.
func WrapMemDevice(data []byte) (*MemDevice, error) {
	if len(data)%SectorSize != 0 {
		return nil, fmt.Errorf("blockdev: image size %d is not a multiple of %d", len(data), SectorSize)
	}
	return &MemDevice{data: data}, nil
}

func (d *MemDevice) checkBounds(sector Sector, bufLen int) error {
	if bufLen != SectorSize {
		return fmt.Errorf("blockdev: buffer must be exactly %d bytes, got %d", SectorSize, bufLen)
	}
	end := (int(sector) + 1) * SectorSize
	if end > len(d.data) {
		return fmt.Errorf("blockdev: sector %d out of range (device has %d sectors)", sector, len(d.data)/SectorSize)
	}
	return nil
}

func (d *MemDevice) ReadSector(sector Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkBounds(sector, len(buf)); err != nil {
		return err
	}
	start := int(sector) * SectorSize
	copy(buf, d.data[start:start+SectorSize])
	return nil
}

func (d *MemDevice) WriteSector(sector Sector, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkBounds(sector, len(buf)); err != nil {
		return err
	}
	start := int(sector) * SectorSize
	copy(d.data[start:start+SectorSize], buf)
	return nil
}

func (d *MemDevice) Flush() error {
	return nil
}

// Bytes returns the raw backing slice. Callers must not retain it across
// writes without understanding it aliases the device's storage.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// TotalSectors returns the number of 512-byte sectors backing this device.
func (d *MemDevice) TotalSectors() int {
	return len(d.data) / SectorSize
}
