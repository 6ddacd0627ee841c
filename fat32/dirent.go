package fat32

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/Godones/fat32/errors"
)

// DirEntrySize is the size of a single raw directory entry, in bytes.
const DirEntrySize = 32

// Attribute flags.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = 0x0F
)

const (
	deletedMarker    = 0xE5
	deletedMarkerAlt = 0x05 // first byte is really 0xE5 stored as 0x05
	freeMarker       = 0x00
)

// fatEpoch is 1980-01-01, the earliest representable FAT timestamp, used as
// the plausible creation/modification stamp for every entry this module
// writes.
const fatEpoch uint16 = (0 << 9) | (1 << 5) | 1 // year 1980, month 1, day 1

// shortEntry is the decoded form of a 32-byte FAT32 short (8.3) directory
// entry.
type shortEntry struct {
	NameExt      [11]byte
	Attr         byte
	StartCluster ClusterID
	FileSize     uint32
}

// encodeShortName converts a logical name into an 11-byte space-padded 8.3
// name field. The caller is responsible for ensuring name already fits an
// 8.3 shape (stem <= 8 chars, extension <= 3 chars); shortname.go generates
// such a name for anything longer.
func encodeShortName(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	if name == "." || name == ".." {
		copy(out[:], name)
		return out, nil
	}

	stem, ext := splitExt(name)
	stem = strings.ToUpper(stem)
	ext = strings.ToUpper(ext)

	if len(stem) > 8 || len(ext) > 3 {
		return out, errors.InvalidDirName.WithMessage(
			"\"" + name + "\" does not fit an 8.3 short name")
	}

	copy(out[0:8], stem)
	copy(out[8:11], ext)
	return out, nil
}

// splitExt splits name on the rightmost '.' into stem and extension. The
// extension is empty if there's no dot.
func splitExt(name string) (stem, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// shortNameChecksum computes the VFAT checksum over the 11-byte name+ext
// field: for each byte, rotate the running sum right
// by one bit and add the byte, modulo 256.
func shortNameChecksum(nameExt [11]byte) byte {
	var sum byte
	for _, b := range nameExt {
		sum = ((sum & 1) << 7) | (sum >> 1)
		sum += b
	}
	return sum
}

// encodeShortEntry packs a short directory entry into exactly DirEntrySize
// bytes.
func encodeShortEntry(nameExt [11]byte, attr byte, startCluster ClusterID, size uint32) []byte {
	buf := make([]byte, DirEntrySize)
	copy(buf[0:11], nameExt[:])
	buf[11] = attr
	// buf[12] reserved, buf[13] creation-time-tenths: left zero.
	binary.LittleEndian.PutUint16(buf[14:16], 0)       // create time
	binary.LittleEndian.PutUint16(buf[16:18], fatEpoch) // create date
	binary.LittleEndian.PutUint16(buf[18:20], fatEpoch) // last access date
	binary.LittleEndian.PutUint16(buf[20:22], uint16(uint32(startCluster)>>16))
	binary.LittleEndian.PutUint16(buf[22:24], 0)       // modify time
	binary.LittleEndian.PutUint16(buf[24:26], fatEpoch) // modify date
	binary.LittleEndian.PutUint16(buf[26:28], uint16(uint32(startCluster)&0xFFFF))
	binary.LittleEndian.PutUint32(buf[28:32], size)
	return buf
}

// decodeShortEntry unpacks a 32-byte slot that has already been determined
// to not be a long-name entry.
func decodeShortEntry(data []byte) shortEntry {
	var nameExt [11]byte
	copy(nameExt[:], data[0:11])

	clusterHigh := binary.LittleEndian.Uint16(data[20:22])
	clusterLow := binary.LittleEndian.Uint16(data[26:28])

	return shortEntry{
		NameExt:      nameExt,
		Attr:         data[11],
		StartCluster: ClusterID(uint32(clusterHigh)<<16 | uint32(clusterLow)),
		FileSize:     binary.LittleEndian.Uint32(data[28:32]),
	}
}

// shortDisplayName reconstructs the "NAME.EXT" (or "NAME") display form of
// an 8.3 name field.
func shortDisplayName(nameExt [11]byte) string {
	stem := strings.TrimRight(string(nameExt[0:8]), " ")
	ext := strings.TrimRight(string(nameExt[8:11]), " ")
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

// ---------------------------------------------------------------------------
// VFAT long-name entries.

// longEntry is the decoded form of one 32-byte long-name fragment.
type longEntry struct {
	Sequence int  // 1..N
	IsLast   bool // bit 0x40 of the order byte
	Units    [13]uint16
	Checksum byte
}

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeUCS2 converts a UTF-8 Go string into UCS-2LE code units. It uses
// golang.org/x/text/encoding/unicode for the UTF-16 transcoding, then
// reinterprets the resulting bytes as 16-bit units, since FAT32 VFAT long
// names are UCS-2 (BMP-only UTF-16) rather than full UTF-8.
func encodeUCS2(name string) ([]uint16, error) {
	encoded, err := utf16LE.NewEncoder().String(name)
	if err != nil {
		return nil, err
	}
	raw := []byte(encoded)
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return units, nil
}

// decodeUCS2 is the inverse of encodeUCS2.
func decodeUCS2(units []uint16) (string, error) {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], u)
	}
	return utf16LE.NewDecoder().String(string(raw))
}

// encodeLongNameGroup builds the long-name entries for name, in physical
// on-disk write order: the entry carrying order = 0x40|N (the last chunk
// logically) comes first, followed by N-1, ..., 1.
func encodeLongNameGroup(name string, checksum byte) ([][]byte, error) {
	units, err := encodeUCS2(name)
	if err != nil {
		return nil, err
	}

	numChunks := (len(units) + 12) / 13
	if numChunks == 0 {
		numChunks = 1
	}

	logical := make([]longEntry, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * 13
		end := start + 13
		if end > len(units) {
			end = len(units)
		}
		chunk := units[start:end]

		var padded [13]uint16
		for j := range padded {
			padded[j] = 0xFFFF
		}
		copy(padded[:], chunk)
		if len(chunk) < 13 {
			padded[len(chunk)] = 0x0000
		}

		seq := i + 1
		logical[i] = longEntry{
			Sequence: seq,
			IsLast:   i == numChunks-1,
			Units:    padded,
			Checksum: checksum,
		}
	}

	out := make([][]byte, numChunks)
	for i := 0; i < numChunks; i++ {
		// Physical position numChunks-1-i holds logical chunk i, reversing
		// the logical (ascending-sequence) order into on-disk order.
		out[numChunks-1-i] = encodeLongEntry(logical[i])
	}
	return out, nil
}

func encodeLongEntry(e longEntry) []byte {
	buf := make([]byte, DirEntrySize)

	order := byte(e.Sequence)
	if e.IsLast {
		order |= 0x40
	}
	buf[0] = order
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(buf[1+i*2:], e.Units[i])
	}
	buf[11] = AttrLongName
	buf[12] = 0 // type, always 0
	buf[13] = e.Checksum
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(buf[14+i*2:], e.Units[5+i])
	}
	binary.LittleEndian.PutUint16(buf[26:28], 0) // first cluster, always 0
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(buf[28+i*2:], e.Units[11+i])
	}
	return buf
}

func decodeLongEntry(data []byte) longEntry {
	var units [13]uint16
	for i := 0; i < 5; i++ {
		units[i] = binary.LittleEndian.Uint16(data[1+i*2:])
	}
	for i := 0; i < 6; i++ {
		units[5+i] = binary.LittleEndian.Uint16(data[14+i*2:])
	}
	for i := 0; i < 2; i++ {
		units[11+i] = binary.LittleEndian.Uint16(data[28+i*2:])
	}

	order := data[0]
	return longEntry{
		Sequence: int(order & 0x1F),
		IsLast:   order&0x40 != 0,
		Units:    units,
		Checksum: data[13],
	}
}

// trimLongUnits trims a long-entry's 13 code units at the first 0x0000
// terminator (if present); trailing 0xFFFF filler beyond it is padding, not
// data.
func trimLongUnits(units [13]uint16) []uint16 {
	for i, u := range units {
		if u == 0x0000 {
			return units[:i]
		}
	}
	return units[:]
}
