package fat32

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
)

// Device is the block store backing a volume
type Device interface {
	io.ReaderAt
	io.WriterAt
}

const (
	mediaFixed   = 0xF8
	fatEOC       = 0x0FFFFFFF
	fatEOCMin    = 0x0FFFFFF8
	fatBad       = 0x0FFFFFF7
	fatMask      = 0x0FFFFFFF
	fsInfoLead   = 0x41615252
	fsInfoStruct = 0x61417272
	fsInfoTrail  = 0xAA550000
	oemName      = "KIMAGE  "
	fsTypeName   = "FAT32   "
)

// dosEpoch is the default timestamp for every entry written, which keeps
// images byte-identical across runs.
var dosEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// FormatOptions controls how a volume is formatted
type FormatOptions struct {
	BytesPerSector    uint32 // default 512
	SectorsPerCluster uint32 // 0 selects DefaultSectorsPerCluster
	Label             string // up to 11 characters, upper-cased
	VolumeID          uint32 // 0 derives the ID from the label
	Timestamp         time.Time
}

// Format writes an empty FAT32 filesystem of size bytes to dev: boot sector,
// FSInfo, their backups, both FAT copies and the root directory cluster.
func Format(dev Device, size int64, opts FormatOptions) (Geometry, error) {
	if opts.BytesPerSector == 0 {
		opts.BytesPerSector = 512
	}
	g, err := ComputeGeometry(size, opts.BytesPerSector, opts.SectorsPerCluster)
	if err != nil {
		return Geometry{}, err
	}

	label := normalizeLabel(opts.Label)
	volID := opts.VolumeID
	if volID == 0 {
		volID = crc32.ChecksumIEEE([]byte(label))
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = dosEpoch
	}

	// Clear reserved sectors, both FATs and the root cluster.
	if err := zeroRange(dev, 0, g.clusterOffset(g.RootCluster)+int64(g.ClusterSize())); err != nil {
		return Geometry{}, err
	}

	boot := bootSector(g, label, volID)
	info := fsInfo(g, g.Clusters-1, g.RootCluster+1)
	for _, sector := range []uint32{0, backupBootSect} {
		if err := writeSector(dev, g, sector, boot); err != nil {
			return Geometry{}, err
		}
		if err := writeSector(dev, g, sector+fsInfoSector, info); err != nil {
			return Geometry{}, err
		}
	}

	head := make([]byte, 12)
	binary.LittleEndian.PutUint32(head[0:], 0x0FFFFF00|mediaFixed)
	binary.LittleEndian.PutUint32(head[4:], fatEOC)
	binary.LittleEndian.PutUint32(head[8:], fatEOC) // root directory chain
	for i := uint32(0); i < g.NumFATs; i++ {
		if _, err := dev.WriteAt(head, g.fatOffset(i)); err != nil {
			return Geometry{}, errors.ErrIO.WithCause(err)
		}
	}

	if label != "" {
		var e rawEntry
		copy(e.name[:], padRight(label, 11))
		e.attr = attrVolumeID
		e.setTime(ts)
		if _, err := dev.WriteAt(e.bytes(), g.clusterOffset(g.RootCluster)); err != nil {
			return Geometry{}, errors.ErrIO.WithCause(err)
		}
	}

	return g, nil
}

func bootSector(g Geometry, label string, volID uint32) []byte {
	b := make([]byte, g.BytesPerSector)
	le := binary.LittleEndian

	copy(b[0:], []byte{0xEB, 0x58, 0x90})
	copy(b[3:11], oemName)
	le.PutUint16(b[11:], uint16(g.BytesPerSector))
	b[13] = byte(g.SectorsPerCluster)
	le.PutUint16(b[14:], uint16(g.ReservedSectors))
	b[16] = byte(g.NumFATs)
	// RootEntCnt, TotSec16 and FATSz16 stay zero on FAT32.
	b[21] = mediaFixed
	le.PutUint16(b[24:], 32) // sectors per track
	le.PutUint16(b[26:], 64) // heads
	le.PutUint32(b[32:], g.TotalSectors)
	le.PutUint32(b[36:], g.FATSectors)
	le.PutUint32(b[44:], g.RootCluster)
	le.PutUint16(b[48:], fsInfoSector)
	le.PutUint16(b[50:], backupBootSect)
	b[64] = 0x80
	b[66] = 0x29
	le.PutUint32(b[67:], volID)
	volLabel := label
	if volLabel == "" {
		volLabel = "NO NAME"
	}
	copy(b[71:82], padRight(volLabel, 11))
	copy(b[82:90], fsTypeName)
	b[510] = 0x55
	b[511] = 0xAA
	return b
}

func fsInfo(g Geometry, free, next uint32) []byte {
	b := make([]byte, g.BytesPerSector)
	le := binary.LittleEndian
	le.PutUint32(b[0:], fsInfoLead)
	le.PutUint32(b[484:], fsInfoStruct)
	le.PutUint32(b[488:], free)
	le.PutUint32(b[492:], next)
	le.PutUint32(b[508:], fsInfoTrail)
	return b
}

func writeSector(dev Device, g Geometry, sector uint32, data []byte) error {
	if _, err := dev.WriteAt(data, int64(sector)*int64(g.BytesPerSector)); err != nil {
		return errors.ErrIO.WithCause(err)
	}
	return nil
}

func zeroRange(dev Device, off, end int64) error {
	zero := make([]byte, 64*1024)
	for off < end {
		n := int64(len(zero))
		if end-off < n {
			n = end - off
		}
		if _, err := dev.WriteAt(zero[:n], off); err != nil {
			return errors.ErrIO.WithCause(err)
		}
		off += n
	}
	return nil
}

// normalizeLabel upper-cases the label and keeps the first 11 valid bytes
func normalizeLabel(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	var sb strings.Builder
	for _, r := range label {
		if sb.Len() == 11 {
			break
		}
		if r < 0x80 && (isShortChar(byte(r)) || r == ' ') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
