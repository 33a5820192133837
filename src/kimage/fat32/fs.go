package fat32

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
)

// Sentinel errors for path resolution
var (
	ErrNotFound     = errors.New(errors.DomainImage, errors.CodeNotFound, "No such file or directory")
	ErrNotDirectory = errors.New(errors.DomainImage, "not_directory", "Not a directory")
	ErrIsDirectory  = errors.New(errors.DomainImage, "is_directory", "Is a directory")
)

// FS is an open FAT32 volume. The FAT is held in memory and written back to
// every FAT copy by Sync. FS is not safe for concurrent use.
type FS struct {
	dev   Device
	geo   Geometry
	fat   []uint32
	free  uint32
	next  uint32 // allocation hint
	ts    time.Time
	label string
	volID uint32
}

// Open parses the boot sector of dev and loads the first FAT copy
func Open(dev Device) (*FS, error) {
	b := make([]byte, 512)
	if _, err := dev.ReadAt(b, 0); err != nil {
		return nil, errors.ErrIO.WithCause(err)
	}
	if b[510] != 0x55 || b[511] != 0xAA {
		return nil, errors.ErrFormat.WithMessage("boot sector signature missing")
	}

	le := binary.LittleEndian
	bps := uint32(le.Uint16(b[11:]))
	spc := uint32(b[13])
	g := Geometry{
		BytesPerSector:    bps,
		SectorsPerCluster: spc,
		ReservedSectors:   uint32(le.Uint16(b[14:])),
		NumFATs:           uint32(b[16]),
		FATSectors:        le.Uint32(b[36:]),
		TotalSectors:      le.Uint32(b[32:]),
		RootCluster:       le.Uint32(b[44:]),
	}
	switch {
	case !validSector(bps):
		return nil, errors.ErrFormat.WithMessagef("unsupported sector size %d", bps)
	case spc == 0 || spc&(spc-1) != 0:
		return nil, errors.ErrFormat.WithMessagef("invalid sectors per cluster %d", spc)
	case le.Uint16(b[17:]) != 0 || le.Uint16(b[22:]) != 0 || le.Uint16(b[19:]) != 0:
		return nil, errors.ErrFormat.WithMessage("volume is not FAT32")
	case g.NumFATs == 0 || g.FATSectors == 0:
		return nil, errors.ErrFormat.WithMessage("volume has no FAT")
	}

	meta := g.ReservedSectors + g.NumFATs*g.FATSectors
	if meta >= g.TotalSectors {
		return nil, errors.ErrFormat.WithMessage("FAT region exceeds volume size")
	}
	g.Clusters = (g.TotalSectors - meta) / spc
	if g.Clusters < MinClusters {
		return nil, errors.ErrFormat.WithMessagef("volume has %d clusters, too few for FAT32", g.Clusters)
	}
	if uint64(g.FATSectors)*uint64(bps)/4 < uint64(g.Clusters)+2 {
		return nil, errors.ErrFormat.WithMessage("FAT is too small for the data region")
	}
	if g.RootCluster < 2 || g.RootCluster >= g.Clusters+2 {
		return nil, errors.ErrFormat.WithMessagef("root cluster %d out of range", g.RootCluster)
	}

	raw := make([]byte, (int(g.Clusters)+2)*4)
	if _, err := dev.ReadAt(raw, g.fatOffset(0)); err != nil {
		return nil, errors.ErrIO.WithCause(err)
	}

	fs := &FS{
		dev:   dev,
		geo:   g,
		fat:   make([]uint32, g.Clusters+2),
		next:  2,
		ts:    dosEpoch,
		label: strings.TrimRight(string(b[71:82]), " "),
		volID: le.Uint32(b[67:]),
	}
	for i := range fs.fat {
		fs.fat[i] = le.Uint32(raw[i*4:]) & fatMask
		if i >= 2 && fs.fat[i] == 0 {
			fs.free++
		}
	}
	return fs, nil
}

// Geometry returns the volume layout
func (fs *FS) Geometry() Geometry {
	return fs.geo
}

// FreeClusters returns the number of unallocated data clusters
func (fs *FS) FreeClusters() uint32 {
	return fs.free
}

// Label returns the volume label stored in the boot sector
func (fs *FS) Label() string {
	return fs.label
}

// VolumeID returns the volume serial number
func (fs *FS) VolumeID() uint32 {
	return fs.volID
}

// SetTimestamp sets the time recorded on entries created from now on
func (fs *FS) SetTimestamp(t time.Time) {
	fs.ts = t
}

// Sync writes the in-memory FAT to every FAT copy and refreshes FSInfo
func (fs *FS) Sync() error {
	g := fs.geo
	buf := make([]byte, int64(g.FATSectors)*int64(g.BytesPerSector))
	for i, v := range fs.fat {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	for i := uint32(0); i < g.NumFATs; i++ {
		if _, err := fs.dev.WriteAt(buf, g.fatOffset(i)); err != nil {
			return errors.ErrIO.WithCause(err)
		}
	}

	info := fsInfo(g, fs.free, fs.next)
	for _, sector := range []uint32{fsInfoSector, backupBootSect + fsInfoSector} {
		if err := writeSector(fs.dev, g, sector, info); err != nil {
			return err
		}
	}
	return nil
}

// allocate reserves n clusters, links them into one chain and returns them
// in chain order
func (fs *FS) allocate(n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	if n > fs.free {
		return nil, errors.ErrImageCapacity.WithMessagef("need %d clusters, %d free", n, fs.free)
	}

	limit := fs.geo.Clusters + 2
	out := make([]uint32, 0, n)
	c := fs.next
	for uint32(len(out)) < n {
		if c < 2 || c >= limit {
			c = 2
		}
		if fs.fat[c] == 0 {
			out = append(out, c)
		}
		c++
	}

	for i, cl := range out {
		if i+1 < len(out) {
			fs.fat[cl] = out[i+1]
		} else {
			fs.fat[cl] = fatEOC
		}
	}
	fs.free -= n
	fs.next = c
	return out, nil
}

// chain follows the cluster chain starting at start
func (fs *FS) chain(start uint32) ([]uint32, error) {
	var out []uint32
	limit := fs.geo.Clusters + 2
	for c := start; ; {
		if c < 2 || c >= limit {
			return nil, errors.ErrFormat.WithMessagef("cluster %d out of range", c)
		}
		out = append(out, c)
		if uint32(len(out)) > fs.geo.Clusters {
			return nil, errors.ErrFormat.WithMessagef("cluster chain starting at %d loops", start)
		}
		next := fs.fat[c]
		switch {
		case next >= fatEOCMin:
			return out, nil
		case next == 0 || next == fatBad:
			return nil, errors.ErrFormat.WithMessagef("cluster chain starting at %d is broken at %d", start, c)
		}
		c = next
	}
}

// release frees every cluster of the chain starting at start
func (fs *FS) release(start uint32) error {
	clusters, err := fs.chain(start)
	if err != nil {
		return err
	}
	for _, c := range clusters {
		fs.fat[c] = 0
	}
	fs.free += uint32(len(clusters))
	return nil
}

func (fs *FS) readCluster(c uint32, buf []byte) error {
	if _, err := fs.dev.ReadAt(buf[:fs.geo.ClusterSize()], fs.geo.clusterOffset(c)); err != nil {
		return errors.ErrIO.WithCause(err)
	}
	return nil
}

func (fs *FS) writeCluster(c uint32, buf []byte) error {
	if _, err := fs.dev.WriteAt(buf[:fs.geo.ClusterSize()], fs.geo.clusterOffset(c)); err != nil {
		return errors.ErrIO.WithCause(err)
	}
	return nil
}
