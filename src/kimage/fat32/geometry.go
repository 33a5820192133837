// Package fat32 implements a deterministic FAT32 formatter and writer for
// raw block images. It covers what image assembly needs: formatting,
// directory creation, whole-file writes and reads, with VFAT long names.
package fat32

import (
	"fmt"

	"github.com/bitswalk/kimage/src/common/errors"
)

const (
	// MinClusters is the smallest cluster count a FAT32 volume may have.
	// Below it a volume would be identified as FAT16 by every driver.
	MinClusters = 65525

	// MaxClusters is the largest cluster count FAT32 entries can address
	MaxClusters = 0x0FFFFFF4

	reservedSectors = 32
	numFATs         = 2
	rootCluster     = 2
	fsInfoSector    = 1
	backupBootSect  = 6
	dirEntrySize    = 32
	maxClusterBytes = 32 * 1024
)

// Geometry describes the on-disk layout of a FAT32 volume
type Geometry struct {
	BytesPerSector    uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	FATSectors        uint32 // sectors per FAT copy
	TotalSectors      uint32
	Clusters          uint32 // number of data clusters
	RootCluster       uint32
}

// ClusterSize returns the size of a cluster in bytes
func (g Geometry) ClusterSize() uint32 {
	return g.BytesPerSector * g.SectorsPerCluster
}

// Size returns the volume size in bytes
func (g Geometry) Size() int64 {
	return int64(g.TotalSectors) * int64(g.BytesPerSector)
}

// fatOffset returns the byte offset of the i-th FAT copy
func (g Geometry) fatOffset(i uint32) int64 {
	return int64(g.ReservedSectors+i*g.FATSectors) * int64(g.BytesPerSector)
}

// dataOffset returns the byte offset of the first data cluster
func (g Geometry) dataOffset() int64 {
	return int64(g.ReservedSectors+g.NumFATs*g.FATSectors) * int64(g.BytesPerSector)
}

// clusterOffset returns the byte offset of data cluster c (c >= 2)
func (g Geometry) clusterOffset(c uint32) int64 {
	return g.dataOffset() + int64(c-2)*int64(g.ClusterSize())
}

// validSector reports whether bps is a sector size FAT32 allows
func validSector(bps uint32) bool {
	switch bps {
	case 512, 1024, 2048, 4096:
		return true
	}
	return false
}

// DefaultSectorsPerCluster picks the cluster size mkfs.fat and Windows use
// for a FAT32 volume of the given size.
func DefaultSectorsPerCluster(size int64, bps uint32) uint32 {
	const mib = int64(1) << 20
	var clusterBytes int64
	switch {
	case size <= 260*mib:
		clusterBytes = 512
	case size <= 8*1024*mib:
		clusterBytes = 4096
	case size <= 16*1024*mib:
		clusterBytes = 8192
	case size <= 32*1024*mib:
		clusterBytes = 16384
	default:
		clusterBytes = 32768
	}
	spc := uint32(clusterBytes / int64(bps))
	if spc == 0 {
		spc = 1
	}
	return spc
}

// ComputeGeometry computes the FAT32 layout of a volume of size bytes.
// A zero spc selects DefaultSectorsPerCluster. The FAT32 minimum cluster
// count is enforced here: an undersized volume yields ErrImageCapacity and
// is never formatted as a smaller FAT variant.
func ComputeGeometry(size int64, bps, spc uint32) (Geometry, error) {
	if !validSector(bps) {
		return Geometry{}, errors.ErrFormat.WithMessagef("unsupported sector size %d", bps)
	}
	if spc == 0 {
		spc = DefaultSectorsPerCluster(size, bps)
	}
	if spc > 128 || spc&(spc-1) != 0 {
		return Geometry{}, errors.ErrFormat.WithMessagef("sectors per cluster must be a power of two up to 128, got %d", spc)
	}
	if spc*bps > maxClusterBytes {
		return Geometry{}, errors.ErrFormat.WithMessagef("cluster size %d exceeds %d bytes", spc*bps, maxClusterBytes)
	}

	total := size / int64(bps)
	if total > 0xFFFFFFFF {
		return Geometry{}, errors.ErrFormat.WithMessagef("image of %d bytes exceeds the FAT32 sector limit", size)
	}

	g := Geometry{
		BytesPerSector:    bps,
		SectorsPerCluster: spc,
		ReservedSectors:   reservedSectors,
		NumFATs:           numFATs,
		TotalSectors:      uint32(total),
		RootCluster:       rootCluster,
	}

	if int64(g.TotalSectors) <= int64(g.ReservedSectors+g.NumFATs) {
		return Geometry{}, capacityError(size, 0, spc)
	}

	// Grow the FAT until it addresses every cluster that fits beside it.
	entriesPerSector := bps / 4
	g.FATSectors = 1
	for {
		meta := int64(g.ReservedSectors) + int64(g.NumFATs)*int64(g.FATSectors)
		if meta >= int64(g.TotalSectors) {
			return Geometry{}, capacityError(size, 0, spc)
		}
		clusters := (int64(g.TotalSectors) - meta) / int64(spc)
		need := uint32((clusters + 2 + int64(entriesPerSector) - 1) / int64(entriesPerSector))
		if need <= g.FATSectors {
			g.Clusters = uint32(clusters)
			break
		}
		g.FATSectors = need
	}

	if g.Clusters < MinClusters {
		return Geometry{}, capacityError(size, g.Clusters, spc)
	}
	if g.Clusters > MaxClusters {
		return Geometry{}, errors.ErrFormat.WithMessagef("%d clusters exceed the FAT32 maximum of %d; use larger clusters", g.Clusters, MaxClusters)
	}

	return g, nil
}

func capacityError(size int64, clusters, spc uint32) error {
	return errors.ErrImageCapacity.WithMessage(fmt.Sprintf(
		"image of %d bytes yields %d clusters at %d sectors per cluster, FAT32 requires at least %d",
		size, clusters, spc, MinClusters))
}
