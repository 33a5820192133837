package fat32

import (
	"io"
	"path"

	"github.com/bitswalk/kimage/src/common/errors"
)

// maxFileSize is the largest size a FAT32 directory entry can record
const maxFileSize = 0xFFFFFFFF

// WriteFile stores size bytes read from r at p. The parent directory must
// exist. An existing file at p is replaced; its clusters are reclaimed first.
// Running out of clusters yields ErrImageCapacity.
func (fs *FS) WriteFile(p string, r io.Reader, size int64) error {
	comps := splitPath(p)
	if len(comps) == 0 {
		return ErrIsDirectory.WithMessage("cannot write to the root directory")
	}
	name := comps[len(comps)-1]
	if err := validateLongName(name); err != nil {
		return err
	}
	if size < 0 || size > maxFileSize {
		return errors.ErrImageCapacity.WithMessagef("%s: size %d exceeds the FAT32 file size limit", p, size)
	}

	parent, err := fs.Stat(path.Dir("/" + path.Join(comps...)))
	if err != nil {
		return err
	}
	if !parent.IsDir {
		return ErrNotDirectory.WithMessagef("%s: parent is not a directory", p)
	}

	existing, err := fs.lookup(parent.Cluster, name)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsDir {
		return ErrIsDirectory.WithMessagef("%s is a directory", p)
	}

	csize := int64(fs.geo.ClusterSize())
	need := uint32((size + csize - 1) / csize)
	reclaim := uint32(0)
	if existing != nil && existing.Cluster != 0 {
		old, err := fs.chain(existing.Cluster)
		if err != nil {
			return err
		}
		reclaim = uint32(len(old))
	}
	if need > fs.free+reclaim {
		return errors.ErrImageCapacity.WithMessagef("%s needs %d clusters, %d free", p, need, fs.free+reclaim)
	}
	if reclaim > 0 {
		if err := fs.release(existing.Cluster); err != nil {
			return err
		}
	}

	clusters, err := fs.allocate(need)
	if err != nil {
		return err
	}
	if err := fs.storeFile(p, parent.Cluster, name, existing, clusters, r, size); err != nil {
		// A new entry that could not be stored leaves nothing pointing at
		// the data clusters.
		if existing == nil && len(clusters) > 0 {
			if rerr := fs.release(clusters[0]); rerr != nil {
				return rerr
			}
		}
		return err
	}
	return nil
}

// storeFile fills clusters from r and records them in the directory entry
func (fs *FS) storeFile(p string, dirCluster uint32, name string, existing *dirSlot, clusters []uint32, r io.Reader, size int64) error {
	csize := int64(fs.geo.ClusterSize())
	buf := make([]byte, csize)
	remaining := size
	for _, c := range clusters {
		n := csize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return errors.ErrIO.WithMessagef("reading content for %s", p).WithCause(err)
		}
		for i := n; i < csize; i++ {
			buf[i] = 0
		}
		if err := fs.writeCluster(c, buf); err != nil {
			return err
		}
		remaining -= n
	}

	var first uint32
	if len(clusters) > 0 {
		first = clusters[0]
	}
	if existing != nil {
		return fs.updateEntry(dirCluster, existing.index, first, uint32(size))
	}
	return fs.addEntry(dirCluster, name, attrArchive, first, uint32(size))
}

// ReadFile returns the content of the file at p
func (fs *FS) ReadFile(p string) ([]byte, error) {
	entry, err := fs.Stat(p)
	if err != nil {
		return nil, err
	}
	if entry.IsDir {
		return nil, ErrIsDirectory.WithMessagef("%s is a directory", p)
	}
	if entry.Size == 0 {
		return []byte{}, nil
	}

	clusters, err := fs.chain(entry.Cluster)
	if err != nil {
		return nil, err
	}
	csize := int(fs.geo.ClusterSize())
	if len(clusters)*csize < int(entry.Size) {
		return nil, errors.ErrFormat.WithMessagef("%s: chain shorter than file size", p)
	}

	out := make([]byte, len(clusters)*csize)
	for i, c := range clusters {
		if err := fs.readCluster(c, out[i*csize:]); err != nil {
			return nil, err
		}
	}
	return out[:entry.Size], nil
}
