package fat32

import (
	"encoding/binary"
	"path"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	slotFree    = 0xE5
	slotEndMark = 0x00
)

// DirEntry describes a file or directory stored in a directory
type DirEntry struct {
	Name      string // long name, or the short name when none is stored
	ShortName string
	IsDir     bool
	Size      uint32
	Cluster   uint32
}

// rawEntry is a decoded 32-byte short directory entry
type rawEntry struct {
	name    [11]byte
	attr    byte
	ntCase  byte
	time    uint16
	date    uint16
	cluster uint32
	size    uint32
}

func (e *rawEntry) setTime(t time.Time) {
	if t.Year() < 1980 {
		t = dosEpoch
	}
	e.date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	e.time = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
}

func (e rawEntry) array() [dirEntrySize]byte {
	var b [dirEntrySize]byte
	le := binary.LittleEndian
	copy(b[0:11], e.name[:])
	b[11] = e.attr
	b[12] = e.ntCase
	le.PutUint16(b[14:], e.time) // creation
	le.PutUint16(b[16:], e.date)
	le.PutUint16(b[18:], e.date) // last access
	le.PutUint16(b[20:], uint16(e.cluster>>16))
	le.PutUint16(b[22:], e.time) // last write
	le.PutUint16(b[24:], e.date)
	le.PutUint16(b[26:], uint16(e.cluster))
	le.PutUint32(b[28:], e.size)
	return b
}

func (e rawEntry) bytes() []byte {
	b := e.array()
	return b[:]
}

func parseRawEntry(b []byte) rawEntry {
	le := binary.LittleEndian
	var e rawEntry
	copy(e.name[:], b[0:11])
	e.attr = b[11]
	e.ntCase = b[12]
	e.time = le.Uint16(b[22:])
	e.date = le.Uint16(b[24:])
	e.cluster = uint32(le.Uint16(b[20:]))<<16 | uint32(le.Uint16(b[26:]))
	e.size = le.Uint32(b[28:])
	return e
}

// dirData is the concatenated content of a directory's cluster chain
type dirData struct {
	clusters []uint32
	buf      []byte
}

func (d *dirData) slotCount() int {
	return len(d.buf) / dirEntrySize
}

func (d *dirData) slot(i int) []byte {
	return d.buf[i*dirEntrySize : (i+1)*dirEntrySize]
}

// findFree returns the first slot index of a run of n free slots. The run
// may extend past the end of the current chain.
func (d *dirData) findFree(n int) int {
	run, start := 0, 0
	for i := 0; i < d.slotCount(); i++ {
		switch d.slot(i)[0] {
		case slotEndMark:
			if run == 0 {
				start = i
			}
			return start
		case slotFree:
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start
			}
		default:
			run = 0
		}
	}
	if run == 0 {
		return d.slotCount()
	}
	return start
}

// dirSlot is a parsed directory entry and the slot holding its short entry
type dirSlot struct {
	DirEntry
	index int
}

func (fs *FS) loadDir(cluster uint32) (*dirData, error) {
	clusters, err := fs.chain(cluster)
	if err != nil {
		return nil, err
	}
	csize := int(fs.geo.ClusterSize())
	d := &dirData{clusters: clusters, buf: make([]byte, len(clusters)*csize)}
	for i, c := range clusters {
		if err := fs.readCluster(c, d.buf[i*csize:]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (fs *FS) storeDir(d *dirData) error {
	csize := int(fs.geo.ClusterSize())
	for i, c := range d.clusters {
		if err := fs.writeCluster(c, d.buf[i*csize:]); err != nil {
			return err
		}
	}
	return nil
}

// parseDir decodes every live entry of d, skipping the volume label and the
// dot entries, and returns the set of short names in use.
func parseDir(d *dirData) ([]dirSlot, map[[11]byte]bool) {
	var (
		entries []dirSlot
		taken   = map[[11]byte]bool{}
		parts   [][]uint16
		sum     byte
		active  bool
	)

	for i := 0; i < d.slotCount(); i++ {
		b := d.slot(i)
		if b[0] == slotEndMark {
			break
		}
		if b[0] == slotFree {
			active = false
			continue
		}

		if b[11]&0x3F == attrLongName {
			seq := int(b[0] & 0x1F)
			if b[0]&0x40 != 0 {
				parts = make([][]uint16, seq)
				sum = b[13]
				active = true
			}
			if !active || seq == 0 || seq > len(parts) || b[13] != sum {
				active = false
				continue
			}
			chunk := append(getUnits(b[1:11]), getUnits(b[14:26])...)
			parts[seq-1] = append(chunk, getUnits(b[28:32])...)
			continue
		}

		raw := parseRawEntry(b)
		taken[raw.name] = true
		if raw.attr&attrVolumeID != 0 || raw.name[0] == '.' {
			active = false
			continue
		}

		short := displayShortName(raw.name, raw.ntCase)
		name := short
		if active && sum == shortChecksum(raw.name) {
			if long, ok := joinLongName(parts); ok {
				name = long
			}
		}
		active = false

		entries = append(entries, dirSlot{
			DirEntry: DirEntry{
				Name:      name,
				ShortName: short,
				IsDir:     raw.attr&attrDirectory != 0,
				Size:      raw.size,
				Cluster:   raw.cluster,
			},
			index: i,
		})
	}
	return entries, taken
}

func joinLongName(parts [][]uint16) (string, bool) {
	var units []uint16
	for _, p := range parts {
		if p == nil {
			return "", false
		}
		units = append(units, p...)
	}
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units)), true
}

// lookup finds name in the directory at cluster, case-insensitively
func (fs *FS) lookup(cluster uint32, name string) (*dirSlot, error) {
	d, err := fs.loadDir(cluster)
	if err != nil {
		return nil, err
	}
	entries, _ := parseDir(d)
	for i := range entries {
		if strings.EqualFold(entries[i].Name, name) || strings.EqualFold(entries[i].ShortName, name) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// addEntry stores a new entry named name in the directory at dirCluster,
// growing the directory when it has no room.
func (fs *FS) addEntry(dirCluster uint32, name string, attr byte, cluster, size uint32) error {
	d, err := fs.loadDir(dirCluster)
	if err != nil {
		return err
	}
	_, taken := parseDir(d)

	var slots [][dirEntrySize]byte
	short, ntCase, plain := plainShortName(name)
	if !plain || taken[short] {
		short, err = generateShortName(name, taken)
		if err != nil {
			return err
		}
		ntCase = 0
		slots = longNameEntries(name, shortChecksum(short))
	}
	raw := rawEntry{name: short, attr: attr, ntCase: ntCase, cluster: cluster, size: size}
	raw.setTime(fs.ts)
	slots = append(slots, raw.array())

	start := d.findFree(len(slots))
	need := (start + len(slots)) * dirEntrySize
	csize := int(fs.geo.ClusterSize())
	if len(d.buf) < need {
		grow := uint32((need - len(d.buf) + csize - 1) / csize)
		grown, err := fs.allocate(grow)
		if err != nil {
			return err
		}
		fs.fat[d.clusters[len(d.clusters)-1]] = grown[0]
		d.clusters = append(d.clusters, grown...)
		d.buf = append(d.buf, make([]byte, int(grow)*csize)...)
	}

	for i, s := range slots {
		copy(d.slot(start+i), s[:])
	}
	return fs.storeDir(d)
}

// updateEntry rewrites the cluster and size of the short entry at index
func (fs *FS) updateEntry(dirCluster uint32, index int, cluster, size uint32) error {
	d, err := fs.loadDir(dirCluster)
	if err != nil {
		return err
	}
	raw := parseRawEntry(d.slot(index))
	raw.cluster = cluster
	raw.size = size
	raw.setTime(fs.ts)
	b := raw.array()
	copy(d.slot(index), b[:])
	return fs.storeDir(d)
}

// splitPath cleans p and returns its components; the root yields none
func splitPath(p string) []string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Stat returns the entry at p. The root directory is reported as "/".
func (fs *FS) Stat(p string) (DirEntry, error) {
	cur := DirEntry{Name: "/", ShortName: "/", IsDir: true, Cluster: fs.geo.RootCluster}
	for _, comp := range splitPath(p) {
		if !cur.IsDir {
			return DirEntry{}, ErrNotDirectory.WithMessagef("%s: not a directory", cur.Name)
		}
		found, err := fs.lookup(cur.Cluster, comp)
		if err != nil {
			return DirEntry{}, err
		}
		if found == nil {
			return DirEntry{}, ErrNotFound.WithMessagef("%s: no such file or directory", p)
		}
		cur = found.DirEntry
	}
	return cur, nil
}

// Mkdir creates the directory p and any missing parents. Existing
// directories are left untouched.
func (fs *FS) Mkdir(p string) error {
	cur := fs.geo.RootCluster
	for _, comp := range splitPath(p) {
		found, err := fs.lookup(cur, comp)
		if err != nil {
			return err
		}
		if found != nil {
			if !found.IsDir {
				return ErrNotDirectory.WithMessagef("%s exists and is not a directory", comp)
			}
			cur = found.Cluster
			continue
		}

		if err := validateLongName(comp); err != nil {
			return err
		}
		created, err := fs.newDirCluster(cur)
		if err != nil {
			return err
		}
		if err := fs.addEntry(cur, comp, attrDirectory, created, 0); err != nil {
			if rerr := fs.release(created); rerr != nil {
				return rerr
			}
			return err
		}
		cur = created
	}
	return nil
}

// newDirCluster allocates and initialises a directory cluster holding the
// "." and ".." entries
func (fs *FS) newDirCluster(parent uint32) (uint32, error) {
	clusters, err := fs.allocate(1)
	if err != nil {
		return 0, err
	}
	c := clusters[0]

	if parent == fs.geo.RootCluster {
		parent = 0
	}
	buf := make([]byte, fs.geo.ClusterSize())
	dot := rawEntry{attr: attrDirectory, cluster: c}
	copy(dot.name[:], ".          ")
	dot.setTime(fs.ts)
	dotdot := rawEntry{attr: attrDirectory, cluster: parent}
	copy(dotdot.name[:], "..         ")
	dotdot.setTime(fs.ts)
	copy(buf[0:], dot.bytes())
	copy(buf[dirEntrySize:], dotdot.bytes())

	if err := fs.writeCluster(c, buf); err != nil {
		return 0, err
	}
	return c, nil
}

// ReadDir lists the entries of the directory p in on-disk order
func (fs *FS) ReadDir(p string) ([]DirEntry, error) {
	dir, err := fs.Stat(p)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir {
		return nil, ErrNotDirectory.WithMessagef("%s: not a directory", p)
	}
	d, err := fs.loadDir(dir.Cluster)
	if err != nil {
		return nil, err
	}
	slots, _ := parseDir(d)
	out := make([]DirEntry, len(slots))
	for i, s := range slots {
		out[i] = s.DirEntry
	}
	return out, nil
}
