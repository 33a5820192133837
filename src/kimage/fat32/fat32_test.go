package fat32

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/bitswalk/kimage/src/common/errors"
)

// memDevice is an in-memory block device
type memDevice struct {
	buf []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, fmt.Errorf("read past end at %d", off)
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read at %d", off)
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write past end at %d", off)
	}
	return copy(m.buf[off:], p), nil
}

const defaultImageSize = 512 * 131072

func newVolume(t *testing.T) (*memDevice, *FS) {
	t.Helper()
	dev := newMemDevice(defaultImageSize)
	if _, err := Format(dev, defaultImageSize, FormatOptions{Label: "kimage"}); err != nil {
		t.Fatalf("Format() error: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return dev, fs
}

func TestComputeGeometry_DefaultImage(t *testing.T) {
	g, err := ComputeGeometry(defaultImageSize, 512, 0)
	if err != nil {
		t.Fatalf("ComputeGeometry() error: %v", err)
	}
	if g.SectorsPerCluster != 1 {
		t.Errorf("SectorsPerCluster = %d, want 1", g.SectorsPerCluster)
	}
	if g.Clusters < MinClusters {
		t.Errorf("Clusters = %d, want at least %d", g.Clusters, MinClusters)
	}
	if g.Clusters != 128992 || g.FATSectors != 1024 {
		t.Errorf("geometry = %d clusters / %d FAT sectors, want 128992 / 1024", g.Clusters, g.FATSectors)
	}
	if g.Size() != defaultImageSize {
		t.Errorf("Size() = %d, want %d", g.Size(), defaultImageSize)
	}
}

func TestComputeGeometry_RejectsUndersizedImages(t *testing.T) {
	tests := []struct {
		name string
		size int64
		spc  uint32
	}{
		{"32 MiB at one sector per cluster", 32 << 20, 1},
		{"64 MiB at eight sectors per cluster", defaultImageSize, 8},
		{"1 MiB", 1 << 20, 0},
		{"a handful of sectors", 512 * 20, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeGeometry(tt.size, 512, tt.spc)
			if !errors.Is(err, errors.ErrImageCapacity) {
				t.Errorf("expected ErrImageCapacity, got %v", err)
			}
		})
	}
}

func TestComputeGeometry_InvalidParameters(t *testing.T) {
	if _, err := ComputeGeometry(defaultImageSize, 300, 1); !errors.Is(err, errors.ErrFormat) {
		t.Errorf("expected ErrFormat for sector size 300, got %v", err)
	}
	if _, err := ComputeGeometry(defaultImageSize, 512, 3); !errors.Is(err, errors.ErrFormat) {
		t.Errorf("expected ErrFormat for 3 sectors per cluster, got %v", err)
	}
	if _, err := ComputeGeometry(defaultImageSize, 4096, 16); !errors.Is(err, errors.ErrFormat) {
		t.Errorf("expected ErrFormat for 64 KiB clusters, got %v", err)
	}
}

func TestFormat_WritesFAT32Structures(t *testing.T) {
	dev, fs := newVolume(t)
	b := dev.buf

	if b[510] != 0x55 || b[511] != 0xAA {
		t.Error("boot sector signature missing")
	}
	if string(b[82:90]) != "FAT32   " {
		t.Errorf("filesystem type = %q, want FAT32", b[82:90])
	}
	if !bytes.Equal(b[0:512], b[6*512:7*512]) {
		t.Error("backup boot sector differs from primary")
	}
	if fs.Label() != "KIMAGE" {
		t.Errorf("Label() = %q, want KIMAGE", fs.Label())
	}
	if fs.FreeClusters() != fs.Geometry().Clusters-1 {
		t.Errorf("FreeClusters() = %d, want %d", fs.FreeClusters(), fs.Geometry().Clusters-1)
	}

	g := fs.Geometry()
	fat0 := b[g.fatOffset(0) : g.fatOffset(0)+12]
	fat1 := b[g.fatOffset(1) : g.fatOffset(1)+12]
	if !bytes.Equal(fat0, fat1) {
		t.Error("FAT copies differ after format")
	}
}

func TestFormat_IsDeterministic(t *testing.T) {
	a, _ := newVolume(t)
	b, _ := newVolume(t)
	if !bytes.Equal(a.buf, b.buf) {
		t.Error("two formats with identical options produced different images")
	}
}

func TestOpen_RejectsNonFAT32(t *testing.T) {
	dev := newMemDevice(defaultImageSize)
	if _, err := Open(dev); !errors.Is(err, errors.ErrFormat) {
		t.Errorf("expected ErrFormat for a blank device, got %v", err)
	}
}

func TestMkdir_IsIdempotent(t *testing.T) {
	_, fs := newVolume(t)

	for i := 0; i < 2; i++ {
		if err := fs.Mkdir("/mnt/data"); err != nil {
			t.Fatalf("Mkdir() pass %d error: %v", i, err)
		}
	}

	root, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir(/) error: %v", err)
	}
	if len(root) != 1 || root[0].Name != "mnt" || !root[0].IsDir {
		t.Fatalf("unexpected root listing: %+v", root)
	}

	sub, err := fs.ReadDir("/mnt")
	if err != nil {
		t.Fatalf("ReadDir(/mnt) error: %v", err)
	}
	if len(sub) != 1 || sub[0].Name != "data" {
		t.Errorf("unexpected /mnt listing: %+v", sub)
	}
}

func TestMkdir_ThroughFileFails(t *testing.T) {
	_, fs := newVolume(t)
	if err := fs.WriteFile("/brk", bytes.NewReader([]byte{1}), 1); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := fs.Mkdir("/brk/sub"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}

func TestWriteFile_NamesRoundTrip(t *testing.T) {
	_, fs := newVolume(t)

	names := []string{"initproc", "gettimeofday", "README.TXT", "run-all.sh", "Mixed.Case"}
	for i, name := range names {
		content := bytes.Repeat([]byte{byte(i + 1)}, 10+i)
		if err := fs.WriteFile("/"+name, bytes.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("WriteFile(%s) error: %v", name, err)
		}
	}

	entries, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("got %d entries, want %d", len(entries), len(names))
	}
	for i, e := range entries {
		if e.Name != names[i] {
			t.Errorf("entry %d name = %q, want %q", i, e.Name, names[i])
		}
		got, err := fs.ReadFile("/" + e.Name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error: %v", e.Name, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i + 1)}, 10+i)) {
			t.Errorf("content of %s differs", e.Name)
		}
	}

	if entries[1].ShortName != "GETTIM~1" {
		t.Errorf("short name of gettimeofday = %q, want GETTIM~1", entries[1].ShortName)
	}
	if entries[0].ShortName != "initproc" {
		t.Errorf("short name of initproc = %q, want initproc (lower-case flag)", entries[0].ShortName)
	}
}

func TestWriteFile_LookupIsCaseInsensitive(t *testing.T) {
	_, fs := newVolume(t)
	if err := fs.WriteFile("/Busybox", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if _, err := fs.Stat("/BUSYBOX"); err != nil {
		t.Errorf("Stat(/BUSYBOX) error: %v", err)
	}
}

func TestWriteFile_MultiClusterAndReplace(t *testing.T) {
	dev, fs := newVolume(t)
	free := fs.FreeClusters()

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := fs.WriteFile("/mmap", bytes.NewReader(big), int64(len(big))); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if used := free - fs.FreeClusters(); used != 10 {
		t.Errorf("used %d clusters for 5000 bytes, want 10", used)
	}

	small := []byte("replaced")
	if err := fs.WriteFile("/mmap", bytes.NewReader(small), int64(len(small))); err != nil {
		t.Fatalf("WriteFile() replace error: %v", err)
	}
	if used := free - fs.FreeClusters(); used != 1 {
		t.Errorf("used %d clusters after replace, want 1", used)
	}

	if err := fs.Sync(); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	reopened, err := Open(dev)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	got, err := reopened.ReadFile("/mmap")
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Errorf("ReadFile() = %q, want %q", got, small)
	}
	if reopened.FreeClusters() != fs.FreeClusters() {
		t.Errorf("free clusters after reopen = %d, want %d", reopened.FreeClusters(), fs.FreeClusters())
	}
	entries, _ := reopened.ReadDir("/")
	if len(entries) != 1 {
		t.Errorf("expected a single entry after replace, got %d", len(entries))
	}
}

func TestWriteFile_CapacityExceeded(t *testing.T) {
	_, fs := newVolume(t)
	size := int64(fs.FreeClusters())*int64(fs.Geometry().ClusterSize()) + 1

	err := fs.WriteFile("/huge", bytes.NewReader(nil), size)
	if !errors.Is(err, errors.ErrImageCapacity) {
		t.Errorf("expected ErrImageCapacity, got %v", err)
	}
}

func TestWriteFile_MissingParent(t *testing.T) {
	_, fs := newVolume(t)
	err := fs.WriteFile("/bin/sh", bytes.NewReader([]byte("x")), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteFile_ShortReader(t *testing.T) {
	_, fs := newVolume(t)
	err := fs.WriteFile("/truncated", bytes.NewReader([]byte("abc")), 10)
	if !errors.Is(err, errors.ErrIO) {
		t.Errorf("expected ErrIO for a short reader, got %v", err)
	}
}

func TestDirectoryGrowsPastOneCluster(t *testing.T) {
	_, fs := newVolume(t)
	if err := fs.Mkdir("/tests"); err != nil {
		t.Fatalf("Mkdir() error: %v", err)
	}

	const count = 40
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("syscall-test-%02d", i)
		if err := fs.WriteFile("/tests/"+name, bytes.NewReader([]byte(name)), int64(len(name))); err != nil {
			t.Fatalf("WriteFile(%s) error: %v", name, err)
		}
	}

	entries, err := fs.ReadDir("/tests")
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != count {
		t.Fatalf("got %d entries, want %d", len(entries), count)
	}
	for i, e := range entries {
		if want := fmt.Sprintf("syscall-test-%02d", i); e.Name != want {
			t.Errorf("entry %d = %q, want %q", i, e.Name, want)
		}
	}

	dir, _ := fs.Stat("/tests")
	chain, err := fs.chain(dir.Cluster)
	if err != nil {
		t.Fatalf("chain() error: %v", err)
	}
	if len(chain) < 2 {
		t.Errorf("expected the directory to span several clusters, got %d", len(chain))
	}
}

// fullDirectory leaves /tests with no free slot and one free cluster
func fullDirectory(t *testing.T) *FS {
	t.Helper()
	_, fs := newVolume(t)
	if err := fs.Mkdir("/tests"); err != nil {
		t.Fatalf("Mkdir() error: %v", err)
	}
	slots := int(fs.Geometry().ClusterSize()) / dirEntrySize
	for i := 0; i < slots-2; i++ {
		name := fmt.Sprintf("F%02d", i)
		if err := fs.WriteFile("/tests/"+name, bytes.NewReader(nil), 0); err != nil {
			t.Fatalf("WriteFile(%s) error: %v", name, err)
		}
	}
	size := int64(fs.FreeClusters()-1) * int64(fs.Geometry().ClusterSize())
	if err := fs.WriteFile("/BIG", bytes.NewReader(make([]byte, size)), size); err != nil {
		t.Fatalf("WriteFile(/BIG) error: %v", err)
	}
	if fs.FreeClusters() != 1 {
		t.Fatalf("FreeClusters() = %d, want 1", fs.FreeClusters())
	}
	return fs
}

func TestWriteFile_DirectoryGrowthFailureReleasesData(t *testing.T) {
	fs := fullDirectory(t)

	err := fs.WriteFile("/tests/NEXT", bytes.NewReader([]byte("x")), 1)
	if !errors.Is(err, errors.ErrImageCapacity) {
		t.Fatalf("expected ErrImageCapacity, got %v", err)
	}
	if fs.FreeClusters() != 1 {
		t.Errorf("FreeClusters() = %d after the failed write, want 1", fs.FreeClusters())
	}
	if _, err := fs.Stat("/tests/NEXT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat() = %v, want ErrNotFound", err)
	}
}

func TestMkdir_DirectoryGrowthFailureReleasesCluster(t *testing.T) {
	fs := fullDirectory(t)

	err := fs.Mkdir("/tests/sub")
	if !errors.Is(err, errors.ErrImageCapacity) {
		t.Fatalf("expected ErrImageCapacity, got %v", err)
	}
	if fs.FreeClusters() != 1 {
		t.Errorf("FreeClusters() = %d after the failed mkdir, want 1", fs.FreeClusters())
	}
}

func TestPlainShortName(t *testing.T) {
	tests := []struct {
		name   string
		short  string
		ntCase byte
		ok     bool
	}{
		{"INITPROC", "INITPROC   ", 0, true},
		{"initproc", "INITPROC   ", caseLowerBase, true},
		{"readme.txt", "README  TXT", caseLowerBase | caseLowerExt, true},
		{"mkdir_", "MKDIR_     ", caseLowerBase, true},
		{"Makefile", "", 0, false},
		{"gettimeofday", "", 0, false},
		{"a.b.c", "", 0, false},
		{".hidden", "", 0, false},
		{"with space", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			short, ntCase, ok := plainShortName(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if string(short[:]) != tt.short || ntCase != tt.ntCase {
				t.Errorf("got %q/%#x, want %q/%#x", short, ntCase, tt.short, tt.ntCase)
			}
		})
	}
}

func TestGenerateShortName_SkipsTakenNames(t *testing.T) {
	taken := map[[11]byte]bool{}
	first, err := generateShortName("gettimeofday", taken)
	if err != nil {
		t.Fatalf("generateShortName() error: %v", err)
	}
	taken[first] = true
	second, err := generateShortName("gettimeofday2", taken)
	if err != nil {
		t.Fatalf("generateShortName() error: %v", err)
	}
	if string(first[:]) != "GETTIM~1   " || string(second[:]) != "GETTIM~2   " {
		t.Errorf("got %q and %q", first, second)
	}
}

func TestValidateLongName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a:b", "trailing.", "q?"} {
		if err := validateLongName(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("validateLongName(%q) = %v, want ErrInvalidName", bad, err)
		}
	}
	if err := validateLongName("test_echo"); err != nil {
		t.Errorf("validateLongName(test_echo) error: %v", err)
	}
}
