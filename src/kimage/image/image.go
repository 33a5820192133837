// Package image assembles the FAT32 filesystem image the kernel mounts at
// boot. The image is recreated on every run, populated from locally built
// user programs and then from prebuilt test-suite binaries, and sealed.
package image

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/kimage/fat32"
	"github.com/spf13/afero"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the image package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Default geometry: 512-byte blocks, 131072 blocks (64 MiB)
const (
	DefaultBlockSize  = 512
	DefaultBlockCount = 131072
	DefaultLabel      = "KIMAGE"
)

const allocChunk = 1 << 20

// Source identifies where a binary placed in the image comes from
type Source string

const (
	SourceUser      Source = "user"
	SourceTestSuite Source = "testsuite"
)

// BinaryEntry maps a host file to its destination inside the image
type BinaryEntry struct {
	HostPath  string
	ImagePath string
	Source    Source
}

// WarningKind classifies a non-fatal assembly problem
type WarningKind string

const (
	WarningEntryMissing WarningKind = "entry_missing"
)

// Warning is a non-fatal problem recorded during assembly
type Warning struct {
	Kind     WarningKind
	Name     string
	HostPath string
	Reason   string
}

// FilesystemImage is a fixed-capacity block image. Capacity is
// BlockSize * BlockCount and never changes after creation.
type FilesystemImage struct {
	Path       string
	BlockSize  int64
	BlockCount int64
	Formatted  bool
	Sealed     bool

	file afero.File
	vol  *fat32.FS
}

// Size returns the image capacity in bytes
func (img *FilesystemImage) Size() int64 {
	return img.BlockSize * img.BlockCount
}

// Volume returns the mounted FAT32 volume, or nil before formatting
func (img *FilesystemImage) Volume() *fat32.FS {
	return img.vol
}

// Config holds configuration for the assembler
type Config struct {
	BlockSize         int64
	BlockCount        int64
	Label             string
	SectorsPerCluster uint32    // 0 picks the mkfs.fat default for the image size
	Timestamp         time.Time // zero uses the DOS epoch
	SourceSuffixes    []string  // stripped from source names to get artifact names
	UserDest          string    // image directory receiving user programs
	TestDest          string    // image directory receiving test-suite binaries
	Directories       []string  // extra directories created before any copy
}

// DefaultConfig returns the default assembler configuration
func DefaultConfig() Config {
	return Config{
		BlockSize:      DefaultBlockSize,
		BlockCount:     DefaultBlockCount,
		Label:          DefaultLabel,
		SourceSuffixes: []string{".rs"},
		UserDest:       "/",
		TestDest:       "/",
	}
}

// Assembler builds filesystem images on a host filesystem
type Assembler struct {
	fs       afero.Fs
	cfg      Config
	warnings []Warning
}

// NewAssembler creates an assembler working on fs. A nil fs selects the
// operating system filesystem.
func NewAssembler(fs afero.Fs, cfg Config) *Assembler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	def := DefaultConfig()
	if cfg.BlockSize == 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.BlockCount == 0 {
		cfg.BlockCount = def.BlockCount
	}
	if len(cfg.SourceSuffixes) == 0 {
		cfg.SourceSuffixes = def.SourceSuffixes
	}
	if cfg.UserDest == "" {
		cfg.UserDest = def.UserDest
	}
	if cfg.TestDest == "" {
		cfg.TestDest = def.TestDest
	}
	return &Assembler{fs: fs, cfg: cfg}
}

// Warnings returns the warnings recorded since the last Assemble call
func (a *Assembler) Warnings() []Warning {
	return append([]Warning(nil), a.warnings...)
}

func (a *Assembler) warn(w Warning) {
	log.Warn("Skipping entry", "name", w.Name, "path", w.HostPath, "reason", w.Reason)
	a.warnings = append(a.warnings, w)
}

// CreateImage creates a zero-filled image of blockSize * blockCount bytes at
// path, truncating any existing file and creating its parent directory.
// Every block is written, so an out-of-space host fails here rather than
// halfway through population.
func (a *Assembler) CreateImage(path string, blockSize, blockCount int64) (*FilesystemImage, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, errors.ErrConfig.WithMessagef("invalid image geometry %d x %d", blockSize, blockCount)
	}

	if err := a.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.ErrIO.WithMessagef("failed to create directory for image %s", path).WithCause(err)
	}
	f, err := a.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.ErrIO.WithMessagef("failed to create image %s", path).WithCause(err)
	}

	size := blockSize * blockCount
	if err := zeroFill(f, size, blockSize); err != nil {
		f.Close()
		return nil, errors.ErrIO.WithMessagef("failed to allocate image %s", path).WithCause(err)
	}

	log.Debug("Created image", "path", path, "block_size", blockSize, "blocks", blockCount)
	return &FilesystemImage{
		Path:       path,
		BlockSize:  blockSize,
		BlockCount: blockCount,
		file:       f,
	}, nil
}

// zeroFill writes size zero bytes to f in chunks that are a multiple of
// blockSize, then flushes them to the device
func zeroFill(f afero.File, size, blockSize int64) error {
	chunk := (allocChunk / blockSize) * blockSize
	if chunk == 0 {
		chunk = blockSize
	}
	buf := make([]byte, chunk)
	for off := int64(0); off < size; off += chunk {
		n := chunk
		if size-off < n {
			n = size - off
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return f.Sync()
}

// FormatFAT32 writes an empty FAT32 filesystem sized for img and mounts it.
// An image too small for the FAT32 cluster minimum fails with
// ErrImageCapacity; no smaller FAT variant is ever produced.
func (a *Assembler) FormatFAT32(img *FilesystemImage) error {
	if img.Sealed {
		return errors.ErrImageSealed.WithMessagef("cannot format sealed image %s", img.Path)
	}
	if img.file == nil {
		return errors.ErrIO.WithMessagef("image %s is not open", img.Path)
	}

	geo, err := fat32.Format(img.file, img.Size(), fat32.FormatOptions{
		BytesPerSector:    uint32(img.BlockSize),
		SectorsPerCluster: a.cfg.SectorsPerCluster,
		Label:             a.cfg.Label,
		Timestamp:         a.cfg.Timestamp,
	})
	if err != nil {
		return err
	}

	vol, err := fat32.Open(img.file)
	if err != nil {
		return err
	}
	if !a.cfg.Timestamp.IsZero() {
		vol.SetTimestamp(a.cfg.Timestamp)
	}

	img.vol = vol
	img.Formatted = true
	log.Info("Formatted FAT32 image",
		"path", img.Path,
		"clusters", geo.Clusters,
		"cluster_size", geo.ClusterSize(),
		"fat_sectors", geo.FATSectors)
	return nil
}

func (img *FilesystemImage) writable() error {
	if img.Sealed {
		return errors.ErrImageSealed.WithMessagef("image %s is sealed", img.Path)
	}
	if !img.Formatted || img.vol == nil {
		return errors.ErrFormat.WithMessagef("image %s is not formatted", img.Path)
	}
	return nil
}

// Seal flushes the FAT and closes the image. Later writes fail with
// ErrImageSealed.
func (a *Assembler) Seal(img *FilesystemImage) error {
	if img.Sealed {
		return nil
	}
	if img.vol != nil {
		if err := img.vol.Sync(); err != nil {
			return err
		}
	}
	if img.file != nil {
		if err := img.file.Sync(); err != nil {
			return errors.ErrIO.WithMessagef("failed to sync image %s", img.Path).WithCause(err)
		}
		if err := img.file.Close(); err != nil {
			return errors.ErrIO.WithMessagef("failed to close image %s", img.Path).WithCause(err)
		}
	}
	img.file = nil
	img.Sealed = true
	return nil
}

// Close releases the image file without sealing it
func (img *FilesystemImage) Close() error {
	if img.file == nil {
		return nil
	}
	err := img.file.Close()
	img.file = nil
	return err
}
