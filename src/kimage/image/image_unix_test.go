//go:build unix

package image

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/spf13/afero"
)

func TestCreateImage_AllocatesEveryBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output", "fs.img")

	a := NewAssembler(afero.NewOsFs(), DefaultConfig())
	img, err := a.CreateImage(path, DefaultBlockSize, DefaultBlockCount)
	if err != nil {
		t.Fatalf("CreateImage() error: %v", err)
	}
	defer img.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("image not created under a missing parent directory: %v", err)
	}
	if info.Size() != 67108864 {
		t.Errorf("image size = %d, want 67108864", info.Size())
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Skip("allocated size not available on this platform")
	}
	if allocated := st.Blocks * 512; allocated < info.Size() {
		t.Errorf("allocated bytes = %d, want at least %d", allocated, info.Size())
	}
}
