package emulator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/kimage/build"
)

func init() {
	SetLogger(logs.Discard())
}

type fakeRunner struct {
	name string
	args []string
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, opts build.RunOpts) error {
	f.name = name
	f.args = args
	return f.err
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		board  string
		binary string
		want   string
	}{
		{
			"rvqemu", "qemu-system-riscv64",
			"-machine virt -nographic -bios sbi.bin -device loader,file=k.bin,addr=0x80200000 " +
				"-drive file=fs.img,if=none,format=raw,id=x0 -device virtio-blk-device,drive=x0,bus=virtio-mmio-bus.0",
		},
		{
			"laqemu", "qemu-system-loongarch64",
			"-M virt -m 1G -smp 1 -nographic -bios sbi.bin -kernel k.bin -device loader,file=fs.img,addr=0x98000000,force-raw=on",
		},
		{
			"la2k1000", "qemu-system-loongarch64",
			"-M ls2k -m 1G -smp 1 -nographic -bios sbi.bin -kernel k.bin -device loader,file=fs.img,addr=0xb0000000,force-raw=on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.board, func(t *testing.T) {
			binary, args, err := BuildArgs(tt.board, "k.bin", "fs.img", "sbi.bin")
			if err != nil {
				t.Fatalf("BuildArgs() error: %v", err)
			}
			if binary != tt.binary {
				t.Errorf("binary = %q, want %q", binary, tt.binary)
			}
			if got := strings.Join(args, " "); got != tt.want {
				t.Errorf("args =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestBuildArgs_UnknownBoard(t *testing.T) {
	_, _, err := BuildArgs("visionfive2", "k", "i", "b")
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("expected a config error, got %v", err)
	}
}

// launchFixture creates the kernel, image, bootloader and a fake QEMU binary
func launchFixture(t *testing.T) (dir, kernel, img, bios string) {
	t.Helper()
	dir = t.TempDir()
	kernel = filepath.Join(dir, "kernel.bin")
	img = filepath.Join(dir, "fs.img")
	bios = filepath.Join(dir, "sbi.bin")
	for _, p := range []string{kernel, img, bios} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "qemu-system-riscv64"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir, kernel, img, bios
}

func TestLaunch_ForwardsExitCode(t *testing.T) {
	dir, kernel, img, bios := launchFixture(t)
	runner := &fakeRunner{err: &build.ExitError{Command: "qemu", Code: 7}}
	l := NewLauncher(Config{BinDir: dir, Stdin: &bytes.Buffer{}, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}, runner)

	code, err := l.Launch(context.Background(), "rvqemu", kernel, img, bios)
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if runner.name != filepath.Join(dir, "qemu-system-riscv64") {
		t.Errorf("ran %q", runner.name)
	}
}

func TestLaunch_MissingInputs(t *testing.T) {
	dir, kernel, img, bios := launchFixture(t)
	runner := &fakeRunner{}
	l := NewLauncher(Config{BinDir: dir, Stdin: &bytes.Buffer{}}, runner)

	_, err := l.Launch(context.Background(), "rvqemu", kernel, filepath.Join(dir, "missing.img"), bios)
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("expected ErrConfig for a missing image, got %v", err)
	}
	_, err = l.Launch(context.Background(), "rvqemu", filepath.Join(dir, "missing.bin"), img, bios)
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("expected ErrConfig for a missing kernel, got %v", err)
	}
	if runner.name != "" {
		t.Error("emulator started despite missing inputs")
	}
}
