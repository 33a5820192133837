// Package emulator boots a kernel and its filesystem image under QEMU with
// a fixed argument set per board.
package emulator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/common/paths"
	"github.com/bitswalk/kimage/src/kimage/build"
	"golang.org/x/term"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the emulator package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Profile describes how QEMU boots one board
type Profile struct {
	Board    string
	Binary   string
	argsFunc func(kernel, img, bootloader string) []string
}

// Args returns the QEMU arguments booting kernel with img attached
func (p Profile) Args(kernel, img, bootloader string) []string {
	return p.argsFunc(kernel, img, bootloader)
}

var profiles = map[string]Profile{
	"rvqemu": {
		Board:  "rvqemu",
		Binary: "qemu-system-riscv64",
		argsFunc: func(kernel, img, bootloader string) []string {
			return []string{
				"-machine", "virt",
				"-nographic",
				"-bios", bootloader,
				"-device", "loader,file=" + kernel + ",addr=0x80200000",
				"-drive", "file=" + img + ",if=none,format=raw,id=x0",
				"-device", "virtio-blk-device,drive=x0,bus=virtio-mmio-bus.0",
			}
		},
	},
	"laqemu": {
		Board:    "laqemu",
		Binary:   "qemu-system-loongarch64",
		argsFunc: loongarchArgs("virt", 0x98000000),
	},
	"la2k1000": {
		Board:    "la2k1000",
		Binary:   "qemu-system-loongarch64",
		argsFunc: loongarchArgs("ls2k", 0xb0000000),
	},
}

// loongarchArgs boots with the image preloaded raw into memory at diskAddr
func loongarchArgs(machine string, diskAddr uint64) func(kernel, img, bootloader string) []string {
	return func(kernel, img, bootloader string) []string {
		return []string{
			"-M", machine,
			"-m", "1G",
			"-smp", "1",
			"-nographic",
			"-bios", bootloader,
			"-kernel", kernel,
			"-device", fmt.Sprintf("loader,file=%s,addr=%#x,force-raw=on", img, diskAddr),
		}
	}
}

// Boards returns the boards with an emulator profile
func Boards() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ProfileFor returns the profile of board
func ProfileFor(board string) (Profile, error) {
	p, ok := profiles[board]
	if !ok {
		return Profile{}, errors.ErrUnknownBoard.WithMessagef("no emulator profile for board %q", board)
	}
	return p, nil
}

// Config holds configuration for the launcher
type Config struct {
	BinDir string // searched before PATH for the QEMU binary
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatusError reports an emulator that ran and exited with a non-zero
// status. Callers forward Code as their own exit status.
type ExitStatusError struct {
	Board string
	Code  int
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("emulator for %s exited with status %d", e.Board, e.Code)
}

// Launcher runs QEMU
type Launcher struct {
	cfg    Config
	runner build.Runner
}

// NewLauncher creates a launcher. A nil runner runs QEMU on the host and
// nil streams default to the process's own.
func NewLauncher(cfg Config, runner build.Runner) *Launcher {
	if runner == nil {
		runner = build.NewExecRunner(nil)
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Launcher{cfg: cfg, runner: runner}
}

// BuildArgs returns the QEMU binary and arguments for board
func BuildArgs(board, kernel, img, bootloader string) (string, []string, error) {
	p, err := ProfileFor(board)
	if err != nil {
		return "", nil, err
	}
	return p.Binary, p.Args(kernel, img, bootloader), nil
}

// Launch boots kernel with img attached and blocks until QEMU exits. The
// QEMU exit code is returned; a non-zero code is not an error. Nothing is
// retried.
func (l *Launcher) Launch(ctx context.Context, board, kernel, img, bootloader string) (int, error) {
	binary, args, err := BuildArgs(board, kernel, img, bootloader)
	if err != nil {
		return 0, err
	}
	for _, f := range []struct{ what, path string }{
		{"kernel", kernel},
		{"filesystem image", img},
		{"bootloader", bootloader},
	} {
		if f.path == "" || !paths.IsFile(f.path) {
			return 0, errors.ErrConfig.WithMessagef("%s %q not found", f.what, f.path)
		}
	}

	tc := build.ToolchainConfig{BinDir: l.cfg.BinDir}
	path, err := tc.Lookup(binary)
	if err != nil {
		return 0, err
	}

	if f, ok := l.cfg.Stdin.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		log.Warn("stdin is not a terminal; the guest console will not be interactive")
	}

	log.Info("Launching emulator", "board", board, "binary", path)
	err = l.runner.Run(ctx, path, args, build.RunOpts{
		Stdin:  l.cfg.Stdin,
		Stdout: l.cfg.Stdout,
		Stderr: l.cfg.Stderr,
	})
	if err != nil {
		if exitErr, ok := err.(*build.ExitError); ok {
			log.Info("Emulator exited", "board", board, "code", exitErr.Code)
			return exitErr.Code, nil
		}
		return 0, errors.ErrToolchain.WithMessagef("failed to run %s", path).WithCause(err)
	}
	return 0, nil
}
