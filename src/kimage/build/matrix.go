package build

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/paths"
)

// Board describes a platform the kernel can be built for. Every board maps
// to exactly one linker script.
type Board struct {
	Name         string   `mapstructure:"name"`
	Arch         Arch     `mapstructure:"arch"`
	Triple       string   `mapstructure:"triple"`
	LinkerScript string   `mapstructure:"linker_script"` // relative to <kernel>/src
	Features     []string `mapstructure:"features"`
}

// builtinBoards are the platforms supported by the kernel tree
var builtinBoards = []Board{
	{
		Name:         "rvqemu",
		Arch:         ArchRISCV64,
		Triple:       "riscv64gc-unknown-none-elf",
		LinkerScript: "linker-rvqemu.ld",
		Features:     []string{"riscv", "board_rvqemu"},
	},
	{
		Name:         "laqemu",
		Arch:         ArchLoongArch64,
		Triple:       "loongarch64-unknown-none",
		LinkerScript: "linker-laqemu.ld",
		Features:     []string{"loongarch", "board_laqemu"},
	},
	{
		Name:         "la2k1000",
		Arch:         ArchLoongArch64,
		Triple:       "loongarch64-unknown-none",
		LinkerScript: "linker-la2k1000.ld",
		Features:     []string{"loongarch", "board_la2k1000"},
	},
}

// activeLinkerScript is the slot the kernel's build script links with
const activeLinkerScript = "linker.ld"

// ResolverConfig holds the paths the resolver derives outputs from
type ResolverConfig struct {
	KernelDir string  // kernel crate root
	OutputDir string  // raw binaries land in <OutputDir>/<arch>/<board>
	Binary    string  // kernel executable name
	Boards    []Board // registered in addition to the built-in boards
}

// Params are the concrete build parameters of a BuildTarget
type Params struct {
	Target             BuildTarget
	Board              Board
	Triple             string
	LinkerScript       string
	ActiveLinkerScript string
	ExecutablePath     string
	RawBinaryPath      string
	Features           []string
}

// Resolver maps build targets to build parameters
type Resolver struct {
	cfg    ResolverConfig
	boards map[string]Board
}

// NewResolver creates a resolver knowing the built-in boards plus the ones
// in cfg.Boards. A configured board replaces a built-in one of the same name.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Binary == "" {
		cfg.Binary = "kernel"
	}
	r := &Resolver{cfg: cfg, boards: make(map[string]Board)}
	for _, b := range builtinBoards {
		r.boards[b.Name] = b
	}
	for _, b := range cfg.Boards {
		if b.Name == "" {
			continue
		}
		r.boards[b.Name] = b
	}
	return r
}

// Boards returns the registered boards sorted by name
func (r *Resolver) Boards() []Board {
	out := make([]Board, 0, len(r.boards))
	for _, b := range r.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Board returns the board registered under name
func (r *Resolver) Board(name string) (Board, error) {
	b, ok := r.boards[name]
	if !ok {
		return Board{}, errors.ErrUnknownBoard.WithMessagef("unknown board %q", name)
	}
	return b, nil
}

// Resolve derives the build parameters of t. It does not modify anything;
// it fails with a config error for unknown boards, a board/arch mismatch,
// an invalid mode or a linker script missing from the kernel tree.
func (r *Resolver) Resolve(t BuildTarget) (Params, error) {
	board, err := r.Board(t.Board())
	if err != nil {
		return Params{}, err
	}
	if board.Arch != t.Arch() {
		return Params{}, errors.ErrConfig.WithMessagef("board %s is %s, not %s", board.Name, board.Arch, t.Arch())
	}
	if _, err := ParseMode(string(t.Mode())); err != nil {
		return Params{}, err
	}
	if board.Triple == "" || board.LinkerScript == "" {
		return Params{}, errors.ErrConfig.WithMessagef("board %s has no triple or linker script", board.Name)
	}

	srcDir := filepath.Join(r.cfg.KernelDir, "src")
	script := filepath.Join(srcDir, board.LinkerScript)
	if !paths.IsFile(script) {
		return Params{}, errors.ErrConfig.WithMessagef("linker script %s for board %s not found", script, board.Name)
	}

	return Params{
		Target:             t,
		Board:              board,
		Triple:             board.Triple,
		LinkerScript:       script,
		ActiveLinkerScript: filepath.Join(srcDir, activeLinkerScript),
		ExecutablePath:     filepath.Join(r.cfg.KernelDir, "target", board.Triple, string(t.Mode()), r.cfg.Binary),
		RawBinaryPath:      filepath.Join(r.cfg.OutputDir, string(t.Arch()), board.Name, r.cfg.Binary+".bin"),
		Features:           normalizeFeatures(append(append([]string(nil), board.Features...), t.Features()...)),
	}, nil
}

// Activate installs the board's linker script into the active slot. The
// copy goes through a temporary file and a rename, so the slot always
// holds a complete script.
func (r *Resolver) Activate(p Params) error {
	if err := paths.CopyFileAtomic(p.LinkerScript, p.ActiveLinkerScript, 0644); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrConfig.WithMessagef("linker script %s not found", p.LinkerScript).WithCause(err)
		}
		return errors.ErrIO.WithMessagef("failed to activate linker script %s", p.LinkerScript).WithCause(err)
	}
	log.Debug("Activated linker script", "board", p.Board.Name, "script", p.LinkerScript)
	return nil
}
