package build

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"sort"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/paths"
)

// maxRawSpan bounds the flat image of a kernel. Segments spread further
// apart than this almost certainly come from a wrong linker script.
const maxRawSpan = 512 << 20

// KernelArtifact is the output of a kernel build
type KernelArtifact struct {
	ExecutablePath string
	RawBinaryPath  string
	RawSize        int64
	LoadAddress    uint64 // physical address of the first byte of the raw binary
	Entry          uint64
}

// ExtractRawBinary writes the flat memory image of the loadable segments of
// the executable at exe to out: segments ordered by physical address, each
// placed at its offset from the lowest one, gaps zero-filled, no headers
// and no symbols. The output is replaced atomically and depends only on
// the segments, so re-extraction is byte-identical.
func ExtractRawBinary(exe, out string) (KernelArtifact, error) {
	f, err := elf.Open(exe)
	if err != nil {
		if os.IsNotExist(err) {
			return KernelArtifact{}, errors.ErrExtraction.WithMessagef("executable %s does not exist", exe)
		}
		return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s is not a valid ELF file", exe).WithCause(err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s is %s, not a linked executable", exe, f.Type)
	}

	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Filesz > 0 {
			loads = append(loads, p)
		}
	}
	if len(loads) == 0 {
		return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s has no loadable segments", exe)
	}
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].Paddr < loads[j].Paddr })

	base := loads[0].Paddr
	var end uint64
	for _, p := range loads {
		if p.Paddr < end {
			return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s: segment at %#x overlaps the previous one", exe, p.Paddr)
		}
		end = p.Paddr + p.Filesz
	}
	if end-base > maxRawSpan {
		return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s: loadable segments span %#x bytes", exe, end-base)
	}

	buf := make([]byte, end-base)
	for _, p := range loads {
		off := p.Paddr - base
		if _, err := io.ReadFull(p.Open(), buf[off:off+p.Filesz]); err != nil {
			return KernelArtifact{}, errors.ErrExtraction.WithMessagef("%s: truncated segment at %#x", exe, p.Paddr).WithCause(err)
		}
	}

	if err := paths.WriteAtomic(out, bytes.NewReader(buf), 0644); err != nil {
		return KernelArtifact{}, errors.ErrIO.WithMessagef("failed to write %s", out).WithCause(err)
	}

	log.Info("Extracted raw binary",
		"executable", exe,
		"output", out,
		"size", len(buf),
		"load_address", formatAddr(base))

	return KernelArtifact{
		ExecutablePath: exe,
		RawBinaryPath:  out,
		RawSize:        int64(len(buf)),
		LoadAddress:    base,
		Entry:          f.Entry,
	}, nil
}
