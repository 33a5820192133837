// Package build resolves build targets into concrete build parameters and
// drives the kernel build: compilation, raw binary extraction and
// deployment, chained with image assembly in a stage pipeline.
package build

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the build package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Arch is a kernel target architecture
type Arch string

const (
	ArchRISCV64     Arch = "riscv64"
	ArchLoongArch64 Arch = "loongarch64"
)

// SupportedArches returns every architecture the kernel builds for
func SupportedArches() []Arch {
	return []Arch{ArchRISCV64, ArchLoongArch64}
}

// ParseArch validates an architecture name
func ParseArch(s string) (Arch, error) {
	for _, a := range SupportedArches() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", errors.ErrConfig.WithMessagef("unsupported architecture %q", s)
}

// Mode is the compilation profile
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// ParseMode validates a build mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDebug, ModeRelease:
		return Mode(s), nil
	}
	return "", errors.ErrConfig.WithMessagef("invalid build mode %q (want debug or release)", s)
}

// BuildTarget identifies one cell of the build matrix. It is immutable:
// the feature set is copied, deduplicated and sorted on construction.
type BuildTarget struct {
	arch     Arch
	board    string
	mode     Mode
	features []string
}

// NewBuildTarget creates a build target
func NewBuildTarget(arch Arch, board string, mode Mode, features ...string) BuildTarget {
	return BuildTarget{
		arch:     arch,
		board:    board,
		mode:     mode,
		features: normalizeFeatures(features),
	}
}

// Arch returns the target architecture
func (t BuildTarget) Arch() Arch { return t.arch }

// Board returns the target board name
func (t BuildTarget) Board() string { return t.board }

// Mode returns the build mode
func (t BuildTarget) Mode() Mode { return t.mode }

// Features returns a copy of the extra feature flags
func (t BuildTarget) Features() []string {
	return append([]string(nil), t.features...)
}

// String formats the target as arch/board/mode[+features]
func (t BuildTarget) String() string {
	s := fmt.Sprintf("%s/%s/%s", t.arch, t.board, t.mode)
	if len(t.features) > 0 {
		s += "+" + strings.Join(t.features, ",")
	}
	return s
}

func normalizeFeatures(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		for _, part := range strings.FieldsFunc(f, func(r rune) bool { return r == ',' || r == ' ' }) {
			if !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	sort.Strings(out)
	return out
}
