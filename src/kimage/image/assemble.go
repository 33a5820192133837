package image

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/dustin/go-humanize"
)

// Input names the sources of one assembly run
type Input struct {
	ImagePath    string
	UserBinDir   string   // build output directory of the user programs
	UserSrcDir   string   // scanned for source names when SourceNames is empty
	SourceNames  []string // explicit user-program source names
	TestSuiteDir string   // prebuilt test-suite binaries; empty skips them
}

// Report is the outcome of an assembly run
type Report struct {
	Image    *FilesystemImage
	Copied   []BinaryEntry
	Warnings []Warning
}

// Summary renders the report for the operator
func (r *Report) Summary() string {
	var sb strings.Builder
	user, tests := 0, 0
	for _, e := range r.Copied {
		if e.Source == SourceTestSuite {
			tests++
		} else {
			user++
		}
	}
	if r.Image != nil {
		fmt.Fprintf(&sb, "image %s (%s): %d user programs, %d test-suite binaries\n",
			r.Image.Path, humanize.IBytes(uint64(r.Image.Size())), user, tests)
	}
	if len(r.Warnings) == 0 {
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d skipped:\n", len(r.Warnings))
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, "  %s %s: %s\n", w.Name, w.HostPath, w.Reason)
	}
	return sb.String()
}

// Assemble recreates the image at in.ImagePath and populates it. Directories
// are created first, then user programs are copied, then test-suite
// binaries, and the image is sealed. Missing entries are collected in the
// report; any fatal error aborts the run.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Report, error) {
	a.warnings = nil

	img, err := a.CreateImage(in.ImagePath, a.cfg.BlockSize, a.cfg.BlockCount)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	report := &Report{Image: img}

	if err := a.FormatFAT32(img); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, dir := range a.directories() {
		if err := a.CreateDirectory(img, dir); err != nil {
			return nil, err
		}
	}

	names := in.SourceNames
	if len(names) == 0 && in.UserSrcDir != "" {
		if names, err = a.DiscoverSourceNames(in.UserSrcDir); err != nil {
			return nil, err
		}
	}
	userEntries, missing := a.DiscoverEntries(in.UserBinDir, names)
	for _, w := range missing {
		a.warn(w)
	}

	var testEntries []BinaryEntry
	if in.TestSuiteDir != "" {
		if testEntries, err = a.DiscoverExternalTestBinaries(in.TestSuiteDir); err != nil {
			return nil, err
		}
	}

	for _, entry := range append(userEntries, testEntries...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := a.CopyFile(img, entry.HostPath, entry.ImagePath); err != nil {
			if errors.IsFatal(err) {
				return nil, err
			}
			continue
		}
		report.Copied = append(report.Copied, entry)
	}

	if err := a.Seal(img); err != nil {
		return nil, err
	}

	report.Warnings = a.Warnings()
	log.Info("Assembled image",
		"path", img.Path,
		"copied", len(report.Copied),
		"skipped", len(report.Warnings),
		"free", humanize.IBytes(uint64(img.vol.FreeClusters())*uint64(img.vol.Geometry().ClusterSize())))
	return report, nil
}

// directories returns the directories to create, parents before children
func (a *Assembler) directories() []string {
	seen := map[string]bool{"/": true}
	var dirs []string
	for _, d := range append(append([]string(nil), a.cfg.Directories...), a.cfg.UserDest, a.cfg.TestDest) {
		d = path.Clean("/" + d)
		if seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	return dirs
}
