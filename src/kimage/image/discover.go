package image

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/spf13/afero"
)

// artifactName strips the first matching source suffix from name
func (a *Assembler) artifactName(name string) string {
	for _, suffix := range a.cfg.SourceSuffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// DiscoverEntries derives the expected artifact name of every source name
// and looks it up in buildOutputDir. Unmatched names are returned as
// missing-entry warnings rather than errors.
func (a *Assembler) DiscoverEntries(buildOutputDir string, sourceNames []string) ([]BinaryEntry, []Warning) {
	var (
		found   []BinaryEntry
		missing []Warning
	)

	for _, src := range sourceNames {
		name := a.artifactName(src)
		hostPath := filepath.Join(buildOutputDir, name)

		info, err := a.fs.Stat(hostPath)
		if err != nil || !info.Mode().IsRegular() {
			reason := "no build artifact for " + src
			if err == nil {
				reason = "build artifact is not a regular file"
			}
			missing = append(missing, Warning{
				Kind:     WarningEntryMissing,
				Name:     name,
				HostPath: hostPath,
				Reason:   reason,
			})
			continue
		}

		found = append(found, BinaryEntry{
			HostPath:  hostPath,
			ImagePath: path.Join(a.cfg.UserDest, name),
			Source:    SourceUser,
		})
	}
	return found, missing
}

// DiscoverExternalTestBinaries lists every regular file in testSuiteDir,
// sorted by name. A missing directory yields no entries and a warning.
func (a *Assembler) DiscoverExternalTestBinaries(testSuiteDir string) ([]BinaryEntry, error) {
	infos, err := afero.ReadDir(a.fs, testSuiteDir)
	if err != nil {
		if os.IsNotExist(err) {
			a.warn(Warning{
				Kind:     WarningEntryMissing,
				Name:     filepath.Base(testSuiteDir),
				HostPath: testSuiteDir,
				Reason:   "test suite directory does not exist",
			})
			return nil, nil
		}
		return nil, errors.ErrIO.WithMessagef("failed to list %s", testSuiteDir).WithCause(err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var entries []BinaryEntry
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, BinaryEntry{
			HostPath:  filepath.Join(testSuiteDir, info.Name()),
			ImagePath: path.Join(a.cfg.TestDest, info.Name()),
			Source:    SourceTestSuite,
		})
	}
	return entries, nil
}

// DiscoverSourceNames lists the user-program sources in srcDir, that is
// every regular file carrying one of the configured suffixes, sorted.
func (a *Assembler) DiscoverSourceNames(srcDir string) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			a.warn(Warning{
				Kind:     WarningEntryMissing,
				Name:     filepath.Base(srcDir),
				HostPath: srcDir,
				Reason:   "user program source directory does not exist",
			})
			return nil, nil
		}
		return nil, errors.ErrIO.WithMessagef("failed to list %s", srcDir).WithCause(err)
	}

	var names []string
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		if a.artifactName(info.Name()) != info.Name() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
