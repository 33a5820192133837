// Package version holds build-time version information for kimage.
package version

import (
	"fmt"
	"runtime"
)

// Info holds version information. Values are set at build time via ldflags.
type Info struct {
	Version   string
	BuildDate string
	GitCommit string
}

// Defaults for unset version info
var (
	DefaultVersion   = "dev"
	DefaultBuildDate = "unknown"
	DefaultGitCommit = "unknown"
)

// New creates a new Info with default values
func New() *Info {
	return &Info{
		Version:   DefaultVersion,
		BuildDate: DefaultBuildDate,
		GitCommit: DefaultGitCommit,
	}
}

// String returns the short version string
func (i *Info) String() string {
	return fmt.Sprintf("%s-%s", i.Version, i.GitCommit)
}

// Full returns a detailed multi-line version string
func (i *Info) Full() string {
	return fmt.Sprintf(`kimage %s
  Build Date: %s
  Git Commit: %s
  Go Version: %s
  Platform:   %s/%s`,
		i.Version,
		i.BuildDate,
		i.GitCommit,
		runtime.Version(),
		runtime.GOOS, runtime.GOARCH,
	)
}
