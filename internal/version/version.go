// Package version carries build metadata stamped in by -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String is the one-line banner printed by `caseform version`.
func String() string {
	return fmt.Sprintf("caseform %s (commit=%s, built=%s, %s %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
