// Package version holds build information stamped in with -ldflags, e.g.
// go build -ldflags "-X stageflow/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // Must be package-level vars for ldflags injection
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
