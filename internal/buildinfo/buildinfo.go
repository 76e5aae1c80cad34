// Package buildinfo holds release metadata stamped in by the linker:
//
//	go build -ldflags "-X github.com/vmconsole/vmconsole/internal/buildinfo.Version=v1.2.0"
package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the metadata for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
