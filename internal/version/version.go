// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/tokligence/relay-authz/internal/version.Version=v0.2.0
package version

import "fmt"

var (
	Version = "v0.1.0-dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the bare version string.
func Info() string {
	return Version
}

// FullInfo returns every build field, as logged at startup and printed by
// the version command.
func FullInfo() string {
	return fmt.Sprintf("relay-authz %s (commit=%s built_at=%s)", Version, Commit, BuiltAt)
}
