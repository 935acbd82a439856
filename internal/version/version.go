// Package version holds build-time identifiers, set via -ldflags at
// build time. When not overridden, Version is "dev" and Commit is "unknown".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
