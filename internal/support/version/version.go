// Package version holds the process identity printed by queuectl's "version"
// command, overridable at link time via -ldflags.
package version

// Name and Version are baked in at build time; the defaults below are used
// for local/dev builds.
var (
	Name    = "queuectl"
	Version = "dev"
)
