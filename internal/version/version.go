// Package version holds the build version, overridden at link time via
// -ldflags "-X github.com/wisbric/runnerd/internal/version.Version=...".
package version

// Version is the runnerd build version.
var Version = "dev"
