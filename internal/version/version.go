// Package version holds the engine version. Runtime metadata is stored
// under this version, so bumping it invalidates every installed runtime.
package version

// Version is overridden at build time with -ldflags "-X cloudproc/internal/version.Version=...".
var Version = "0.4.0"
