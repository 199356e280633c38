package version

import "runtime"

var (
	// Version is the semantic version (injected at build time).
	Version = "dev"
	// Commit is the git commit SHA (injected at build time).
	Commit = "unknown"
	// BuildDate is the build timestamp (injected at build time).
	BuildDate = "unknown"
)

// Info returns formatted version information.
func Info() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}

// String is the full line printed by "cloudstore version".
func String() string {
	return "cloudstore " + Info() + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}
