package api

// These variables are set at build time via ldflags
// Example: go build -ldflags "-X github.com/zuri-labs/zuri/internal/api.Version=$(cat VERSION)"
var (
	// Version is the semantic version of the API server
	Version = "2.0.0"

	// GitCommit is the git commit hash, set via ldflags at build time
	GitCommit = "unknown"
)

// VersionInfo returns a formatted version string for display
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
