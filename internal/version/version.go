package version

import "fmt"

// Set at build time with -ldflags "-X github.com/checkd/checkd/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	return Version
}

// GetCommit returns the commit hash
func GetCommit() string {
	return Commit
}

// GetBuildDate returns the build date
func GetBuildDate() string {
	return BuildDate
}

// UserAgent is sent by the control client and the webhook transport.
func UserAgent() string {
	return fmt.Sprintf("checkd/%s (%s)", Version, Commit)
}

// GetFullVersion returns a formatted version string
func GetFullVersion() string {
	if Version == "dev" {
		return "dev (commit: " + Commit + ")"
	}
	return fmt.Sprintf("%s (commit: %s, built %s)", Version, Commit, BuildDate)
}
