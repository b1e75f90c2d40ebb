package build

// These variables identify the current build for logging and bug-report
// purposes. Version is bumped at release time; Release/DEBUG are normally
// set via linker flags in release builds, defaulting here to a
// development build.
var (
	// Version is the current version of the backup engine.
	Version = "0.1.0"

	// Release is one of "standard", "dev", or "testing".
	Release = "standard"

	// DEBUG indicates whether this is a debug build with additional
	// assertions/logging enabled.
	DEBUG = false

	// IssuesURL is where users should report bugs.
	IssuesURL = "https://github.com/frostvault/backup/issues"
)
