package persist

import (
	"io"

	"github.com/uplo-tech/log"

	"github.com/frostvault/backup/build"
)

// Logger is a wrapper for log.Logger carrying this engine's build metadata
// on every entry.
type Logger struct {
	*log.Logger
}

var options = log.Options{
	BinaryName:   "frostvault-backup",
	BugReportURL: build.IssuesURL,
	Debug:        build.DEBUG,
	Release:      buildReleaseType(),
	Version:      build.Version,
}

// NewFileLogger returns a logger that logs to logFilename, opened in
// append mode and created if it does not exist.
func NewFileLogger(logFilename string) (*Logger, error) {
	logger, err := log.NewFileLogger(logFilename, options)
	return &Logger{logger}, err
}

// NewLogger returns a logger writing to w. Calls should not be made to the
// logger after Close has been called.
func NewLogger(w io.Writer) (*Logger, error) {
	logger, err := log.NewLogger(w, options)
	return &Logger{logger}, err
}

func buildReleaseType() log.ReleaseType {
	switch build.Release {
	case "standard":
		return log.Release
	case "dev":
		return log.Dev
	case "testing":
		return log.Testing
	default:
		return log.Release
	}
}
