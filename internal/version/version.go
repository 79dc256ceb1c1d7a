// Package version holds build-time metadata, overridden via -ldflags at
// build time (e.g. -X github.com/throneworks/quoteflow/internal/version.Version=1.4.0).
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
