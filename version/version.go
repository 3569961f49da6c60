// Package version holds build identity, set via ldflags at release time.
package version

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)
