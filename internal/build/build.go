// Package build provides build-time metadata for the docrel binaries.
package build

// ProjectName is used to prefix metric names and log fields.
const ProjectName = "docrel"

// These values are set at build time using ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)
