// Package version reports the discharge build version.
//
// version.txt is embedded at compile time; release builds overwrite it
// before running go build.
package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version is the embedded version string.
var Version = strings.TrimSpace(versionFile)

// String returns the version string.
func String() string {
	return Version
}

// Full returns the version prefixed with the program name.
func Full() string {
	return "discharge version " + Version
}
