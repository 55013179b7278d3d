// Package build contains build information set by the build system.
package build

// Version of switchboard server. Set during release build via ldflags.
var Version = "0.0.0"
