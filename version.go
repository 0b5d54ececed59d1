// Package planloop provides the version information for planloop.
package planloop

// Version is the current version of planloop.
const Version = "0.1.0"

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}
