package confine

import (
	"runtime"

	"golang.org/x/mod/semver"

	"github.com/kolkov/confine/internal/confine/registry"
)

// Version information for the confine library.
const (
	// Version is the current library version.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides build information about the library.
type Info struct {
	// Version is the library version string.
	Version string

	// Backend is the registry storage selected at build time ("map" or
	// "slab").
	Backend string

	// GoVersion is the toolchain the binary was built with.
	GoVersion string
}

// GetInfo returns information about the library build.
//
// Example:
//
//	info := confine.GetInfo()
//	fmt.Printf("confine %s (%s registry)\n", info.Version, info.Backend)
func GetInfo() Info {
	return Info{
		Version:   Version,
		Backend:   registry.New().Name(),
		GoVersion: runtime.Version(),
	}
}

// Compatible reports whether this build satisfies a caller that was written
// against version want ("v0.1", "0.1.2", ...). Versions below v1 are only
// compatible within the same minor line; from v1 on the major version must
// match and the build must not be older than want.
func Compatible(want string) bool {
	if want != "" && want[0] != 'v' {
		want = "v" + want
	}
	if !semver.IsValid(want) {
		return false
	}
	have := "v" + Version
	if semver.Compare(have, want) < 0 {
		return false
	}
	if semver.Major(have) == "v0" {
		return semver.MajorMinor(have) == semver.MajorMinor(want)
	}
	return semver.Major(have) == semver.Major(want)
}
