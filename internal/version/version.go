// Package version carries the build version of the hostd binaries. Release
// builds set it with -ldflags "-X github.com/nupi-ai/hostd/internal/version.version=<v>".
package version

import (
	"fmt"
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// describeSuffix matches the "-N-gHASH" tail git describe appends.
var describeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

func normalize(v string) string {
	return describeSuffix.ReplaceAllString(strings.TrimPrefix(v, "v"), "")
}

// untagged versions never produce a mismatch warning.
func untagged(v string) bool {
	return v == "" || v == "dev" || v == "0.0.0"
}

// Format adds the "v" prefix to tagged versions.
func Format(v string) string {
	if untagged(v) || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Mismatch compares this binary with the version a host reported and
// returns a warning, or "" when they agree or either side is untagged.
func Mismatch(hostVersion string) string {
	local := version
	if untagged(local) || untagged(hostVersion) {
		return ""
	}
	if normalize(local) == normalize(hostVersion) {
		return ""
	}
	return fmt.Sprintf("WARNING: hostctl %s is talking to hostd %s; restart the host or upgrade hostctl",
		Format(local), Format(hostVersion))
}
