// Package snapsvc routes work to lazily started workers across a primary and
// a secondary execution domain.
package snapsvc

import "strings"

// version is overridden at build time with
// -ldflags "-X github.com/mattjoyce/snapsvc.version=...".
var version = "0.1.0-dev"

// Version returns the release version of this build.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return "0.0.0-dev"
	}
	return v
}
