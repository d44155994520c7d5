// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

// Set at build time, e.g.
//
//	-ldflags "-X forward-factor-alerts/internal/version.Version=v1.2.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the metadata on one line.
func String() string {
	return fmt.Sprintf("ffalerts %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent is sent to the market-data provider when none is configured.
func UserAgent() string {
	return "ffalerts/" + Version
}
