// Package version carries the build version, set with
// -ldflags "-X fleetagent/internal/version.Version=...".
package version

// Version of the agent binary.
var Version = "dev"

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "fleetagent/" + Version
}
