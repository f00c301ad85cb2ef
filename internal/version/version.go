package version

// Build information, overridden at build time via -ldflags "-X ...".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the short version string.
func Info() string {
	return Version
}

// FullInfo returns the version with commit and build time.
func FullInfo() string {
	return "canvas " + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
