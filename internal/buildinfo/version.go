// Package buildinfo holds values stamped in at link time.
//
//	go build -ldflags "-X github.com/YoshitsuguKoike/paracle/internal/buildinfo.Version=v0.3.0 \
//	  -X github.com/YoshitsuguKoike/paracle/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

var (
	// Version is the release tag, "dev" for local builds
	Version = "dev"
	// Commit is the short VCS revision, empty when not stamped
	Commit = ""
)

// GetVersion returns Version, falling back to "dev"
func GetVersion() string {
	if Version == "" {
		return "dev"
	}
	return Version
}

// String is the version with the commit appended when known
func String() string {
	if Commit == "" {
		return GetVersion()
	}
	return GetVersion() + " (" + Commit + ")"
}
