package version

import (
	"fmt"
	"runtime"
)

// Set at link time: -ldflags "-X manipwatch/internal/version.Version=1.2.0 ...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the build identity printed by the version command and reported on /health.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Release identifies the build in error reports, e.g. "manipwatch@1.2.0+abc123".
func Release() string {
	return fmt.Sprintf("manipwatch@%s+%s", Version, Commit)
}

// UserAgent is sent on exchange requests unless one is configured.
func UserAgent() string {
	return "manipwatch/" + Version
}
