package observability

import "time"

// Name identifies the service in logs, /api/version and the CLI.
const Name = "testassist"

// Overwritten via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "" // ISO8601 UTC build time
)

type BuildInfo struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Commit  string    `json:"commit"`
	Date    string    `json:"date,omitempty"`
	Time    time.Time `json:"time"`
}

func Build() BuildInfo {
	return BuildInfo{Name: Name, Version: Version, Commit: Commit, Date: Date, Time: time.Now().UTC()}
}
