// Package version carries build metadata stamped in with -ldflags:
//
//	go build -ldflags "-X github.com/teranos/jobkit/version.Version=1.4.0 -X github.com/teranos/jobkit/version.CommitHash=$(git rev-parse HEAD)"
//
// Version is also the host version extensions constrain with host_version.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	Release    bool   `json:"release"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the running binary's build information.
func Get() Info {
	_, err := semver.NewVersion(Version)
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		Release:    err == nil,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	commit := i.CommitHash
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if !i.Release {
		return fmt.Sprintf("jobkit %s, development build (commit %s, built %s)", i.Version, commit, i.BuildTime)
	}
	return fmt.Sprintf("jobkit %s (commit %s, built %s)", i.Version, commit, i.BuildTime)
}
