// Package version reports which build of deepscope is running. The commit
// comes from -ldflags when set, else from the VCS stamp in the build info,
// else "dev".
package version

import (
	"net/http"
	"runtime/debug"
)

// AppName prefixes the version string.
const AppName = "deepscope"

// gitCommitOverride is set with
// -ldflags "-X github.com/deepscope-io/deepscope/pkg/version.gitCommitOverride=<sha>"
// for builds without a .git directory.
var gitCommitOverride string

// GitCommit is the 8 character commit hash of this build, or "dev".
var GitCommit = resolveCommit(gitCommitOverride, debug.ReadBuildInfo)

func resolveCommit(override string, buildInfo func() (*debug.BuildInfo, bool)) string {
	if override != "" {
		return short(override)
	}
	info, ok := buildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Full returns "deepscope/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

// SetUserAgent stamps h with Full so backends can tell which build called
// them.
func SetUserAgent(h http.Header) {
	h.Set("User-Agent", Full())
}
