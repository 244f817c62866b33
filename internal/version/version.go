package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags
var (
	// Version is the semantic version, injected at build time
	Version = "dev"

	// GitCommit is the git commit hash, injected at build time
	GitCommit = "unknown"

	// GitTag is the git tag, injected at build time
	GitTag = ""

	// BuildDate is the build date, injected at build time
	BuildDate = "unknown"

	// GoVersion is the Go version used to build
	GoVersion = runtime.Version()

	// GitDirty indicates if the working tree was dirty during build
	GitDirty = ""
)

// Info returns the version string: the git tag when there is one, else
// Version, with a -dirty suffix for dirty builds.
func Info() string {
	version := Version
	if GitTag != "" && GitTag != "unknown" {
		version = GitTag
	}
	if GitDirty == "true" && !strings.Contains(version, "-dirty") {
		version += "-dirty"
	}
	return version
}

// Full returns Info plus the short commit hash.
func Full() string {
	info := Info()
	if short := shortCommit(); short != "" && !strings.Contains(info, short) {
		info += fmt.Sprintf(" (%s)", short)
	}
	return info
}

func shortCommit() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return ""
	}
	if len(GitCommit) > 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// BuildInfo returns detailed build information
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitTag    string `json:"git_tag"`
	GitDirty  bool   `json:"git_dirty"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo returns structured build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Info(),
		GitCommit: GitCommit,
		GitTag:    GitTag,
		GitDirty:  GitDirty == "true",
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}

// UserAgent returns the User-Agent sent by HTTP embedding providers.
func UserAgent() string {
	return fmt.Sprintf("vectable/%s", Info())
}
