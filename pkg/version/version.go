// Package version reports build metadata for logs, the health endpoint,
// and user-agent strings.
package version

import "runtime/debug"

// AppName is the application name used in version strings and log banners.
const AppName = "autopoiesis"

// Release is the semantic version, set via -ldflags on tagged builds.
// Untagged builds report the VCS revision instead.
var Release = ""

// Full returns "autopoiesis/<release-or-commit>". Resolution order:
// ldflags Release, then the embedded VCS revision, then "dev".
func Full() string {
	return AppName + "/" + resolve()
}

func resolve() string {
	if Release != "" {
		return Release
	}
	if rev := vcsRevision(); rev != "" {
		return shorten(rev)
	}
	return "dev"
}

// vcsRevision digs the commit hash out of the build info stamped by the
// toolchain. Empty for `go test` binaries and non-git builds.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
