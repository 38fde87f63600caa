package core

import (
	"runtime/debug"
	"strings"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// Version is the display version of this binary, resolved once at startup
var Version = readBuildInfo().String()

func readBuildInfo() BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return BuildInfo{Version: "devel"}
	}
	return buildInfoFrom(info.Main.Version, info.Settings)
}

// buildInfoFrom prefers a tagged module version and falls back to VCS stamps.
func buildInfoFrom(moduleVersion string, settings []debug.BuildSetting) BuildInfo {
	bi := BuildInfo{Version: "devel"}
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			bi.Revision = s.Value
		case "vcs.modified":
			bi.Dirty = s.Value == "true"
		}
	}
	if moduleVersion != "" && moduleVersion != "(devel)" && !isPseudoVersion(moduleVersion) {
		bi.Version = strings.TrimPrefix(moduleVersion, "v")
	}
	return bi
}

// String renders "1.2.3" for releases and "devel-<sha7>[-dirty]" otherwise
func (b BuildInfo) String() string {
	if b.Version != "devel" || b.Revision == "" {
		return b.Version
	}
	short := b.Revision
	if len(short) > 7 {
		short = short[:7]
	}
	s := "devel-" + short
	if b.Dirty {
		s += "-dirty"
	}
	return s
}

// isPseudoVersion reports whether v ends in a 12 hex digit commit hash,
// as in v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 || len(v)-i-1 != 12 {
		return false
	}
	return strings.Trim(v[i+1:], "0123456789abcdef") == ""
}
