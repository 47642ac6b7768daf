package mirror

import (
	"path/filepath"
	"strings"
)

// Artifact is a downloaded package file in the mirror cache.
//
// File names follow the apt-get download convention
// <name>_<version>_<arch>.deb with the epoch colon encoded as %3a.
type Artifact struct {
	Name    string
	Version string // epoch colon restored
	Arch    string // may be empty
	Path    string
}

// ParseArtifact parses a cached package file name. It reports false for
// files that are not package archives.
func ParseArtifact(path string) (Artifact, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".deb") {
		return Artifact{}, false
	}

	parts := strings.Split(strings.TrimSuffix(base, ".deb"), "_")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Artifact{}, false
	}

	a := Artifact{
		Name:    parts[0],
		Version: decodeVersion(parts[1]),
		Path:    path,
	}
	if len(parts) > 2 {
		a.Arch = parts[2]
	}
	return a, true
}

func decodeVersion(v string) string {
	return strings.ReplaceAll(strings.ReplaceAll(v, "%3a", ":"), "%3A", ":")
}

// PoolPrefix returns the pool directory a package file is filed under: the
// first letter of its name, or the first four for lib* packages.
func PoolPrefix(name string) string {
	if strings.HasPrefix(name, "lib") && len(name) >= 4 {
		return name[:4]
	}
	if name == "" {
		return ""
	}
	return name[:1]
}
