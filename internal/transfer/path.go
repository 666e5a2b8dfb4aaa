// ABOUTME: Agent-side path resolution against the agent's working directory.
// ABOUTME: POSIX agents use '/', Windows agents use '\' and drive letters.

package transfer

import (
	"path"
	"strings"
)

func isWindows(osName string) bool {
	return strings.HasPrefix(strings.ToLower(osName), "windows")
}

func windowsAbs(p string) bool {
	if strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// resolvePath makes p absolute on the agent, relative to cwd.
func resolvePath(osName, cwd, p string) string {
	if isWindows(osName) {
		p = strings.ReplaceAll(p, "/", `\`)
		switch {
		case p == "":
			return cwd
		case windowsAbs(p) || cwd == "":
			return p
		default:
			return strings.TrimRight(cwd, `\`) + `\` + p
		}
	}

	switch {
	case p == "":
		return cwd
	case path.IsAbs(p):
		return path.Clean(p)
	case cwd == "":
		return path.Clean(p)
	default:
		return path.Join(cwd, p)
	}
}

// joinPath appends name to dir with the agent's separator.
func joinPath(osName, dir, name string) string {
	if isWindows(osName) {
		if dir == "" {
			return name
		}
		return strings.TrimRight(dir, `\/`) + `\` + name
	}
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

// baseName is the last element of an agent path.
func baseName(osName, p string) string {
	if isWindows(osName) {
		p = strings.TrimRight(p, `\/`)
		if i := strings.LastIndexAny(p, `\/`); i >= 0 {
			return p[i+1:]
		}
		return p
	}
	return path.Base(p)
}

// looksLikeDirectory is the fallback classification for agents that do not
// report is_directory: names without an extension are taken as folders.
func looksLikeDirectory(name string) bool {
	return !strings.Contains(name, ".")
}
