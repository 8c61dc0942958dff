package sshx

import (
	"log/slog"
	"strconv"
	"strings"
)

// FileInfo is one remote directory entry as reported by ls.
type FileInfo struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Mtime       int64  `json:"mtime"` // unix seconds
	IsDirectory bool   `json:"is_directory"`
	Permissions string `json:"permissions"`
}

// parseLsLong maps `ls -lAn --time-style=+%s` output onto entries.
// Lines that do not parse are logged and skipped, never fatal: a
// hostile filename must not abort a whole scan.
func parseLsLong(output, base string) []FileInfo {
	lines := strings.Split(output, "\n")
	infos := make([]FileInfo, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		info, ok := parseLsLine(line, base)
		if !ok {
			slog.Debug("unparseable ls line skipped", "line", line)
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// parseLsLine handles one `-rw-r--r-- 1 1000 1000 1048576 1700000000 name`
// line. Names keep embedded spaces; symlink targets are stripped.
func parseLsLine(line, base string) (FileInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return FileInfo{}, false
	}

	perms := fields[0]
	if len(perms) < 10 {
		return FileInfo{}, false
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}
	mtime, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}

	// The name is everything after the sixth field; recover it from
	// the raw line so embedded runs of spaces survive.
	name := lsLineName(line, fields[:6])
	if name == "" {
		return FileInfo{}, false
	}
	if perms[0] == 'l' {
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[:idx]
		}
	}

	return FileInfo{
		Path:        joinRemote(base, name),
		Name:        name,
		Size:        size,
		Mtime:       mtime,
		IsDirectory: perms[0] == 'd',
		Permissions: perms,
	}, true
}

// lsLineName advances past the first len(prefix) fields and returns
// the rest of the line.
func lsLineName(line string, prefix []string) string {
	rest := line
	for _, f := range prefix {
		idx := strings.Index(rest, f)
		if idx < 0 {
			return ""
		}
		rest = rest[idx+len(f):]
	}
	return strings.TrimLeft(rest, " ")
}

// parseStatLine maps `stat -c '%F|%s|%Y|%a|%n'` output onto one entry.
func parseStatLine(line string) (FileInfo, bool) {
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 5)
	if len(parts) != 5 {
		return FileInfo{}, false
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}
	mtime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}

	path := parts[4]
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}

	return FileInfo{
		Path:        path,
		Name:        name,
		Size:        size,
		Mtime:       mtime,
		IsDirectory: strings.Contains(parts[0], "directory"),
		Permissions: parts[3],
	}, true
}

func joinRemote(base, name string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		base = "/"
	}
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
