package paths

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	pmerrors "pmdash/internal/errors"
)

// StateDirName is the per-project directory holding the database, logs and config.
const StateDirName = ".pmdash"

// Canonicalize converts a raw path into a project-relative canonical path.
// - Relative input is resolved against projectRoot
// - "." and ".." segments are cleaned
// - The project root prefix is stripped
// - Backslashes become forward slashes
// Paths escaping the root are rejected with INVALID_PATH. The function never
// touches the filesystem, so the result is identical across clones.
func Canonicalize(rawPath string, projectRoot string) (string, error) {
	raw := strings.TrimSpace(rawPath)
	if raw == "" {
		return "", pmerrors.Newf(pmerrors.InvalidPath, "empty path")
	}

	root := toSlash(projectRoot)
	if root == "" {
		root = "."
	}
	raw = toSlash(raw)

	var joined string
	if isAbs(raw) {
		joined = path.Clean(raw)
		root = absRoot(root)
	} else {
		joined = path.Join(root, raw)
	}
	root = path.Clean(root)

	var rel string
	switch {
	case root == ".":
		rel = joined
	case joined == root:
		rel = "."
	case root == "/":
		rel = strings.TrimPrefix(joined, "/")
	case strings.HasPrefix(joined, root+"/"):
		rel = strings.TrimPrefix(joined, root+"/")
	default:
		return "", pmerrors.Newf(pmerrors.InvalidPath, "path %q escapes project root %q", rawPath, projectRoot)
	}

	if rel == "." || rel == "" {
		return "", pmerrors.Newf(pmerrors.InvalidPath, "path %q is the project root itself", rawPath)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || isAbs(rel) {
		return "", pmerrors.Newf(pmerrors.InvalidPath, "path %q escapes project root %q", rawPath, projectRoot)
	}
	return rel, nil
}

// JoinRoot joins a project root with a canonical path
func JoinRoot(projectRoot string, canonicalPath string) string {
	parts := strings.Split(toSlash(canonicalPath), "/")
	return filepath.Join(append([]string{projectRoot}, parts...)...)
}

// StateDir returns <projectRoot>/.pmdash
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName)
}

// DatabasePath returns <projectRoot>/.pmdash/pmdash.db
func DatabasePath(projectRoot string) string {
	return filepath.Join(StateDir(projectRoot), "pmdash.db")
}

// LogsDir returns <projectRoot>/.pmdash/logs
func LogsDir(projectRoot string) string {
	return filepath.Join(StateDir(projectRoot), "logs")
}

// LogPath returns the log file for a subsystem, e.g. .pmdash/logs/sync.log
func LogPath(projectRoot string, subsystem string) string {
	return filepath.Join(LogsDir(projectRoot), subsystem+".log")
}

// EnsureLogsDir creates the logs directory if needed.
func EnsureLogsDir(projectRoot string) (string, error) {
	dir := LogsDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// isAbs treats both "/x" and Windows drive paths ("C:/x") as absolute.
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/'
}

// absRoot makes a relative root absolute using the working directory; only
// used when the input itself is absolute.
func absRoot(root string) string {
	if isAbs(root) {
		return root
	}
	abs, err := filepath.Abs(filepath.FromSlash(root))
	if err != nil {
		return root
	}
	return toSlash(abs)
}
