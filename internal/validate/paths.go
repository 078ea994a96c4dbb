package validate

import (
	"os"
	"path/filepath"
	"strings"
)

// looksLikePath reports whether a command argument should be treated as a
// filesystem path and checked for workspace containment. Flags are skipped.
func looksLikePath(arg string) bool {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return false
	}
	if arg == "." || arg == ".." {
		return true
	}
	return strings.Contains(arg, "/") || strings.HasPrefix(arg, "~") || strings.HasPrefix(arg, "..")
}

// containedInWorkspace resolves arg against workspaceRoot (following
// symlinks) and reports whether the result stays inside the workspace.
// Home-relative paths can never be contained and are rejected outright.
func containedInWorkspace(workspaceRoot, arg string) bool {
	if strings.HasPrefix(arg, "~") {
		return false
	}

	root, err := resolveExisting(filepath.Clean(workspaceRoot))
	if err != nil {
		return false
	}

	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspaceRoot, p)
	}
	resolved, err := resolveExisting(filepath.Clean(p))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// systemExecDirs are the directories a path-qualified executable token may
// name without a workspace containment check.
var systemExecDirs = map[string]bool{
	"/bin":            true,
	"/sbin":           true,
	"/usr/bin":        true,
	"/usr/sbin":       true,
	"/usr/local/bin":  true,
	"/usr/local/sbin": true,
}

// executableContained reports whether a path-qualified executable token names
// a binary in a standard system directory or inside the workspace. Anything
// else is an out-of-tree binary and must not run, whatever its base name.
func executableContained(workspaceRoot, exe string) bool {
	if systemExecDirs[filepath.Dir(filepath.Clean(exe))] {
		return true
	}
	return containedInWorkspace(workspaceRoot, exe)
}

// resolveExisting resolves symlinks in p. Components that do not exist yet
// are kept literally, with symlinks resolved in the deepest existing
// ancestor, so containment is judged on the real target directory.
func resolveExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	dir := filepath.Dir(p)
	if dir == p {
		return p, nil
	}
	rdir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(rdir, filepath.Base(p)), nil
}
