// Package gitfilter answers "is this path tracked by git" for a workspace
// root (C5), so the proxy's debouncer can drop editor-generated noise
// (build output, node_modules, etc.) before it ever reaches a backend.
package gitfilter

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// TrackedFiles is an immutable snapshot of one root's `git ls-files` output,
// indexed for O(path-depth) lookups instead of a linear scan.
type TrackedFiles struct {
	files map[string]struct{}
	dirs  map[string]struct{}
}

// Build shells out to `git ls-files --cached --others --exclude-standard` in
// root and indexes the result. Returns nil if root has no .git entry or the
// command fails; callers should treat a nil snapshot as "don't filter".
func Build(root string) *TrackedFiles {
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil
	}

	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		files[filepath.Join(root, filepath.FromSlash(line))] = struct{}{}
	}

	return newTrackedFiles(files)
}

func newTrackedFiles(files map[string]struct{}) *TrackedFiles {
	dirs := make(map[string]struct{})
	for file := range files {
		dir := filepath.Dir(file)
		for {
			if _, seen := dirs[dir]; seen {
				break
			}
			dirs[dir] = struct{}{}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return &TrackedFiles{files: files, dirs: dirs}
}

// IsTracked reports whether path is itself a tracked file, a directory that
// contains tracked files, or a path beneath a tracked file (some ancestor of
// path is itself a tracked file: the rare "subpath of a tracked file" case,
// e.g. querying inside a tracked archive-like blob path).
func (t *TrackedFiles) IsTracked(path string) bool {
	if t == nil {
		return true // no snapshot available: don't filter anything out
	}
	if _, ok := t.files[path]; ok {
		return true
	}
	if _, ok := t.dirs[path]; ok {
		return true
	}
	dir := filepath.Dir(path)
	for {
		if _, ok := t.files[dir]; ok {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return false
}

// Len reports the number of tracked files in the snapshot.
func (t *TrackedFiles) Len() int {
	if t == nil {
		return 0
	}
	return len(t.files)
}
