package proxy

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// uriToPath converts a file:// URI (or a bare path) into a filesystem path,
// percent-decoding it first. Unix and Windows diverge on the leading slash of
// a three-slash "file:///" URI: Windows strips it and turns the remaining
// slashes into backslashes ("C:\path"), Unix keeps it ("/path").
func uriToPath(uri string) (string, bool) {
	decoded, err := url.PathUnescape(uri)
	if err != nil {
		decoded = uri
	}

	switch {
	case strings.HasPrefix(decoded, "file:///"):
		rest := strings.TrimPrefix(decoded, "file:///")
		if runtime.GOOS == "windows" {
			return strings.ReplaceAll(rest, "/", `\`), true
		}
		return "/" + rest, true
	case strings.HasPrefix(decoded, "file://"):
		return strings.TrimPrefix(decoded, "file://"), true
	case decoded == "":
		return "", false
	default:
		return decoded, true
	}
}

// pathToFileURI renders path back into a file:/// URI for outbound
// notifications, normalizing Windows backslashes to forward slashes.
func pathToFileURI(path string) string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	normalized = strings.TrimPrefix(normalized, "/")
	return "file:///" + normalized
}

// longestPrefixMatch returns the known root that is the longest ancestor of
// path, if any.
func longestPrefixMatch(roots []string, path string) (string, bool) {
	best := ""
	found := false
	for _, root := range roots {
		if !isWithin(path, root) {
			continue
		}
		if !found || len(root) > len(best) {
			best = root
			found = true
		}
	}
	return best, found
}

func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// gitRootAncestor walks upward from path looking for a ".git" entry,
// returning the first ancestor directory that has one. This is the resolved
// "auto-detect the git root" behavior: it applies even when path falls
// outside every root the IDE has told the proxy about.
func gitRootAncestor(path string) (string, bool) {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
