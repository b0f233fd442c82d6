package proxy

import "testing"

func TestURIToPathUnixStyle(t *testing.T) {
	path, ok := uriToPath("file:///home/user/project/main.go")
	if !ok {
		t.Fatal("expected uriToPath to succeed")
	}
	if path != "/home/user/project/main.go" {
		t.Fatalf("path = %q, want /home/user/project/main.go", path)
	}
}

func TestURIToPathPercentDecoded(t *testing.T) {
	path, ok := uriToPath("file:///home/user/my%20project/main.go")
	if !ok {
		t.Fatal("expected uriToPath to succeed")
	}
	if path != "/home/user/my project/main.go" {
		t.Fatalf("path = %q, want a decoded space", path)
	}
}

func TestURIToPathBarePath(t *testing.T) {
	path, ok := uriToPath("/already/a/path")
	if !ok || path != "/already/a/path" {
		t.Fatalf("path = %q, ok = %v", path, ok)
	}
}

func TestURIToPathEmpty(t *testing.T) {
	if _, ok := uriToPath(""); ok {
		t.Fatal("empty uri must not resolve to a path")
	}
}

func TestLongestPrefixMatchPicksDeepest(t *testing.T) {
	roots := []string{"/home/user/project", "/home/user/project/subdir"}
	root, ok := longestPrefixMatch(roots, "/home/user/project/subdir/file.go")
	if !ok {
		t.Fatal("expected a match")
	}
	if root != "/home/user/project/subdir" {
		t.Fatalf("root = %q, want the deepest matching root", root)
	}
}

func TestLongestPrefixMatchNoMatch(t *testing.T) {
	roots := []string{"/home/user/project"}
	if _, ok := longestPrefixMatch(roots, "/elsewhere/file.go"); ok {
		t.Fatal("expected no match for an unrelated path")
	}
}

func TestPathToFileURIRoundTrips(t *testing.T) {
	uri := pathToFileURI("/home/user/project/main.go")
	if uri != "file:///home/user/project/main.go" {
		t.Fatalf("uri = %q", uri)
	}

	path, ok := uriToPath(uri)
	if !ok || path != "/home/user/project/main.go" {
		t.Fatalf("round trip failed: path=%q ok=%v", path, ok)
	}
}
