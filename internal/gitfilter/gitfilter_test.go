package gitfilter

import "testing"

func TestIsTrackedDirectFileMatch(t *testing.T) {
	tracked := newTrackedFiles(map[string]struct{}{
		"/project/src/main.go":  {},
		"/project/go.mod":       {},
	})

	if !tracked.IsTracked("/project/src/main.go") {
		t.Fatal("expected direct file match to be tracked")
	}
	if !tracked.IsTracked("/project/go.mod") {
		t.Fatal("expected direct file match to be tracked")
	}
	if tracked.IsTracked("/project/node_modules/foo.js") {
		t.Fatal("untracked file must not be reported as tracked")
	}
}

func TestIsTrackedAncestorDirectories(t *testing.T) {
	tracked := newTrackedFiles(map[string]struct{}{
		"/project/src/lib.go":          {},
		"/project/src/utils/helper.go": {},
	})

	for _, dir := range []string{"/project/src", "/project/src/utils", "/project"} {
		if !tracked.IsTracked(dir) {
			t.Fatalf("expected ancestor directory %q to be tracked", dir)
		}
	}
	for _, dir := range []string{"/project/node_modules", "/other"} {
		if tracked.IsTracked(dir) {
			t.Fatalf("unrelated directory %q must not be tracked", dir)
		}
	}
}

func TestEmptyTrackedFiles(t *testing.T) {
	tracked := newTrackedFiles(map[string]struct{}{})
	if tracked.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tracked.Len())
	}
	if tracked.IsTracked("/any/path") {
		t.Fatal("empty snapshot must not report any path as tracked")
	}
}

func TestNilSnapshotDoesNotFilter(t *testing.T) {
	var tracked *TrackedFiles
	if !tracked.IsTracked("/anything") {
		t.Fatal("a nil snapshot (git unavailable) must not filter anything out")
	}
}

func TestCacheEvictsOldestOnOverflow(t *testing.T) {
	c := NewCache()
	for i := 0; i < maxEntries+1; i++ {
		c.mu.Lock()
		c.entries[string(rune('a'+i))] = &cacheEntry{snapshot: nil}
		c.evictIfOverflowingLocked()
		c.mu.Unlock()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > maxEntries {
		t.Fatalf("cache has %d entries, want at most %d", len(c.entries), maxEntries)
	}
}
